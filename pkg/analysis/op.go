package analysis

import (
	"fmt"

	"github.com/edp1096/power-spice/pkg/circuit"
	"github.com/edp1096/power-spice/pkg/device"
	"github.com/edp1096/power-spice/pkg/matrix"
	"github.com/edp1096/power-spice/pkg/solver"
)

// OperatingPoint computes the DC solution. Nonlinear circuits run the
// three-tier homotopy; linear ones take a single factorization, on the
// sparse path once the system is large enough.
type OperatingPoint struct {
	ckt *circuit.Circuit
	cfg Config

	x       []float64
	results map[string]float64
}

func NewOP(ckt *circuit.Circuit, cfg Config) *OperatingPoint {
	return &OperatingPoint{
		ckt:     ckt,
		cfg:     cfg,
		x:       make([]float64, ckt.Size()+1),
		results: make(map[string]float64),
	}
}

func (op *OperatingPoint) Execute() error {
	status := &device.CircuitStatus{
		Mode:  device.OperatingPointAnalysis,
		Gmin:  op.cfg.Gmin,
		Temp:  op.cfg.Temp,
		Integ: op.cfg.integrator(),
	}

	if op.ckt.HasNonlinear() {
		nr := solver.New(op.ckt, op.cfg.Newton)
		if err := nr.SolveDC(op.x, status); err != nil {
			return fmt.Errorf("operating point: %w", err)
		}
	} else if err := op.solveLinear(status); err != nil {
		return fmt.Errorf("operating point: %w", err)
	}

	op.store()
	return nil
}

func (op *OperatingPoint) solveLinear(status *device.CircuitStatus) error {
	size := op.ckt.Size()

	if size > op.cfg.SparseThreshold {
		sp, err := matrix.NewSparse(size)
		if err != nil {
			return err
		}
		defer sp.Destroy()
		sp.SetupElements()
		if err := op.ckt.Assemble(sp, status); err != nil {
			return err
		}
		if err := sp.Solve(); err != nil {
			return err
		}
		copy(op.x, sp.Solution())
		return nil
	}

	m := matrix.NewDense(size)
	if err := op.ckt.Assemble(m, status); err != nil {
		return err
	}
	if err := m.Solve(); err != nil {
		return err
	}
	m.Refine()
	copy(op.x, m.Solution())
	return nil
}

func (op *OperatingPoint) store() {
	for name, idx := range op.ckt.NodeMap() {
		op.results[fmt.Sprintf("V(%s)", name)] = op.x[idx]
	}
	for name, idx := range op.ckt.BranchMap() {
		op.results[fmt.Sprintf("I(%s)", name)] = op.x[idx]
	}
}

// Solution exposes the raw 1-based solution vector for history seeding.
func (op *OperatingPoint) Solution() []float64 { return op.x }

// Results returns node voltages and branch currents keyed V(node) /
// I(device).
func (op *OperatingPoint) Results() map[string]float64 { return op.results }

// NodeVoltages returns the voltage map keyed by bare label.
func (op *OperatingPoint) NodeVoltages() map[string]float64 {
	out := make(map[string]float64, len(op.ckt.NodeMap()))
	for name, idx := range op.ckt.NodeMap() {
		out[name] = op.x[idx]
	}
	return out
}

// BranchCurrents returns the branch current map keyed by device name.
func (op *OperatingPoint) BranchCurrents() map[string]float64 {
	out := make(map[string]float64, len(op.ckt.BranchMap()))
	for name, idx := range op.ckt.BranchMap() {
		out[name] = op.x[idx]
	}
	return out
}

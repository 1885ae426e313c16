package device

import (
	"fmt"

	"github.com/edp1096/power-spice/pkg/integrator"
	"github.com/edp1096/power-spice/pkg/matrix"
)

// Device is the minimal surface every component exposes. Node and branch
// indices are 1-based; index 0 is the ground reference. Solution vectors
// are laid out with node voltages in [1, N] and branch currents in
// (N, N+M], slot 0 unused.
type Device interface {
	GetName() string
	GetType() string
	GetNodeNames() []string
	GetNodes() []int
	SetNodes(nodes []int)
	GetValue() float64
	Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error
}

// CurrentBranch is implemented by devices that carry an extra
// branch-current unknown in the MNA system.
type CurrentBranch interface {
	NeedsCurrentVar() bool
	BranchIndex() int
	SetBranchIndex(idx int)
}

// NonLinear devices contribute to Newton's residual and Jacobian instead
// of being stamped into the base linear system. Residual entries follow
// the KCL sign convention: current leaving a node is positive.
type NonLinear interface {
	StampResidual(r []float64, x []float64, status *CircuitStatus) error
	StampJacobian(j matrix.DeviceMatrix, x []float64, status *CircuitStatus) error
}

// TimeDependent devices own a history ring and a companion model that is
// refreshed for every candidate step.
type TimeDependent interface {
	UpdateCompanion(status *CircuitStatus)
	CommitHistory(x []float64, status *CircuitStatus)
	SeedHistory(v, i float64)
	LTE(x []float64, status *CircuitStatus) float64
	HistoryDepth() int
}

// EventSource devices latch discrete state (switch gates, body diodes,
// diode conduction) from accepted solutions and can warn the driver that
// a transition is imminent.
type EventSource interface {
	EventImminent(x []float64, status *CircuitStatus) bool
	UpdateLatch(x []float64, status *CircuitStatus) bool
}

// Scalable sources expose the dc-scale homotopy knob used by
// source-stepping.
type Scalable interface {
	SetDCScale(scale float64)
}

type AnalysisMode int

const (
	OperatingPointAnalysis AnalysisMode = iota
	TransientAnalysis
	DCSweepAnalysis
)

// CircuitStatus is the per-step context handed to every stamp call.
type CircuitStatus struct {
	Time     float64
	TimeStep float64
	Gmin     float64
	Mode     AnalysisMode
	Integ    *integrator.Integrator
	Temp     float64
}

// ParamError reports an invalid parameter at construction time.
type ParamError struct {
	Device string
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Device, e.Field, e.Reason)
}

type BaseDevice struct {
	Name      string
	Nodes     []int
	Value     float64
	NodeNames []string
}

func NewBaseDevice(name string, value float64, nodeNames []string) BaseDevice {
	return BaseDevice{
		Name:      name,
		Value:     value,
		NodeNames: nodeNames,
		Nodes:     make([]int, len(nodeNames)),
	}
}

func (d *BaseDevice) GetName() string        { return d.Name }
func (d *BaseDevice) GetNodes() []int        { return d.Nodes }
func (d *BaseDevice) GetNodeNames() []string { return d.NodeNames }
func (d *BaseDevice) GetValue() float64      { return d.Value }
func (d *BaseDevice) SetNodes(nodes []int)   { d.Nodes = nodes }

// voltageAcross reads v(n1) - v(n2) from a 1-based solution vector.
func (d *BaseDevice) voltageAcross(x []float64) float64 {
	v1, v2 := 0.0, 0.0
	if n := d.Nodes[0]; n != 0 {
		v1 = x[n]
	}
	if n := d.Nodes[1]; n != 0 {
		v2 = x[n]
	}
	return v1 - v2
}

// tempFactor is the resistance temperature polynomial applied once at
// construction.
func tempFactor(tc1, tc2, temp, tnom float64) float64 {
	dt := temp - tnom
	return 1.0 + tc1*dt + tc2*dt*dt
}

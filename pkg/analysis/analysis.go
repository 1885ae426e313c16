package analysis

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/edp1096/power-spice/internal/consts"
	"github.com/edp1096/power-spice/pkg/integrator"
	"github.com/edp1096/power-spice/pkg/solver"
)

// Config carries every simulation knob explicitly; there is no
// module-level state.
type Config struct {
	Method integrator.Method
	RhoInf float64 // Generalized-alpha spectral radius

	Temp float64 // device temperature (K)
	Gmin float64 // floor conductance on every diagonal

	// LTE acceptance: lte <= AbsTol + RelTol*||x||_inf
	AbsTol float64
	RelTol float64

	Newton solver.Options

	MaxVoltage      float64 // unphysical-solution guard
	EventStep       float64 // step clamp near device transitions
	SparseThreshold int     // unknown count above which the sparse path is used

	Debug bool
}

func DefaultConfig() Config {
	return Config{
		Method:          integrator.Trapezoidal,
		RhoInf:          0.85,
		Temp:            consts.TNOM,
		Gmin:            1e-12,
		AbsTol:          1e-6,
		RelTol:          1e-3,
		Newton:          solver.DefaultOptions(),
		MaxVoltage:      1e3,
		EventStep:       1e-9,
		SparseThreshold: 512,
	}
}

func (c Config) integrator() *integrator.Integrator {
	integ := integrator.New(c.Method)
	if c.RhoInf > 0 {
		integ.RhoInf = c.RhoInf
	}
	return integ
}

// Measurement is one labeled value of an accepted step.
type Measurement struct {
	Name  string
	Value float64
}

// ResultSink receives exactly one call per accepted step, in monotonic
// time order. Node voltages arrive in node-index order, branch currents
// in branch-index order.
type ResultSink interface {
	OnStep(t float64, nodeVoltages []Measurement, branchCurrents []Measurement)
}

// MemorySink accumulates every step, keyed the classic way: TIME,
// V(node), I(device).
type MemorySink struct {
	results map[string][]float64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{results: make(map[string][]float64)}
}

func (s *MemorySink) OnStep(t float64, nodeVoltages, branchCurrents []Measurement) {
	s.results["TIME"] = append(s.results["TIME"], t)
	for _, m := range nodeVoltages {
		key := fmt.Sprintf("V(%s)", m.Name)
		s.results[key] = append(s.results[key], m.Value)
	}
	for _, m := range branchCurrents {
		key := fmt.Sprintf("I(%s)", m.Name)
		s.results[key] = append(s.results[key], m.Value)
	}
}

func (s *MemorySink) Results() map[string][]float64 { return s.results }

// Times returns the accepted time points.
func (s *MemorySink) Times() []float64 { return s.results["TIME"] }

// Voltage returns the waveform of one node.
func (s *MemorySink) Voltage(node string) []float64 {
	return s.results[fmt.Sprintf("V(%s)", node)]
}

// Current returns the waveform of one branch device.
func (s *MemorySink) Current(name string) []float64 {
	return s.results[fmt.Sprintf("I(%s)", name)]
}

// CSVSink streams one row per accepted step so long simulations never
// accumulate waveforms in memory. Column order is time, node voltages in
// node-map order, branch currents in branch-map order.
type CSVSink struct {
	w           *csv.Writer
	wroteHeader bool
	row         []string
}

func NewCSVSink(w io.Writer) *CSVSink {
	return &CSVSink{w: csv.NewWriter(w)}
}

func (s *CSVSink) OnStep(t float64, nodeVoltages, branchCurrents []Measurement) {
	if !s.wroteHeader {
		header := make([]string, 0, 1+len(nodeVoltages)+len(branchCurrents))
		header = append(header, "time")
		for _, m := range nodeVoltages {
			header = append(header, fmt.Sprintf("V(%s)", m.Name))
		}
		for _, m := range branchCurrents {
			header = append(header, fmt.Sprintf("I(%s)", m.Name))
		}
		s.w.Write(header)
		s.wroteHeader = true
		s.row = make([]string, 0, len(header))
	}

	s.row = s.row[:0]
	s.row = append(s.row, strconv.FormatFloat(t, 'g', -1, 64))
	for _, m := range nodeVoltages {
		s.row = append(s.row, strconv.FormatFloat(m.Value, 'g', -1, 64))
	}
	for _, m := range branchCurrents {
		s.row = append(s.row, strconv.FormatFloat(m.Value, 'g', -1, 64))
	}
	s.w.Write(s.row)
}

// Flush drains buffered rows to the underlying writer.
func (s *CSVSink) Flush() error {
	s.w.Flush()
	return s.w.Error()
}

// Error types of the driver's failure taxonomy. Recoverable classes are
// handled inside the driver; they only escape wrapped in TransientError
// after recovery is exhausted.

type LTEExceededError struct {
	Component string
	Estimate  float64
}

func (e *LTEExceededError) Error() string {
	return fmt.Sprintf("truncation error %g from %s exceeds tolerance", e.Estimate, e.Component)
}

type UnphysicalSolutionError struct {
	Node  string
	Value float64
}

func (e *UnphysicalSolutionError) Error() string {
	return fmt.Sprintf("unphysical solution at node %s: %g", e.Node, e.Value)
}

type StepFloorError struct {
	H float64
}

func (e *StepFloorError) Error() string {
	return fmt.Sprintf("time step %g fell below the minimum while still failing", e.H)
}

// TransientError carries the failure context back to the caller; results
// collected up to Time remain valid in the sink.
type TransientError struct {
	Time float64
	Step int
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failed at t=%g (step %d): %v", e.Time, e.Step, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

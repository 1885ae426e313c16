package device

import (
	"math"

	"github.com/edp1096/power-spice/pkg/integrator"
	"github.com/edp1096/power-spice/pkg/matrix"
)

// Inductor carries a branch-current unknown. The branch row enforces
// v(n1) - v(n2) - Req*i = Veq with the branch current positive from
// node[0] to node[1].
type Inductor struct {
	BaseDevice
	rSeries float64
	ic      float64
	hasIC   bool

	req, veq  float64 // Thevenin companion for the candidate step
	branchIdx int
	hist      *History
}

func NewInductor(name string, nodeNames []string, value, rSeries float64) (*Inductor, error) {
	if len(nodeNames) != 2 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 2 nodes"}
	}
	if !(value > 0) {
		return nil, &ParamError{Device: name, Field: "value", Reason: "inductance must be strictly positive"}
	}
	if rSeries < 0 {
		return nil, &ParamError{Device: name, Field: "rser", Reason: "series resistance must be non-negative"}
	}
	return &Inductor{
		BaseDevice: NewBaseDevice(name, value, nodeNames),
		rSeries:    rSeries,
		hist:       NewHistory(3),
	}, nil
}

func (l *Inductor) GetType() string        { return "L" }
func (l *Inductor) NeedsCurrentVar() bool  { return true }
func (l *Inductor) BranchIndex() int       { return l.branchIdx }
func (l *Inductor) SetBranchIndex(idx int) { l.branchIdx = idx }
func (l *Inductor) HistoryDepth() int      { return l.hist.Depth() }

func (l *Inductor) SetIC(i float64) {
	l.ic = i
	l.hasIC = true
}

func (l *Inductor) HasIC() bool { return l.hasIC }
func (l *Inductor) IC() float64 { return l.ic }

// Sample exposes the branch history for the assembler's coupling
// manifest, which needs partner winding state keyed by branch index.
func (l *Inductor) Sample() integrator.Sample {
	return integrator.Sample{
		Y0:    l.hist.At(0).I,
		Yd0:   l.hist.At(0).Deriv,
		Y1:    l.hist.At(1).I,
		Depth: l.hist.Depth(),
	}
}

func (l *Inductor) UpdateCompanion(status *CircuitStatus) {
	s, r := status.Integ.Coeffs(status.TimeStep, l.Sample())
	l.req = l.Value*s + l.rSeries
	l.veq = -l.Value * r
}

func (l *Inductor) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	n1, n2 := l.Nodes[0], l.Nodes[1]
	b := l.branchIdx

	m.AddElement(n1, b, 1)
	m.AddElement(n2, b, -1)
	m.AddElement(b, n1, 1)
	m.AddElement(b, n2, -1)

	if status.Mode == TransientAnalysis {
		m.AddElement(b, b, -l.req)
		m.AddRHS(b, l.veq)
	} else {
		// Short at DC apart from winding resistance.
		m.AddElement(b, b, -l.rSeries)
	}

	return nil
}

func (l *Inductor) SeedHistory(v, i float64) {
	if l.hasIC {
		i = l.ic
	}
	l.hist.Reset()
	l.hist.Push(HistoryPoint{V: v, I: i, Deriv: 0, T: 0})
}

func (l *Inductor) CommitHistory(x []float64, status *CircuitStatus) {
	i := x[l.branchIdx]
	s, r := status.Integ.Coeffs(status.TimeStep, l.Sample())
	deriv := s*i - r
	l.hist.Push(HistoryPoint{V: l.voltageAcross(x), I: i, Deriv: deriv, T: status.Time})
}

func (l *Inductor) LTE(x []float64, status *CircuitStatus) float64 {
	if l.hist.Depth() < 1 {
		return 0
	}
	i := x[l.branchIdx]
	s, r := status.Integ.Coeffs(status.TimeStep, l.Sample())
	deriv := s*i - r
	return status.Integ.LTEWeight(status.TimeStep) * math.Abs(deriv-l.hist.At(0).Deriv)
}

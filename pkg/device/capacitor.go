package device

import (
	"math"

	"github.com/edp1096/power-spice/pkg/integrator"
	"github.com/edp1096/power-spice/pkg/matrix"
)

type Capacitor struct {
	BaseDevice
	ic    float64
	hasIC bool

	geq, ieq float64 // Norton companion for the candidate step
	hist     *History
}

func NewCapacitor(name string, nodeNames []string, value float64) (*Capacitor, error) {
	if len(nodeNames) != 2 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 2 nodes"}
	}
	if !(value > 0) {
		return nil, &ParamError{Device: name, Field: "value", Reason: "capacitance must be strictly positive"}
	}
	return &Capacitor{
		BaseDevice: NewBaseDevice(name, value, nodeNames),
		hist:       NewHistory(3),
	}, nil
}

func (c *Capacitor) GetType() string { return "C" }

// SetIC records a user initial condition; it takes precedence over the
// DC operating point when seeding history.
func (c *Capacitor) SetIC(v float64) {
	c.ic = v
	c.hasIC = true
}

func (c *Capacitor) HasIC() bool       { return c.hasIC }
func (c *Capacitor) IC() float64       { return c.ic }
func (c *Capacitor) HistoryDepth() int { return c.hist.Depth() }

func (c *Capacitor) sample() integrator.Sample {
	return integrator.Sample{
		Y0:    c.hist.At(0).V,
		Yd0:   c.hist.At(0).Deriv,
		Y1:    c.hist.At(1).V,
		Depth: c.hist.Depth(),
	}
}

func (c *Capacitor) UpdateCompanion(status *CircuitStatus) {
	s, r := status.Integ.Coeffs(status.TimeStep, c.sample())
	c.geq = c.Value * s
	c.ieq = c.Value * r
}

func (c *Capacitor) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	// Open at DC; the initial condition is enforced when history is
	// seeded, and Gmin keeps the node pair from floating.
	if status.Mode != TransientAnalysis {
		return nil
	}

	n1, n2 := c.Nodes[0], c.Nodes[1]
	m.AddElement(n1, n1, c.geq)
	m.AddElement(n2, n2, c.geq)
	m.AddElement(n1, n2, -c.geq)
	m.AddElement(n2, n1, -c.geq)
	m.AddRHS(n1, c.ieq)
	m.AddRHS(n2, -c.ieq)

	return nil
}

func (c *Capacitor) SeedHistory(v, i float64) {
	if c.hasIC {
		v = c.ic
	}
	c.hist.Reset()
	c.hist.Push(HistoryPoint{V: v, I: i, Deriv: 0, T: 0})
}

func (c *Capacitor) CommitHistory(x []float64, status *CircuitStatus) {
	vd := c.voltageAcross(x)
	s, r := status.Integ.Coeffs(status.TimeStep, c.sample())
	deriv := s*vd - r
	c.hist.Push(HistoryPoint{V: vd, I: c.Value * deriv, Deriv: deriv, T: status.Time})
}

// LTE estimates the step-local error from the jump in dv/dt across the
// candidate step.
func (c *Capacitor) LTE(x []float64, status *CircuitStatus) float64 {
	if c.hist.Depth() < 1 {
		return 0
	}
	vd := c.voltageAcross(x)
	s, r := status.Integ.Coeffs(status.TimeStep, c.sample())
	deriv := s*vd - r
	return status.Integ.LTEWeight(status.TimeStep) * math.Abs(deriv-c.hist.At(0).Deriv)
}

package device

import (
	"github.com/edp1096/power-spice/internal/consts"
	"github.com/edp1096/power-spice/pkg/matrix"
)

type Resistor struct {
	BaseDevice
	conductance float64
}

// NewResistor builds a resistor with the temperature polynomial applied
// once. R must be strictly positive and finite.
func NewResistor(name string, nodeNames []string, value, tc1, tc2, temp float64) (*Resistor, error) {
	if len(nodeNames) != 2 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 2 nodes"}
	}
	adjusted := value * tempFactor(tc1, tc2, temp, consts.TNOM)
	if !(adjusted > 0) || adjusted > 1e15 {
		return nil, &ParamError{Device: name, Field: "value", Reason: "resistance must be strictly positive and finite"}
	}
	return &Resistor{
		BaseDevice:  NewBaseDevice(name, adjusted, nodeNames),
		conductance: 1.0 / adjusted,
	}, nil
}

func (r *Resistor) GetType() string { return "R" }

func (r *Resistor) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	n1, n2 := r.Nodes[0], r.Nodes[1]
	g := r.conductance

	m.AddElement(n1, n1, g)
	m.AddElement(n2, n2, g)
	m.AddElement(n1, n2, -g)
	m.AddElement(n2, n1, -g)

	return nil
}

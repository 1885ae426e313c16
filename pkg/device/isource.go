package device

import (
	"github.com/edp1096/power-spice/pkg/matrix"
)

// CurrentSource injects dcScale * waveform(t) without a new unknown.
// SPICE convention: positive current flows from node[0] to node[1]
// inside the source, so it is injected at node[1] and drawn at node[0].
type CurrentSource struct {
	BaseDevice
	wave    Waveform
	dcScale float64
}

func NewCurrentSource(name string, nodeNames []string, wave Waveform) (*CurrentSource, error) {
	if len(nodeNames) != 2 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 2 nodes"}
	}
	return &CurrentSource{
		BaseDevice: NewBaseDevice(name, wave.Value(0), nodeNames),
		wave:       wave,
		dcScale:    1.0,
	}, nil
}

func NewDCCurrentSource(name string, nodeNames []string, value float64) (*CurrentSource, error) {
	return NewCurrentSource(name, nodeNames, Waveform{Kind: WaveDC, Offset: value})
}

func (i *CurrentSource) GetType() string { return "I" }

func (i *CurrentSource) SetDCScale(scale float64) { i.dcScale = scale }

func (i *CurrentSource) Current(t float64) float64 {
	return i.dcScale * i.wave.Value(t)
}

func (i *CurrentSource) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	n1, n2 := i.Nodes[0], i.Nodes[1]
	current := i.Current(status.Time)

	m.AddRHS(n1, -current)
	m.AddRHS(n2, current)

	return nil
}

package device

import (
	"github.com/edp1096/power-spice/pkg/matrix"
)

// VoltageSource adds one branch-current unknown. The KVL row enforces
// v(n1) - v(n2) = dcScale * waveform(t); the branch current is positive
// from node[0] through the source to node[1].
type VoltageSource struct {
	BaseDevice
	wave      Waveform
	dcScale   float64
	branchIdx int
}

func NewVoltageSource(name string, nodeNames []string, wave Waveform) (*VoltageSource, error) {
	if len(nodeNames) != 2 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 2 nodes"}
	}
	return &VoltageSource{
		BaseDevice: NewBaseDevice(name, wave.Value(0), nodeNames),
		wave:       wave,
		dcScale:    1.0,
	}, nil
}

func NewDCVoltageSource(name string, nodeNames []string, value float64) (*VoltageSource, error) {
	return NewVoltageSource(name, nodeNames, Waveform{Kind: WaveDC, Offset: value})
}

func (v *VoltageSource) GetType() string        { return "V" }
func (v *VoltageSource) NeedsCurrentVar() bool  { return true }
func (v *VoltageSource) BranchIndex() int       { return v.branchIdx }
func (v *VoltageSource) SetBranchIndex(idx int) { v.branchIdx = idx }

func (v *VoltageSource) SetDCScale(scale float64) { v.dcScale = scale }

// SetDC replaces the waveform with a plain DC level; used by the DC
// sweep analysis.
func (v *VoltageSource) SetDC(value float64) {
	v.wave = Waveform{Kind: WaveDC, Offset: value}
	v.Value = value
}

func (v *VoltageSource) Voltage(t float64) float64 {
	return v.dcScale * v.wave.Value(t)
}

func (v *VoltageSource) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	n1, n2 := v.Nodes[0], v.Nodes[1]
	b := v.branchIdx

	m.AddElement(n1, b, 1)
	m.AddElement(n2, b, -1)
	m.AddElement(b, n1, 1)
	m.AddElement(b, n2, -1)

	m.AddRHS(b, v.Voltage(status.Time))
	return nil
}

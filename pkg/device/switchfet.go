package device

import (
	"math"

	"github.com/edp1096/power-spice/pkg/matrix"
)

// SwitchMosfet is the switch-mode rendering for converter work: a
// gate-state-controlled channel resistance in parallel with a body
// diode. Nodes are drain, gate, source. All state latches from the last
// accepted step, so every stamp is linear.
type SwitchMosfet struct {
	BaseDevice
	PMOS bool

	Ron     float64
	Roff    float64
	Vth     float64
	RonBody float64
	VfBody  float64

	gateOn bool
	bodyOn bool
}

func NewSwitchMosfet(name string, nodeNames []string, pmos bool) (*SwitchMosfet, error) {
	if len(nodeNames) != 3 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 3 nodes (drain, gate, source)"}
	}
	return &SwitchMosfet{
		BaseDevice: NewBaseDevice(name, 0, nodeNames),
		PMOS:       pmos,
		Ron:        0.05,
		Roff:       1e6,
		Vth:        2.0,
		RonBody:    0.02,
		VfBody:     0.7,
	}, nil
}

func (s *SwitchMosfet) GetType() string { return "MS" }

func (s *SwitchMosfet) gateDrive(x []float64) float64 {
	vg, vs := 0.0, 0.0
	if n := s.Nodes[1]; n != 0 {
		vg = x[n]
	}
	if n := s.Nodes[2]; n != 0 {
		vs = x[n]
	}
	if s.PMOS {
		return vs - vg
	}
	return vg - vs
}

func (s *SwitchMosfet) vds(x []float64) float64 {
	vd, vs := 0.0, 0.0
	if n := s.Nodes[0]; n != 0 {
		vd = x[n]
	}
	if n := s.Nodes[2]; n != 0 {
		vs = x[n]
	}
	return vd - vs
}

func (s *SwitchMosfet) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	nd, ns := s.Nodes[0], s.Nodes[2]

	g := 1.0 / s.Roff
	if s.gateOn {
		g = 1.0 / s.Ron
	}
	m.AddElement(nd, nd, g)
	m.AddElement(ns, ns, g)
	m.AddElement(nd, ns, -g)
	m.AddElement(ns, nd, -g)

	if s.bodyOn {
		// Body diode: source-to-drain conduction for NMOS. Modeled as
		// 1/RonBody in parallel with a knee-offset current source.
		gb := 1.0 / s.RonBody
		m.AddElement(nd, nd, gb)
		m.AddElement(ns, ns, gb)
		m.AddElement(nd, ns, -gb)
		m.AddElement(ns, nd, -gb)

		// Knee offset: the diode carries zero current at the forward
		// drop, not at vds = 0.
		ieq := -gb * s.VfBody
		if s.PMOS {
			ieq = -ieq
		}
		m.AddRHS(nd, ieq)
		m.AddRHS(ns, -ieq)
	}

	return nil
}

func (s *SwitchMosfet) bodyConducts(vds float64) bool {
	if s.PMOS {
		return vds > s.VfBody
	}
	return vds < -s.VfBody
}

func (s *SwitchMosfet) EventImminent(x []float64, status *CircuitStatus) bool {
	vds := s.vds(x)
	knee := -s.VfBody
	if s.PMOS {
		knee = s.VfBody
	}
	if math.Abs(vds-knee) < 0.1 {
		return true
	}
	return math.Abs(s.gateDrive(x)-s.Vth) < 0.1
}

func (s *SwitchMosfet) UpdateLatch(x []float64, status *CircuitStatus) bool {
	gateOn := s.gateDrive(x) > s.Vth
	bodyOn := s.bodyConducts(s.vds(x))
	changed := gateOn != s.gateOn || bodyOn != s.bodyOn
	s.gateOn = gateOn
	s.bodyOn = bodyOn
	return changed
}

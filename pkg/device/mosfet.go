package device

import (
	"math"

	"github.com/edp1096/power-spice/pkg/matrix"
)

const (
	RegionOff = iota
	RegionLinear
	RegionSaturation
)

// Mosfet is the square-law voltage-controlled device: nodes are
// drain, gate, source. Drain current and the small-signal parameters
// gm = dId/dVgs, gds = dId/dVds are analytic per region. PMOS flips the
// sign of Id.
type Mosfet struct {
	BaseDevice
	PMOS bool

	Vth    float64 // Threshold voltage
	KP     float64 // Transconductance parameter (A/V^2)
	W, L   float64 // Channel geometry
	Lambda float64 // Channel-length modulation (1/V)
	Ron    float64 // Latched-linear on resistance
	Roff   float64 // Latched-linear off resistance

	region int // latched from the last accepted step
}

func NewMosfet(name string, nodeNames []string, pmos bool) (*Mosfet, error) {
	if len(nodeNames) != 3 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 3 nodes (drain, gate, source)"}
	}
	return &Mosfet{
		BaseDevice: NewBaseDevice(name, 0, nodeNames),
		PMOS:       pmos,
		Vth:        0.7,
		KP:         2e-5,
		W:          10e-6,
		L:          10e-6,
		Lambda:     0.01,
		Ron:        0.1,
		Roff:       1e6,
	}, nil
}

func (m *Mosfet) GetType() string { return "M" }

func (m *Mosfet) beta() float64 { return m.KP * m.W / m.L }

// drainCurrent evaluates Id, gm, gds and the operating region. Inputs
// are the NMOS-referenced voltages; the caller handles the PMOS flip.
func (m *Mosfet) drainCurrent(vgs, vds float64) (id, gm, gds float64, region int) {
	vgst := vgs - m.Vth
	if vgst <= 0 {
		return 0, 0, 0, RegionOff
	}

	beta := m.beta()
	if vds < vgst {
		// Linear / triode region
		clm := 1.0 + m.Lambda*vds
		id = beta * (vgst*vds - 0.5*vds*vds) * clm
		gm = beta * vds * clm
		gds = beta*(vgst-vds)*clm + beta*(vgst*vds-0.5*vds*vds)*m.Lambda
		return id, gm, gds, RegionLinear
	}

	clm := 1.0 + m.Lambda*vds
	id = 0.5 * beta * vgst * vgst * clm
	gm = beta * vgst * clm
	gds = 0.5 * beta * vgst * vgst * m.Lambda
	return id, gm, gds, RegionSaturation
}

func (m *Mosfet) terminalVoltages(x []float64) (vgs, vds float64) {
	vd, vg, vs := 0.0, 0.0, 0.0
	if n := m.Nodes[0]; n != 0 {
		vd = x[n]
	}
	if n := m.Nodes[1]; n != 0 {
		vg = x[n]
	}
	if n := m.Nodes[2]; n != 0 {
		vs = x[n]
	}
	vgs = vg - vs
	vds = vd - vs
	if m.PMOS {
		vgs = -vgs
		vds = -vds
	}
	return vgs, vds
}

func (m *Mosfet) StampResidual(r []float64, x []float64, status *CircuitStatus) error {
	vgs, vds := m.terminalVoltages(x)
	id, _, _, _ := m.drainCurrent(vgs, vds)
	if m.PMOS {
		id = -id
	}

	if n := m.Nodes[0]; n != 0 {
		r[n] += id
	}
	if n := m.Nodes[2]; n != 0 {
		r[n] -= id
	}
	return nil
}

func (m *Mosfet) StampJacobian(j matrix.DeviceMatrix, x []float64, status *CircuitStatus) error {
	vgs, vds := m.terminalVoltages(x)
	_, gm, gds, _ := m.drainCurrent(vgs, vds)

	// Id = f(vg - vs, vd - vs): the partials with respect to terminal
	// voltages are gm, gds and -(gm + gds). The sign structure is the
	// same for PMOS since both the current and its arguments flip.
	nd, ng, ns := m.Nodes[0], m.Nodes[1], m.Nodes[2]
	j.AddElement(nd, nd, gds)
	j.AddElement(nd, ng, gm)
	j.AddElement(nd, ns, -(gm + gds))
	j.AddElement(ns, nd, -gds)
	j.AddElement(ns, ng, -gm)
	j.AddElement(ns, ns, gm+gds)
	return nil
}

// Stamp is the latched-region linear rendering: channel conductance
// 1/Ron when the last accepted region conducts, 1/Roff otherwise.
func (m *Mosfet) Stamp(mt matrix.DeviceMatrix, status *CircuitStatus) error {
	g := 1.0 / m.Roff
	if m.region != RegionOff {
		g = 1.0 / m.Ron
	}

	nd, ns := m.Nodes[0], m.Nodes[2]
	mt.AddElement(nd, nd, g)
	mt.AddElement(ns, ns, g)
	mt.AddElement(nd, ns, -g)
	mt.AddElement(ns, nd, -g)
	return nil
}

func (m *Mosfet) EventImminent(x []float64, status *CircuitStatus) bool {
	vgs, _ := m.terminalVoltages(x)
	return math.Abs(vgs-m.Vth) < 0.1
}

func (m *Mosfet) UpdateLatch(x []float64, status *CircuitStatus) bool {
	vgs, vds := m.terminalVoltages(x)
	_, _, _, region := m.drainCurrent(vgs, vds)
	changed := region != m.region
	m.region = region
	return changed
}

package device

import (
	"math"

	"github.com/edp1096/power-spice/internal/consts"
	"github.com/edp1096/power-spice/pkg/matrix"
)

// Bjt is an Ebers-Moll bipolar transistor: nodes are collector, base,
// emitter. Like the other nonlinear devices it contributes residual and
// Jacobian terms; Stamp linearizes around the latched bias point.
type Bjt struct {
	BaseDevice
	PNP bool

	Is float64 // Transport saturation current
	Bf float64 // Forward beta
	Br float64 // Reverse beta
	N  float64 // Emission coefficient

	vbe, vbc float64 // latched bias
}

func NewBjt(name string, nodeNames []string, pnp bool) (*Bjt, error) {
	if len(nodeNames) != 3 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 3 nodes (collector, base, emitter)"}
	}
	return &Bjt{
		BaseDevice: NewBaseDevice(name, 0, nodeNames),
		PNP:        pnp,
		Is:         1e-16,
		Bf:         100.0,
		Br:         1.0,
		N:          1.0,
	}, nil
}

func (q *Bjt) GetType() string { return "Q" }

// expClamped keeps the junction exponential finite for large forward
// bias the same way the diode clamps.
func expClamped(arg float64) float64 {
	if arg > 40 {
		return math.Exp(40) * (1.0 + (arg - 40))
	}
	return math.Exp(arg)
}

func (q *Bjt) junctionVoltages(x []float64) (vbe, vbc float64) {
	vc, vb, ve := 0.0, 0.0, 0.0
	if n := q.Nodes[0]; n != 0 {
		vc = x[n]
	}
	if n := q.Nodes[1]; n != 0 {
		vb = x[n]
	}
	if n := q.Nodes[2]; n != 0 {
		ve = x[n]
	}
	vbe = vb - ve
	vbc = vb - vc
	if q.PNP {
		vbe = -vbe
		vbc = -vbc
	}
	return vbe, vbc
}

// currents evaluates the NPN-referenced terminal currents and junction
// conductances.
func (q *Bjt) currents(vbe, vbc, temp float64) (ic, ib float64, gbe, gbc float64) {
	vt := q.N * consts.ThermalVoltage(temp)

	ef := expClamped(vbe / vt)
	er := expClamped(vbc / vt)
	iF := q.Is * (ef - 1.0)
	iR := q.Is * (er - 1.0)
	gbe = q.Is / vt * ef
	gbc = q.Is / vt * er

	ic = iF - iR*(1.0+1.0/q.Br)
	ib = iF/q.Bf + iR/q.Br
	return ic, ib, gbe, gbc
}

func (q *Bjt) StampResidual(r []float64, x []float64, status *CircuitStatus) error {
	vbe, vbc := q.junctionVoltages(x)
	ic, ib, _, _ := q.currents(vbe, vbc, status.Temp)
	if q.PNP {
		ic = -ic
		ib = -ib
	}

	if n := q.Nodes[0]; n != 0 {
		r[n] += ic
	}
	if n := q.Nodes[1]; n != 0 {
		r[n] += ib
	}
	if n := q.Nodes[2]; n != 0 {
		r[n] -= ic + ib
	}
	return nil
}

func (q *Bjt) StampJacobian(j matrix.DeviceMatrix, x []float64, status *CircuitStatus) error {
	vbe, vbc := q.junctionVoltages(x)
	_, _, gbe, gbc := q.currents(vbe, vbc, status.Temp)

	// ic = f(vbe, vbc), ib = g(vbe, vbc) with vbe = vb - ve and
	// vbc = vb - vc; the sign structure survives the PNP flip.
	dIcdVbe := gbe
	dIcdVbc := -gbc * (1.0 + 1.0/q.Br)
	dIbdVbe := gbe / q.Bf
	dIbdVbc := gbc / q.Br

	nc, nb, ne := q.Nodes[0], q.Nodes[1], q.Nodes[2]

	// Collector row
	j.AddElement(nc, nb, dIcdVbe+dIcdVbc)
	j.AddElement(nc, nc, -dIcdVbc)
	j.AddElement(nc, ne, -dIcdVbe)
	// Base row
	j.AddElement(nb, nb, dIbdVbe+dIbdVbc)
	j.AddElement(nb, nc, -dIbdVbc)
	j.AddElement(nb, ne, -dIbdVbe)
	// Emitter row: -(collector + base)
	j.AddElement(ne, nb, -(dIcdVbe + dIcdVbc + dIbdVbe + dIbdVbc))
	j.AddElement(ne, nc, dIcdVbc+dIbdVbc)
	j.AddElement(ne, ne, dIcdVbe+dIbdVbe)
	return nil
}

// Stamp linearizes the terminal currents around the latched bias for
// linear-only steps.
func (q *Bjt) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	ic, ib, gbe, gbc := q.currents(q.vbe, q.vbc, status.Temp)

	dIcdVbe := gbe
	dIcdVbc := -gbc * (1.0 + 1.0/q.Br)
	dIbdVbe := gbe / q.Bf
	dIbdVbc := gbc / q.Br

	nc, nb, ne := q.Nodes[0], q.Nodes[1], q.Nodes[2]
	m.AddElement(nc, nb, dIcdVbe+dIcdVbc)
	m.AddElement(nc, nc, -dIcdVbc)
	m.AddElement(nc, ne, -dIcdVbe)
	m.AddElement(nb, nb, dIbdVbe+dIbdVbc)
	m.AddElement(nb, nc, -dIbdVbc)
	m.AddElement(nb, ne, -dIbdVbe)
	m.AddElement(ne, nb, -(dIcdVbe + dIcdVbc + dIbdVbe + dIbdVbc))
	m.AddElement(ne, nc, dIcdVbc+dIbdVbc)
	m.AddElement(ne, ne, dIcdVbe+dIbdVbe)

	// Norton constants from the latched point.
	sign := 1.0
	if q.PNP {
		sign = -1.0
	}
	iceq := sign*ic - dIcdVbe*q.signed(q.vbe) - dIcdVbc*q.signed(q.vbc)
	ibeq := sign*ib - dIbdVbe*q.signed(q.vbe) - dIbdVbc*q.signed(q.vbc)
	m.AddRHS(nc, -iceq)
	m.AddRHS(nb, -ibeq)
	m.AddRHS(ne, iceq+ibeq)

	return nil
}

func (q *Bjt) signed(v float64) float64 {
	if q.PNP {
		return -v
	}
	return v
}

func (q *Bjt) UpdateLatch(x []float64, status *CircuitStatus) bool {
	vbe, vbc := q.junctionVoltages(x)
	changed := math.Abs(vbe-q.vbe) > 0.05 || math.Abs(vbc-q.vbc) > 0.05
	q.vbe = vbe
	q.vbc = vbc
	return changed
}

func (q *Bjt) EventImminent(x []float64, status *CircuitStatus) bool {
	return false
}

package device

import (
	"math"

	"github.com/edp1096/power-spice/internal/consts"
	"github.com/edp1096/power-spice/pkg/matrix"
)

// Diode is the Shockley model. It participates in Newton solves through
// StampResidual/StampJacobian; Stamp provides the linearization around
// the latched operating point for purely linear steps.
type Diode struct {
	BaseDevice
	Is   float64 // Saturation current
	N    float64 // Emission coefficient
	Bv   float64 // Breakdown voltage
	Gmin float64 // Reverse-region conductance floor

	// VdMax is the clamp above which the exponential is linearly
	// extrapolated to keep exp() finite.
	VdMax float64

	vd, id, gd float64 // latched operating point
}

func NewDiode(name string, nodeNames []string) (*Diode, error) {
	if len(nodeNames) != 2 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 2 nodes"}
	}
	return &Diode{
		BaseDevice: NewBaseDevice(name, 0, nodeNames),
		Is:         1e-14,
		N:          1.0,
		Bv:         100.0,
		Gmin:       1e-12,
		VdMax:      0.8,
	}, nil
}

func (d *Diode) GetType() string { return "D" }

// currentAndConductance evaluates the clamped Shockley equation and its
// derivative at vd.
func (d *Diode) currentAndConductance(vd, temp float64) (id, gd float64) {
	vt := d.N * consts.ThermalVoltage(temp)

	switch {
	case vd > d.VdMax:
		// Linear extrapolation beyond the clamp voltage.
		e := math.Exp(d.VdMax / vt)
		iMax := d.Is * (e - 1.0)
		gd = d.Is / vt * e
		id = iMax + gd*(vd-d.VdMax)

	case vd < -d.Bv:
		// Reverse breakdown.
		id = -d.Is * (1.0 + (vd+d.Bv)/vt)
		gd = d.Is / vt

	default:
		e := math.Exp(vd / vt)
		id = d.Is * (e - 1.0)
		gd = d.Is / vt * e
	}

	gd += d.Gmin
	return id, gd
}

func (d *Diode) StampResidual(r []float64, x []float64, status *CircuitStatus) error {
	vd := d.voltageAcross(x)
	id, _ := d.currentAndConductance(vd, status.Temp)

	if n := d.Nodes[0]; n != 0 {
		r[n] += id
	}
	if n := d.Nodes[1]; n != 0 {
		r[n] -= id
	}
	return nil
}

func (d *Diode) StampJacobian(j matrix.DeviceMatrix, x []float64, status *CircuitStatus) error {
	vd := d.voltageAcross(x)
	_, gd := d.currentAndConductance(vd, status.Temp)

	n1, n2 := d.Nodes[0], d.Nodes[1]
	j.AddElement(n1, n1, gd)
	j.AddElement(n2, n2, gd)
	j.AddElement(n1, n2, -gd)
	j.AddElement(n2, n1, -gd)
	return nil
}

// Stamp is the Norton linearization around the latched operating point,
// used when the driver takes the linear path.
func (d *Diode) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	id, gd := d.currentAndConductance(d.vd, status.Temp)

	n1, n2 := d.Nodes[0], d.Nodes[1]
	ieq := id - gd*d.vd
	m.AddElement(n1, n1, gd)
	m.AddElement(n2, n2, gd)
	m.AddElement(n1, n2, -gd)
	m.AddElement(n2, n1, -gd)
	m.AddRHS(n1, -ieq)
	m.AddRHS(n2, ieq)

	return nil
}

// turnOnVoltage is the forward knee used for event detection.
func (d *Diode) turnOnVoltage(temp float64) float64 {
	vt := d.N * consts.ThermalVoltage(temp)
	// Voltage at which the diode carries ~1 mA.
	return vt * math.Log(1e-3/d.Is)
}

func (d *Diode) EventImminent(x []float64, status *CircuitStatus) bool {
	vd := d.voltageAcross(x)
	return math.Abs(vd-d.turnOnVoltage(status.Temp)) < 0.1
}

// UpdateLatch refreshes the operating point from an accepted solution and
// reports whether the conduction state flipped.
func (d *Diode) UpdateLatch(x []float64, status *CircuitStatus) bool {
	von := d.turnOnVoltage(status.Temp)
	wasOn := d.vd > von
	d.vd = d.voltageAcross(x)
	d.id, d.gd = d.currentAndConductance(d.vd, status.Temp)
	return (d.vd > von) != wasOn
}

// SimpleDiode is the piecewise-linear variant: 1/Rs conductance when
// forward biased beyond Vf, 1/Roff when reverse. State latches from the
// last accepted step, so each step stamps linearly.
type SimpleDiode struct {
	BaseDevice
	Rs   float64
	Roff float64
	Vf   float64

	on bool
}

func NewSimpleDiode(name string, nodeNames []string, rs, roff, vf float64) (*SimpleDiode, error) {
	if len(nodeNames) != 2 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 2 nodes"}
	}
	if !(rs > 0) || !(roff > 0) {
		return nil, &ParamError{Device: name, Field: "resistance", Reason: "on/off resistances must be strictly positive"}
	}
	return &SimpleDiode{
		BaseDevice: NewBaseDevice(name, 0, nodeNames),
		Rs:         rs,
		Roff:       roff,
		Vf:         vf,
	}, nil
}

func (d *SimpleDiode) GetType() string { return "DS" }

func (d *SimpleDiode) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	n1, n2 := d.Nodes[0], d.Nodes[1]

	g := 1.0 / d.Roff
	if d.on {
		g = 1.0 / d.Rs
	}
	m.AddElement(n1, n1, g)
	m.AddElement(n2, n2, g)
	m.AddElement(n1, n2, -g)
	m.AddElement(n2, n1, -g)

	if d.on {
		// Knee offset as a Norton current between the nodes.
		ieq := g * d.Vf
		m.AddRHS(n1, ieq)
		m.AddRHS(n2, -ieq)
	}

	return nil
}

func (d *SimpleDiode) EventImminent(x []float64, status *CircuitStatus) bool {
	return math.Abs(d.voltageAcross(x)-d.Vf) < 0.1
}

func (d *SimpleDiode) UpdateLatch(x []float64, status *CircuitStatus) bool {
	on := d.voltageAcross(x) > d.Vf
	changed := on != d.on
	d.on = on
	return changed
}

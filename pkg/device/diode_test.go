package device

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edp1096/power-spice/internal/consts"
	"github.com/edp1096/power-spice/pkg/integrator"
	"github.com/edp1096/power-spice/pkg/matrix"
)

func TestDiodeShockleyForward(t *testing.T) {
	d, err := NewDiode("D1", []string{"a", "b"})
	require.NoError(t, err)

	vt := consts.ThermalVoltage(300.15)
	id, gd := d.currentAndConductance(0.6, 300.15)
	require.InDelta(t, d.Is*(math.Exp(0.6/vt)-1), id, 1e-9*id)
	require.InDelta(t, d.Is/vt*math.Exp(0.6/vt), gd, 1e-6*gd)
}

func TestDiodeClampNoOverflow(t *testing.T) {
	d, err := NewDiode("D1", []string{"a", "b"})
	require.NoError(t, err)

	// Far beyond VdMax the exponential is extrapolated linearly and
	// stays finite.
	id, gd := d.currentAndConductance(50.0, 300.15)
	require.False(t, math.IsInf(id, 0))
	require.False(t, math.IsNaN(id))
	require.False(t, math.IsInf(gd, 0))

	// Continuity at the clamp point.
	idBelow, _ := d.currentAndConductance(d.VdMax-1e-9, 300.15)
	idAbove, _ := d.currentAndConductance(d.VdMax+1e-9, 300.15)
	require.InDelta(t, idBelow, idAbove, 1e-6*math.Abs(idBelow))

	// Slope above the clamp is exactly the clamp-point conductance.
	id1, _ := d.currentAndConductance(1.0, 300.15)
	id2, _ := d.currentAndConductance(2.0, 300.15)
	_, gClamp := d.currentAndConductance(d.VdMax, 300.15)
	require.InDelta(t, gClamp-d.Gmin, id2-id1, 1e-6*(id2-id1))
}

func TestDiodeReverseFloor(t *testing.T) {
	d, err := NewDiode("D1", []string{"a", "b"})
	require.NoError(t, err)

	id, gd := d.currentAndConductance(-5.0, 300.15)
	require.InDelta(t, -d.Is, id, 1e-16)
	require.GreaterOrEqual(t, gd, d.Gmin)
}

func TestDiodeResidualAndJacobian(t *testing.T) {
	d, err := NewDiode("D1", []string{"a", "b"})
	require.NoError(t, err)
	d.SetNodes([]int{1, 2})

	st := tranStatus(1e-6, integrator.Trapezoidal)
	x := []float64{0, 0.65, 0.0}

	r := make([]float64, 3)
	require.NoError(t, d.StampResidual(r, x, st))
	id, gd := d.currentAndConductance(0.65, st.Temp)
	require.InDelta(t, id, r[1], 1e-12)
	require.InDelta(t, -id, r[2], 1e-12)

	j := matrix.NewDense(2)
	require.NoError(t, d.StampJacobian(j, x, st))
	require.InDelta(t, gd, j.At(1, 1), 1e-9*gd)
	require.InDelta(t, -gd, j.At(1, 2), 1e-9*gd)

	// Jacobian matches the finite-difference slope of the residual.
	dv := 1e-7
	idPlus, _ := d.currentAndConductance(0.65+dv, st.Temp)
	require.InDelta(t, gd, (idPlus-id)/dv, 1e-3*gd)
}

func TestDiodeEventWindow(t *testing.T) {
	d, err := NewDiode("D1", []string{"a", "0"})
	require.NoError(t, err)
	d.SetNodes([]int{1, 0})

	st := tranStatus(1e-6, integrator.Trapezoidal)
	von := d.turnOnVoltage(st.Temp)

	require.True(t, d.EventImminent([]float64{0, von + 0.05}, st))
	require.False(t, d.EventImminent([]float64{0, von - 0.5}, st))

	require.True(t, d.UpdateLatch([]float64{0, von + 0.2}, st))
	require.False(t, d.UpdateLatch([]float64{0, von + 0.3}, st))
	require.True(t, d.UpdateLatch([]float64{0, -1.0}, st))
}

func TestSimpleDiodeLatchedStamp(t *testing.T) {
	d, err := NewSimpleDiode("D1", []string{"a", "0"}, 1.0, 1e6, 0.7)
	require.NoError(t, err)
	d.SetNodes([]int{1, 0})

	st := tranStatus(1e-6, integrator.Trapezoidal)

	// Off: reverse conductance only.
	m := matrix.NewDense(1)
	require.NoError(t, d.Stamp(m, st))
	require.InDelta(t, 1e-6, m.At(1, 1), 1e-18)

	// Latch on, stamp again: 1/Rs plus the knee current.
	d.UpdateLatch([]float64{0, 1.0}, st)
	m.Clear()
	require.NoError(t, d.Stamp(m, st))
	require.InDelta(t, 1.0, m.At(1, 1), 1e-12)
	require.InDelta(t, 0.7, m.RHSAt(1), 1e-12)
}

func TestMosfetRegions(t *testing.T) {
	m, err := NewMosfet("M1", []string{"d", "g", "s"}, false)
	require.NoError(t, err)

	// Cutoff
	id, gm, gds, region := m.drainCurrent(0.3, 1.0)
	require.Equal(t, RegionOff, region)
	require.Zero(t, id)
	require.Zero(t, gm)
	require.Zero(t, gds)

	// Linear: vds < vgs - Vth
	id, gm, gds, region = m.drainCurrent(2.0, 0.5)
	require.Equal(t, RegionLinear, region)
	beta := m.beta()
	clm := 1 + m.Lambda*0.5
	require.InDelta(t, beta*(1.3*0.5-0.125)*clm, id, 1e-12)
	require.Greater(t, gm, 0.0)
	require.Greater(t, gds, 0.0)

	// Saturation: vds >= vgs - Vth
	id, gm, gds, region = m.drainCurrent(2.0, 5.0)
	require.Equal(t, RegionSaturation, region)
	clm = 1 + m.Lambda*5.0
	require.InDelta(t, 0.5*beta*1.3*1.3*clm, id, 1e-12)
	require.InDelta(t, beta*1.3*clm, gm, 1e-12)
	require.InDelta(t, 0.5*beta*1.3*1.3*m.Lambda, gds, 1e-12)
}

func TestMosfetDerivativesMatchFiniteDifference(t *testing.T) {
	m, err := NewMosfet("M1", []string{"d", "g", "s"}, false)
	require.NoError(t, err)

	for _, bias := range []struct{ vgs, vds float64 }{
		{2.0, 0.5}, {2.0, 5.0}, {1.5, 1.2},
	} {
		id, gm, gds, _ := m.drainCurrent(bias.vgs, bias.vds)
		dv := 1e-7
		idG, _, _, _ := m.drainCurrent(bias.vgs+dv, bias.vds)
		idD, _, _, _ := m.drainCurrent(bias.vgs, bias.vds+dv)
		require.InDelta(t, gm, (idG-id)/dv, 1e-4*math.Max(gm, 1e-12))
		require.InDelta(t, gds, (idD-id)/dv, 1e-4*math.Max(gds, 1e-12))
	}
}

func TestMosfetPMOSSignFlip(t *testing.T) {
	nm, err := NewMosfet("M1", []string{"d", "g", "s"}, false)
	require.NoError(t, err)
	pm, err := NewMosfet("M2", []string{"d", "g", "s"}, true)
	require.NoError(t, err)
	nm.SetNodes([]int{1, 2, 3})
	pm.SetNodes([]int{1, 2, 3})

	st := tranStatus(1e-6, integrator.Trapezoidal)

	// NMOS biased on.
	rn := make([]float64, 4)
	require.NoError(t, nm.StampResidual(rn, []float64{0, 5, 3, 0}, st))
	// PMOS with mirrored voltages conducts the opposite way.
	rp := make([]float64, 4)
	require.NoError(t, pm.StampResidual(rp, []float64{0, -5, -3, 0}, st))

	require.Greater(t, rn[1], 0.0)
	require.InDelta(t, -rn[1], rp[1], 1e-12*math.Abs(rn[1]))
}

func TestSwitchMosfetLatch(t *testing.T) {
	s, err := NewSwitchMosfet("S1", []string{"d", "g", "s"}, false)
	require.NoError(t, err)
	s.SetNodes([]int{1, 2, 3})

	st := tranStatus(1e-6, integrator.Trapezoidal)

	// Gate off, channel stamps Roff.
	m := matrix.NewDense(3)
	require.NoError(t, s.Stamp(m, st))
	require.InDelta(t, 1/s.Roff, m.At(1, 1), 1e-15)

	// Drive the gate above threshold and latch.
	require.True(t, s.UpdateLatch([]float64{0, 0, 5, 0}, st))
	m.Clear()
	require.NoError(t, s.Stamp(m, st))
	require.InDelta(t, 1/s.Ron, m.At(1, 1), 1e-9)

	// Body diode engages when the drain swings below -VfBody.
	require.True(t, s.UpdateLatch([]float64{0, -1.0, 0, 0}, st))
	m.Clear()
	require.NoError(t, s.Stamp(m, st))
	require.InDelta(t, 1/s.Roff+1/s.RonBody, m.At(1, 1), 1e-9)
	require.InDelta(t, -s.VfBody/s.RonBody, m.RHSAt(1), 1e-9)
}

func TestBjtEbersMoll(t *testing.T) {
	q, err := NewBjt("Q1", []string{"c", "b", "e"}, false)
	require.NoError(t, err)

	// Forward active: vbe = 0.65, vbc = -2.
	ic, ib, _, _ := q.currents(0.65, -2.0, 300.15)
	require.Greater(t, ic, 0.0)
	require.Greater(t, ib, 0.0)
	require.InDelta(t, q.Bf, ic/ib, 0.05*q.Bf)

	// Residual conserves charge: sum over terminals is zero.
	q.SetNodes([]int{1, 2, 3})
	st := tranStatus(1e-6, integrator.Trapezoidal)
	r := make([]float64, 4)
	require.NoError(t, q.StampResidual(r, []float64{0, 3.0, 0.65, 0.0}, st))
	require.InDelta(t, 0.0, r[1]+r[2]+r[3], 1e-15)
}

func TestBjtJacobianFiniteDifference(t *testing.T) {
	q, err := NewBjt("Q1", []string{"c", "b", "e"}, false)
	require.NoError(t, err)
	q.SetNodes([]int{1, 2, 3})
	st := tranStatus(1e-6, integrator.Trapezoidal)

	x := []float64{0, 3.0, 0.62, 0.0}
	j := matrix.NewDense(3)
	require.NoError(t, q.StampJacobian(j, x, st))

	dv := 1e-8
	base := make([]float64, 4)
	require.NoError(t, q.StampResidual(base, x, st))
	for col := 1; col <= 3; col++ {
		xp := append([]float64(nil), x...)
		xp[col] += dv
		pert := make([]float64, 4)
		require.NoError(t, q.StampResidual(pert, xp, st))
		for row := 1; row <= 3; row++ {
			fd := (pert[row] - base[row]) / dv
			require.InDelta(t, j.At(row, col), fd, 1e-3*math.Max(math.Abs(fd), 1e-9),
				"d r[%d] / d x[%d]", row, col)
		}
	}
}

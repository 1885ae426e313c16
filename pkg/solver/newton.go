package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/edp1096/power-spice/pkg/circuit"
	"github.com/edp1096/power-spice/pkg/device"
	"github.com/edp1096/power-spice/pkg/matrix"
)

// NewtonDivergenceError reports a failed nonlinear solve.
type NewtonDivergenceError struct {
	Iterations int
	Residual   float64
}

func (e *NewtonDivergenceError) Error() string {
	return fmt.Sprintf("newton diverged after %d iterations, residual %g", e.Iterations, e.Residual)
}

// Options are the Newton and globalization knobs.
type Options struct {
	MaxIter  int     // iteration cap
	TolAbs   float64 // absolute residual tolerance
	TolRel   float64 // relative residual tolerance, scaled by ||x||
	C1       float64 // Armijo sufficient-decrease constant
	AlphaMin float64 // line-search floor
}

func DefaultOptions() Options {
	return Options{
		MaxIter:  50,
		TolAbs:   1e-9,
		TolRel:   1e-6,
		C1:       1e-4,
		AlphaMin: 1e-4,
	}
}

// Newton solves the MNA system F(x) = A0*x - b0 + n(x) = 0 where
// (A0, b0) is the assembled linear base and n(x) the nonlinear residual
// contributions. All scratch is hoisted out of the iteration.
type Newton struct {
	ckt *circuit.Circuit
	opt Options

	base *matrix.Dense // linear portion, assembled once per solve
	jac  *matrix.Dense

	f, fTrial, dx, xTrial []float64
}

func New(ckt *circuit.Circuit, opt Options) *Newton {
	size := ckt.Size()
	return &Newton{
		ckt:    ckt,
		opt:    opt,
		base:   matrix.NewDense(size),
		jac:    matrix.NewDense(size),
		f:      make([]float64, size+1),
		fTrial: make([]float64, size+1),
		dx:     make([]float64, size+1),
		xTrial: make([]float64, size+1),
	}
}

func (nr *Newton) residual(dst, x []float64, status *device.CircuitStatus) error {
	nr.base.MulVec(x, dst)
	rhs := nr.base.RHS()
	for i := 1; i <= nr.base.Size; i++ {
		dst[i] -= rhs[i]
	}
	for _, dev := range nr.ckt.Nonlinear() {
		if err := dev.StampResidual(dst, x, status); err != nil {
			return err
		}
	}
	return nil
}

func (nr *Newton) jacobian(x []float64, status *device.CircuitStatus) error {
	nr.jac.CopyFrom(nr.base)
	for _, dev := range nr.ckt.Nonlinear() {
		if err := dev.StampJacobian(nr.jac, x, status); err != nil {
			return err
		}
	}
	return nil
}

func norm2(v []float64) float64 { return floats.Norm(v[1:], 2) }

// Solve runs damped Newton from the state in x, overwriting it with the
// solution on success. The base linear system is assembled once.
func (nr *Newton) Solve(x []float64, status *device.CircuitStatus) error {
	if err := nr.ckt.AssembleBase(nr.base, status); err != nil {
		return err
	}

	if err := nr.residual(nr.f, x, status); err != nil {
		return err
	}
	fNorm := norm2(nr.f)

	for iter := 0; iter < nr.opt.MaxIter; iter++ {
		if fNorm < nr.opt.TolAbs+nr.opt.TolRel*norm2(x) {
			return nil
		}

		if err := nr.jacobian(x, status); err != nil {
			return err
		}
		for i := 1; i <= nr.base.Size; i++ {
			nr.fTrial[i] = -nr.f[i]
		}
		if err := nr.jac.SolveVec(nr.fTrial, nr.dx); err != nil {
			return err
		}

		// Armijo line search: accept the largest step with sufficient
		// residual decrease.
		alpha := 1.0
		accepted := false
		for alpha >= nr.opt.AlphaMin {
			for i := 1; i <= nr.base.Size; i++ {
				nr.xTrial[i] = x[i] + alpha*nr.dx[i]
			}
			if err := nr.residual(nr.fTrial, nr.xTrial, status); err != nil {
				return err
			}
			trialNorm := norm2(nr.fTrial)
			if trialNorm <= (1.0-nr.opt.C1*alpha)*fNorm {
				copy(x, nr.xTrial)
				copy(nr.f, nr.fTrial)
				fNorm = trialNorm
				accepted = true
				break
			}
			alpha /= 2
		}
		if !accepted {
			return &NewtonDivergenceError{Iterations: iter + 1, Residual: fNorm}
		}
	}

	if fNorm < nr.opt.TolAbs+nr.opt.TolRel*norm2(x) {
		return nil
	}
	return &NewtonDivergenceError{Iterations: nr.opt.MaxIter, Residual: fNorm}
}

// sourceLevels is the source-stepping ladder.
var sourceLevels = []float64{0, 0.25, 0.5, 0.75, 1.0}

// SolveDC computes the operating point with the three-tier homotopy:
// plain Newton from zero, then source stepping, then Gmin stepping.
func (nr *Newton) SolveDC(x []float64, status *device.CircuitStatus) error {
	zero(x)
	err := nr.Solve(x, status)
	if err == nil {
		return nil
	}

	// Tier 2: ramp every independent source from the trivial solution.
	zero(x)
	tierErr := error(nil)
	for _, level := range sourceLevels {
		nr.ckt.SetDCScale(level)
		if tierErr = nr.Solve(x, status); tierErr != nil {
			break
		}
	}
	nr.ckt.SetDCScale(1.0)
	if tierErr == nil {
		return nil
	}

	// Tier 3: start with a large artificial Gmin and ramp it down.
	zero(x)
	savedGmin := status.Gmin
	tierErr = nil
	for gmin := 1e-2; gmin >= 1e-12; gmin /= 10 {
		status.Gmin = gmin
		if tierErr = nr.Solve(x, status); tierErr != nil {
			break
		}
	}
	status.Gmin = savedGmin
	if tierErr == nil {
		if finalErr := nr.Solve(x, status); finalErr == nil {
			return nil
		}
	}

	return fmt.Errorf("operating point failed after source and gmin stepping: %w", err)
}

// SolveWithRecovery is the transient fallback ladder: plain Newton, then
// a contracted restart, then a deterministic perturbation. The caller
// halves the time step if all of these fail.
func (nr *Newton) SolveWithRecovery(x []float64, status *device.CircuitStatus) error {
	saved := make([]float64, len(x))
	copy(saved, x)

	err := nr.Solve(x, status)
	if err == nil {
		return nil
	}

	// Contract toward the origin and retry.
	for i := range x {
		x[i] = saved[i] * 0.1
	}
	if retryErr := nr.Solve(x, status); retryErr == nil {
		return nil
	}

	// Nudge each unknown off its stalled value.
	for i := range x {
		x[i] = saved[i] + 1e-3*(1.0+math.Abs(saved[i]))
	}
	if retryErr := nr.Solve(x, status); retryErr == nil {
		return nil
	}

	copy(x, saved)
	return err
}

func zero(v []float64) {
	for i := range v {
		v[i] = 0
	}
}

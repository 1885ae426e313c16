package analysis

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/edp1096/power-spice/pkg/circuit"
	"github.com/edp1096/power-spice/pkg/device"
	"github.com/edp1096/power-spice/pkg/integrator"
	"github.com/edp1096/power-spice/pkg/matrix"
	"github.com/edp1096/power-spice/pkg/solver"
)

const maxSolveRetries = 3

// Transient is the outer time loop: DC first, then event- and
// error-driven adaptive stepping per the companion-model protocol.
type Transient struct {
	ckt *circuit.Circuit
	cfg Config

	tStart, tStop     float64
	hInit, hMin, hMax float64
	useUIC            bool

	sink  ResultSink
	integ *integrator.Integrator

	mat    *matrix.Dense
	newton *solver.Newton

	x, xPrev []float64
	nodes    []string
	branches []string
	voltages []Measurement
	currents []Measurement

	lastTime float64
	steps    int
}

// NewTransient runs from 0 to tStop; results before tStart are computed
// but not recorded. A non-positive hMax caps every step at hInit.
func NewTransient(ckt *circuit.Circuit, cfg Config, tStart, tStop, hInit, hMin, hMax float64, useUIC bool, sink ResultSink) (*Transient, error) {
	if !(hInit > 0) {
		return nil, fmt.Errorf("transient: initial step must be positive, got %g", hInit)
	}
	if tStop <= 0 || tStart < 0 || tStart >= tStop {
		return nil, fmt.Errorf("transient: invalid window [%g, %g]", tStart, tStop)
	}
	if hMin <= 0 {
		hMin = hInit / 1e6
	}
	if hMax <= 0 {
		hMax = hInit
	}
	if sink == nil {
		sink = NewMemorySink()
	}

	size := ckt.Size()
	tr := &Transient{
		ckt:      ckt,
		cfg:      cfg,
		tStart:   tStart,
		tStop:    tStop,
		hInit:    hInit,
		hMin:     hMin,
		hMax:     hMax,
		useUIC:   useUIC,
		sink:     sink,
		integ:    cfg.integrator(),
		mat:      matrix.NewDense(size),
		x:        make([]float64, size+1),
		xPrev:    make([]float64, size+1),
		nodes:    ckt.SortedNodeNames(),
		branches: ckt.SortedBranchNames(),
	}
	tr.voltages = make([]Measurement, len(tr.nodes))
	tr.currents = make([]Measurement, len(tr.branches))
	if ckt.HasNonlinear() {
		opt := cfg.Newton
		if opt.MaxIter <= 0 {
			opt = solver.DefaultOptions()
		}
		tr.newton = solver.New(ckt, opt)
	}
	return tr, nil
}

func (tr *Transient) Sink() ResultSink { return tr.sink }

// LastState returns the last accepted time and solution.
func (tr *Transient) LastState() (float64, []float64) { return tr.lastTime, tr.xPrev }

// Steps returns the accepted step count.
func (tr *Transient) Steps() int { return tr.steps }

func (tr *Transient) status(t, h float64) *device.CircuitStatus {
	return &device.CircuitStatus{
		Time:     t,
		TimeStep: h,
		Gmin:     tr.cfg.Gmin,
		Mode:     device.TransientAnalysis,
		Integ:    tr.integ,
		Temp:     tr.cfg.Temp,
	}
}

// Execute runs the simulation. On failure the sink retains everything
// accepted before the failure time.
func (tr *Transient) Execute() error {
	if err := tr.seed(); err != nil {
		return err
	}

	t := 0.0
	h := math.Min(tr.hInit, tr.hMax)
	solveFailures := 0
	singularStreak := 0

	for t < tr.tStop-1e-15*tr.tStop {
		if h > tr.hMax {
			h = tr.hMax
		}
		// Land on tStop instead of leaving a remainder below hMin.
		if t+h > tr.tStop || tr.tStop-(t+h) < tr.hMin {
			h = tr.tStop - t
		}
		if h < tr.hMin {
			return tr.fail(t, &StepFloorError{H: h})
		}

		// Clamp onto imminent switching events so the step lands near
		// the transition instead of straddling it.
		if h > tr.cfg.EventStep && tr.ckt.EventImminent(tr.xPrev, tr.status(t, h)) {
			h = tr.cfg.EventStep
		}

		// Implicit step: companions and sources evaluate at t+h.
		status := tr.status(t+h, h)
		tr.ckt.UpdateCompanions(status)

		if err := tr.solveStep(status); err != nil {
			var sing *matrix.SingularMatrixError
			if errors.As(err, &sing) {
				singularStreak++
				if singularStreak > maxSolveRetries {
					return tr.fail(t, err)
				}
			} else {
				singularStreak = 0
			}
			solveFailures++
			if solveFailures > maxSolveRetries {
				return tr.fail(t, err)
			}
			h /= 2
			continue
		}
		solveFailures = 0
		singularStreak = 0

		// Unphysical solutions reject the step exactly like an LTE
		// failure.
		if node, value, bad := tr.unphysical(); bad {
			h /= 2
			if h < tr.hMin {
				return tr.fail(t, &UnphysicalSolutionError{Node: node, Value: value})
			}
			continue
		}

		component, lte := tr.ckt.WorstLTE(tr.x, status)
		eps := tr.cfg.AbsTol + tr.cfg.RelTol*floats.Norm(tr.x[1:], math.Inf(1))
		if lte > eps {
			h *= 0.5
			if h < tr.hMin {
				return tr.fail(t, &LTEExceededError{Component: component, Estimate: lte})
			}
			continue
		}

		// Accept.
		tr.ckt.CommitStep(tr.x, status)
		transitioned := tr.ckt.UpdateLatches(tr.x, status)
		copy(tr.xPrev, tr.x)
		t += h
		tr.lastTime = t
		tr.steps++
		if t >= tr.tStart {
			tr.emit(t)
		}

		// PI controller for the next step.
		order := float64(tr.integ.Method.Order())
		fac := 0.9 * math.Pow(eps/math.Max(lte, 1e-30), 1.0/(order+1.0))
		fac = math.Min(math.Max(fac, 0.2), 2.0)
		h *= fac
		if transitioned && h > tr.cfg.EventStep {
			h = tr.cfg.EventStep
		}
	}

	if s, ok := tr.sink.(*CSVSink); ok {
		return s.Flush()
	}
	return nil
}

// seed computes the DC operating point (unless UIC) and pushes it into
// every reactive history ring.
func (tr *Transient) seed() error {
	if tr.useUIC {
		tr.ckt.SeedHistories(nil)
		return nil
	}

	op := NewOP(tr.ckt, tr.cfg)
	if err := op.Execute(); err != nil {
		return fmt.Errorf("transient setup: %w", err)
	}
	copy(tr.xPrev, op.Solution())
	tr.ckt.SeedHistories(tr.xPrev)
	tr.ckt.UpdateLatches(tr.xPrev, tr.status(0, tr.hInit))
	return nil
}

func (tr *Transient) solveStep(status *device.CircuitStatus) error {
	if tr.newton != nil {
		copy(tr.x, tr.xPrev)
		return tr.newton.SolveWithRecovery(tr.x, status)
	}

	if err := tr.ckt.Assemble(tr.mat, status); err != nil {
		return err
	}
	if err := tr.mat.Solve(); err != nil {
		return err
	}
	copy(tr.x, tr.mat.Solution())
	return nil
}

// unphysical flags NaN/Inf anywhere or a node voltage beyond the
// configured bound.
func (tr *Transient) unphysical() (string, float64, bool) {
	for i, name := range tr.nodes {
		v := tr.x[i+1]
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > tr.cfg.MaxVoltage {
			return name, v, true
		}
	}
	for i := len(tr.nodes) + 1; i < len(tr.x); i++ {
		if math.IsNaN(tr.x[i]) || math.IsInf(tr.x[i], 0) {
			return tr.branches[i-len(tr.nodes)-1], tr.x[i], true
		}
	}
	return "", 0, false
}

func (tr *Transient) emit(t float64) {
	for i, name := range tr.nodes {
		tr.voltages[i] = Measurement{Name: name, Value: tr.x[i+1]}
	}
	for i, name := range tr.branches {
		tr.currents[i] = Measurement{Name: name, Value: tr.x[len(tr.nodes)+1+i]}
	}
	tr.sink.OnStep(t, tr.voltages, tr.currents)
}

func (tr *Transient) fail(t float64, err error) error {
	return &TransientError{Time: t, Step: tr.steps, Err: err}
}

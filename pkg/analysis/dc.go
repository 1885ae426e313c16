package analysis

import (
	"fmt"

	"github.com/edp1096/power-spice/pkg/circuit"
	"github.com/edp1096/power-spice/pkg/device"
)

// DCSweep steps a source's DC value and solves the operating point at
// every level; useful for device transfer curves.
type DCSweep struct {
	ckt *circuit.Circuit
	cfg Config

	source            string
	start, stop, incr float64

	results map[string][]float64
}

func NewDCSweep(ckt *circuit.Circuit, cfg Config, source string, start, stop, incr float64) (*DCSweep, error) {
	if incr <= 0 {
		return nil, fmt.Errorf("dc sweep: increment must be positive, got %g", incr)
	}
	if stop < start {
		return nil, fmt.Errorf("dc sweep: stop %g precedes start %g", stop, start)
	}
	return &DCSweep{
		ckt:     ckt,
		cfg:     cfg,
		source:  source,
		start:   start,
		stop:    stop,
		incr:    incr,
		results: make(map[string][]float64),
	}, nil
}

func (dc *DCSweep) findSource() (*device.VoltageSource, error) {
	for _, dev := range dc.ckt.Devices() {
		if dev.GetName() != dc.source {
			continue
		}
		if v, ok := dev.(*device.VoltageSource); ok {
			return v, nil
		}
		return nil, fmt.Errorf("dc sweep: %s is not a voltage source", dc.source)
	}
	return nil, fmt.Errorf("dc sweep: source %s not found", dc.source)
}

func (dc *DCSweep) Execute() error {
	src, err := dc.findSource()
	if err != nil {
		return err
	}
	saved := src.Voltage(0)
	defer src.SetDC(saved)

	for level := dc.start; level <= dc.stop+dc.incr/2; level += dc.incr {
		src.SetDC(level)

		op := NewOP(dc.ckt, dc.cfg)
		if err := op.Execute(); err != nil {
			return fmt.Errorf("dc sweep at %s=%g: %w", dc.source, level, err)
		}

		dc.results["SWEEP1"] = append(dc.results["SWEEP1"], level)
		for key, value := range op.Results() {
			dc.results[key] = append(dc.results[key], value)
		}
	}
	return nil
}

func (dc *DCSweep) Results() map[string][]float64 { return dc.results }

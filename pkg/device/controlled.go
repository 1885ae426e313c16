package device

import (
	"github.com/edp1096/power-spice/pkg/matrix"
)

// Controlled sources. Node order is out+, out-, ctrl+, ctrl- for the
// voltage-controlled pair; the current-controlled pair references the
// branch current of another device, resolved to a branch index by the
// assembler.

// VCVS: v(out+) - v(out-) = gain * (v(ctrl+) - v(ctrl-)). Adds one
// branch-current unknown.
type VCVS struct {
	BaseDevice
	Gain      float64
	branchIdx int
}

func NewVCVS(name string, nodeNames []string, gain float64) (*VCVS, error) {
	if len(nodeNames) != 4 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 4 nodes"}
	}
	return &VCVS{BaseDevice: NewBaseDevice(name, gain, nodeNames), Gain: gain}, nil
}

func (e *VCVS) GetType() string        { return "E" }
func (e *VCVS) NeedsCurrentVar() bool  { return true }
func (e *VCVS) BranchIndex() int       { return e.branchIdx }
func (e *VCVS) SetBranchIndex(idx int) { e.branchIdx = idx }

func (e *VCVS) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	p, n, cp, cn := e.Nodes[0], e.Nodes[1], e.Nodes[2], e.Nodes[3]
	b := e.branchIdx

	m.AddElement(p, b, 1)
	m.AddElement(n, b, -1)
	m.AddElement(b, p, 1)
	m.AddElement(b, n, -1)
	m.AddElement(b, cp, -e.Gain)
	m.AddElement(b, cn, e.Gain)
	return nil
}

// VCCS: i(out+ -> out-) = gm * (v(ctrl+) - v(ctrl-)). No new unknown.
type VCCS struct {
	BaseDevice
	Gm float64
}

func NewVCCS(name string, nodeNames []string, gm float64) (*VCCS, error) {
	if len(nodeNames) != 4 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 4 nodes"}
	}
	return &VCCS{BaseDevice: NewBaseDevice(name, gm, nodeNames), Gm: gm}, nil
}

func (g *VCCS) GetType() string { return "G" }

func (g *VCCS) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	p, n, cp, cn := g.Nodes[0], g.Nodes[1], g.Nodes[2], g.Nodes[3]

	m.AddElement(p, cp, g.Gm)
	m.AddElement(p, cn, -g.Gm)
	m.AddElement(n, cp, -g.Gm)
	m.AddElement(n, cn, g.Gm)
	return nil
}

// BranchRef is implemented by current-controlled sources; the assembler
// resolves the controlling device name to its branch index after
// allocation.
type BranchRef interface {
	ControlName() string
	SetControlBranch(idx int)
}

// CCVS: v(out+) - v(out-) = r * i(ctrl). Adds its own branch unknown and
// references the controlling branch.
type CCVS struct {
	BaseDevice
	R        float64
	ctrlName string

	branchIdx int
	ctrlIdx   int
}

func NewCCVS(name string, nodeNames []string, ctrlName string, r float64) (*CCVS, error) {
	if len(nodeNames) != 2 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 2 nodes"}
	}
	if ctrlName == "" {
		return nil, &ParamError{Device: name, Field: "control", Reason: "missing controlling source name"}
	}
	return &CCVS{BaseDevice: NewBaseDevice(name, r, nodeNames), R: r, ctrlName: ctrlName}, nil
}

func (h *CCVS) GetType() string          { return "H" }
func (h *CCVS) NeedsCurrentVar() bool    { return true }
func (h *CCVS) BranchIndex() int         { return h.branchIdx }
func (h *CCVS) SetBranchIndex(idx int)   { h.branchIdx = idx }
func (h *CCVS) ControlName() string      { return h.ctrlName }
func (h *CCVS) SetControlBranch(idx int) { h.ctrlIdx = idx }

func (h *CCVS) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	p, n := h.Nodes[0], h.Nodes[1]
	b := h.branchIdx

	m.AddElement(p, b, 1)
	m.AddElement(n, b, -1)
	m.AddElement(b, p, 1)
	m.AddElement(b, n, -1)
	m.AddElement(b, h.ctrlIdx, -h.R)
	return nil
}

// CCCS: i(out+ -> out-) = gain * i(ctrl). No new unknown.
type CCCS struct {
	BaseDevice
	Gain     float64
	ctrlName string
	ctrlIdx  int
}

func NewCCCS(name string, nodeNames []string, ctrlName string, gain float64) (*CCCS, error) {
	if len(nodeNames) != 2 {
		return nil, &ParamError{Device: name, Field: "nodes", Reason: "requires exactly 2 nodes"}
	}
	if ctrlName == "" {
		return nil, &ParamError{Device: name, Field: "control", Reason: "missing controlling source name"}
	}
	return &CCCS{BaseDevice: NewBaseDevice(name, gain, nodeNames), Gain: gain, ctrlName: ctrlName}, nil
}

func (f *CCCS) GetType() string          { return "F" }
func (f *CCCS) ControlName() string      { return f.ctrlName }
func (f *CCCS) SetControlBranch(idx int) { f.ctrlIdx = idx }

func (f *CCCS) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	p, n := f.Nodes[0], f.Nodes[1]

	m.AddElement(p, f.ctrlIdx, f.Gain)
	m.AddElement(n, f.ctrlIdx, -f.Gain)
	return nil
}

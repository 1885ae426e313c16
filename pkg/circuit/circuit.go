package circuit

import (
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/edp1096/power-spice/pkg/device"
	"github.com/edp1096/power-spice/pkg/integrator"
	"github.com/edp1096/power-spice/pkg/matrix"
)

// SystemMatrix is what the assembler stamps into: the dense outer system
// or the sparse path for large circuits.
type SystemMatrix interface {
	matrix.DeviceMatrix
	Clear()
	LoadGmin(gmin float64)
}

// coupling is one resolved winding pair of the coupling manifest:
// branch indices plus the signed mutual inductance. No device references
// survive past analysis.
type coupling struct {
	bi, bj int
	m      float64
}

// Circuit owns the component set and the index maps produced by the
// analyze pass. It routes stamping; it never interprets component
// semantics.
type Circuit struct {
	name      string
	nodeMap   map[string]int
	branchMap map[string]int

	devices       []device.Device
	stamped       []device.Device // devices that participate in stamping
	nonlinear     []device.NonLinear
	timeDependent []device.TimeDependent
	events        []device.EventSource
	sources       []device.Scalable

	couplingDecls []*device.CouplingDecl
	couplings     []coupling
	branchSamples map[int]integrator.Sample // winding history keyed by branch

	numNodes int
	built    bool
}

func New(name string) *Circuit {
	return &Circuit{
		name:          name,
		nodeMap:       make(map[string]int),
		branchMap:     make(map[string]int),
		branchSamples: make(map[int]integrator.Sample),
	}
}

func (c *Circuit) Name() string { return c.name }

func (c *Circuit) AddDevice(dev device.Device) {
	c.devices = append(c.devices, dev)
}

func (c *Circuit) AddCoupling(decl *device.CouplingDecl) {
	c.couplingDecls = append(c.couplingDecls, decl)
}

func isGround(label string) bool { return label == "0" || label == "gnd" }

// Build is the analyze pass: node and branch index allocation in sorted
// order (deterministic sparsity), control-branch resolution and the
// coupling manifest.
func (c *Circuit) Build() error {
	seen := make(map[string]device.Device)
	labels := make(map[string]bool)

	for _, dev := range c.devices {
		if prior, ok := seen[dev.GetName()]; ok && prior.GetType() != dev.GetType() {
			return fmt.Errorf("duplicate device name %s with conflicting definitions", dev.GetName())
		}
		seen[dev.GetName()] = dev
		for _, label := range dev.GetNodeNames() {
			if !isGround(label) {
				labels[label] = true
			}
		}
	}

	sorted := make([]string, 0, len(labels))
	for label := range labels {
		sorted = append(sorted, label)
	}
	sort.Strings(sorted)
	for i, label := range sorted {
		c.nodeMap[label] = i + 1
	}
	c.numNodes = len(sorted)

	// Branch variables follow the node block, in name order.
	var branchNames []string
	branchDevs := make(map[string]device.CurrentBranch)
	for _, dev := range c.devices {
		if cb, ok := dev.(device.CurrentBranch); ok && cb.NeedsCurrentVar() {
			branchNames = append(branchNames, dev.GetName())
			branchDevs[dev.GetName()] = cb
		}
	}
	sort.Strings(branchNames)
	for i, name := range branchNames {
		idx := c.numNodes + i + 1
		c.branchMap[name] = idx
		branchDevs[name].SetBranchIndex(idx)
	}

	// Bind node indices and classify capabilities.
	for _, dev := range c.devices {
		names := dev.GetNodeNames()
		indices := make([]int, len(names))
		for i, label := range names {
			if isGround(label) {
				indices[i] = 0
				continue
			}
			indices[i] = c.nodeMap[label]
		}
		dev.SetNodes(indices)

		if u, ok := dev.(*device.Unknown); ok {
			log.Printf("warning: skipping unsupported component %s of type %s", u.GetName(), u.GetType())
			continue
		}
		c.stamped = append(c.stamped, dev)

		if nl, ok := dev.(device.NonLinear); ok {
			c.nonlinear = append(c.nonlinear, nl)
		}
		if td, ok := dev.(device.TimeDependent); ok {
			c.timeDependent = append(c.timeDependent, td)
		}
		if ev, ok := dev.(device.EventSource); ok {
			c.events = append(c.events, ev)
		}
		if src, ok := dev.(device.Scalable); ok {
			c.sources = append(c.sources, src)
		}
		if ref, ok := dev.(device.BranchRef); ok {
			idx, ok := c.branchMap[ref.ControlName()]
			if !ok {
				return fmt.Errorf("%s: controlling device %s has no branch current", dev.GetName(), ref.ControlName())
			}
			ref.SetControlBranch(idx)
		}
	}

	if err := c.buildCouplingManifest(seen); err != nil {
		return err
	}

	c.built = true
	return nil
}

// buildCouplingManifest resolves K declarations into branch-index pairs
// with signed mutual inductances M = k*sqrt(Li*Lj).
func (c *Circuit) buildCouplingManifest(byName map[string]device.Device) error {
	for _, decl := range c.couplingDecls {
		inds := make([]*device.Inductor, len(decl.Inductors))
		for i, name := range decl.Inductors {
			dev, ok := byName[name]
			if !ok {
				return fmt.Errorf("coupling %s: inductor %s not found", decl.Name, name)
			}
			ind, ok := dev.(*device.Inductor)
			if !ok {
				return fmt.Errorf("coupling %s: device %s is not an inductor", decl.Name, name)
			}
			inds[i] = ind
		}

		for i := range inds {
			for j := i + 1; j < len(inds); j++ {
				k := decl.Coefficient(i, j)
				m := k * math.Sqrt(inds[i].GetValue()*inds[j].GetValue())
				c.couplings = append(c.couplings, coupling{
					bi: inds[i].BranchIndex(),
					bj: inds[j].BranchIndex(),
					m:  m,
				})
				c.branchSamples[inds[i].BranchIndex()] = integrator.Sample{}
				c.branchSamples[inds[j].BranchIndex()] = integrator.Sample{}
			}
		}
	}
	return nil
}

func (c *Circuit) Size() int     { return c.numNodes + len(c.branchMap) }
func (c *Circuit) NumNodes() int { return c.numNodes }

func (c *Circuit) NodeMap() map[string]int   { return c.nodeMap }
func (c *Circuit) BranchMap() map[string]int { return c.branchMap }

func (c *Circuit) Devices() []device.Device         { return c.devices }
func (c *Circuit) Nonlinear() []device.NonLinear    { return c.nonlinear }
func (c *Circuit) Reactive() []device.TimeDependent { return c.timeDependent }
func (c *Circuit) Sources() []device.Scalable       { return c.sources }
func (c *Circuit) HasNonlinear() bool               { return len(c.nonlinear) > 0 }

// NodeIndex resolves a label; ground resolves to 0.
func (c *Circuit) NodeIndex(label string) (int, bool) {
	if isGround(label) {
		return 0, true
	}
	idx, ok := c.nodeMap[label]
	return idx, ok
}

// Assemble is the stamp pass for the linear path: zero, Gmin on every
// diagonal, then every component including latched linearizations of the
// nonlinear set.
func (c *Circuit) Assemble(m SystemMatrix, status *device.CircuitStatus) error {
	return c.assemble(m, status, false)
}

// AssembleBase stamps only the linear portion; the Newton solver layers
// residual and Jacobian contributions on top of it.
func (c *Circuit) AssembleBase(m SystemMatrix, status *device.CircuitStatus) error {
	return c.assemble(m, status, true)
}

func (c *Circuit) assemble(m SystemMatrix, status *device.CircuitStatus, skipNonlinear bool) error {
	m.Clear()
	m.LoadGmin(status.Gmin)

	for _, dev := range c.stamped {
		if skipNonlinear {
			if _, ok := dev.(device.NonLinear); ok {
				continue
			}
		}
		if err := dev.Stamp(m, status); err != nil {
			return fmt.Errorf("stamping device %s: %w", dev.GetName(), err)
		}
	}

	if status.Mode == device.TransientAnalysis {
		c.stampCouplings(m, status)
	}
	return nil
}

// stampCouplings adds the mutual terms: each winding row gains -M*s in
// the partner's current column and -M*r(partner history) on the RHS,
// with (s, r) the integrator's derivative operator.
func (c *Circuit) stampCouplings(m matrix.DeviceMatrix, status *device.CircuitStatus) {
	h := status.TimeStep
	for _, cp := range c.couplings {
		si, ri := status.Integ.Coeffs(h, c.branchSamples[cp.bi])
		sj, rj := status.Integ.Coeffs(h, c.branchSamples[cp.bj])

		m.AddElement(cp.bi, cp.bj, -cp.m*sj)
		m.AddElement(cp.bj, cp.bi, -cp.m*si)
		m.AddRHS(cp.bi, -cp.m*rj)
		m.AddRHS(cp.bj, -cp.m*ri)
	}
}

// UpdateCompanions refreshes every reactive companion model for the
// candidate step and snapshots winding history for the manifest.
func (c *Circuit) UpdateCompanions(status *device.CircuitStatus) {
	for _, td := range c.timeDependent {
		td.UpdateCompanion(status)
	}
	for b := range c.branchSamples {
		c.branchSamples[b] = integrator.Sample{}
	}
	for _, dev := range c.stamped {
		if ind, ok := dev.(*device.Inductor); ok {
			if _, tracked := c.branchSamples[ind.BranchIndex()]; tracked {
				c.branchSamples[ind.BranchIndex()] = ind.Sample()
			}
		}
	}
}

// CommitStep advances every history ring; called only on accepted steps.
func (c *Circuit) CommitStep(x []float64, status *device.CircuitStatus) {
	for _, td := range c.timeDependent {
		td.CommitHistory(x, status)
	}
}

// SeedHistories initializes reactive history from a DC solution;
// user-supplied initial conditions take precedence inside each device.
func (c *Circuit) SeedHistories(x []float64) {
	for _, dev := range c.stamped {
		switch d := dev.(type) {
		case *device.Capacitor:
			v := 0.0
			if x != nil {
				v = voltageAcross(d.GetNodes(), x)
			}
			d.SeedHistory(v, 0)
		case *device.Inductor:
			i := 0.0
			if x != nil {
				i = x[d.BranchIndex()]
			}
			d.SeedHistory(0, i)
		}
	}
}

func voltageAcross(nodes []int, x []float64) float64 {
	v1, v2 := 0.0, 0.0
	if nodes[0] != 0 {
		v1 = x[nodes[0]]
	}
	if nodes[1] != 0 {
		v2 = x[nodes[1]]
	}
	return v1 - v2
}

// LTE aggregates per-component estimates as the max norm.
func (c *Circuit) LTE(x []float64, status *device.CircuitStatus) float64 {
	_, worst := c.WorstLTE(x, status)
	return worst
}

// WorstLTE reports the dominating component along with its estimate.
func (c *Circuit) WorstLTE(x []float64, status *device.CircuitStatus) (string, float64) {
	name := ""
	worst := 0.0
	for _, dev := range c.stamped {
		td, ok := dev.(device.TimeDependent)
		if !ok {
			continue
		}
		if lte := td.LTE(x, status); lte > worst {
			worst = lte
			name = dev.GetName()
		}
	}
	return name, worst
}

// EventImminent polls latching devices for transitions close to the
// candidate state.
func (c *Circuit) EventImminent(x []float64, status *device.CircuitStatus) bool {
	for _, ev := range c.events {
		if ev.EventImminent(x, status) {
			return true
		}
	}
	return false
}

// UpdateLatches commits discrete device state after an accepted step and
// reports whether any transition was realized.
func (c *Circuit) UpdateLatches(x []float64, status *device.CircuitStatus) bool {
	changed := false
	for _, ev := range c.events {
		if ev.UpdateLatch(x, status) {
			changed = true
		}
	}
	return changed
}

// SetDCScale drives the source-stepping homotopy knob on every
// independent source.
func (c *Circuit) SetDCScale(scale float64) {
	for _, src := range c.sources {
		src.SetDCScale(scale)
	}
}

// SortedNodeNames returns node labels in index order.
func (c *Circuit) SortedNodeNames() []string {
	names := make([]string, 0, len(c.nodeMap))
	for name := range c.nodeMap {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return c.nodeMap[names[i]] < c.nodeMap[names[j]] })
	return names
}

// SortedBranchNames returns branch owner names in index order.
func (c *Circuit) SortedBranchNames() []string {
	names := make([]string, 0, len(c.branchMap))
	for name := range c.branchMap {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return c.branchMap[names[i]] < c.branchMap[names[j]] })
	return names
}

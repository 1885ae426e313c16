package device

import (
	"math"

	"github.com/edp1096/power-spice/pkg/matrix"
)

// DefaultCoupling applies when a K declaration omits the coefficient.
const DefaultCoupling = 0.99

// CouplingDecl declares mutual coupling between named inductors. It is
// not a stamped device: the assembler consumes it during analysis and
// turns it into a branch-indexed coupling manifest. Winding order fixes
// the dot convention; the coefficient magnitude is the coupling factor
// and its sign the relative polarity.
type CouplingDecl struct {
	Name      string
	Inductors []string
	K         [][]float64 // symmetric; diagonal forced to 1

	uniform    float64
	hasUniform bool
}

// NewUniformCouplingDecl couples every winding pair with the same
// coefficient, the common netlist form K L1 L2 k.
func NewUniformCouplingDecl(name string, inductors []string, k float64) (*CouplingDecl, error) {
	decl, err := NewCouplingDecl(name, inductors, nil)
	if err != nil {
		return nil, err
	}
	if math.Abs(k) > 1 {
		return nil, &ParamError{Device: name, Field: "k", Reason: "coupling coefficient must lie in [-1, 1]"}
	}
	decl.uniform = k
	decl.hasUniform = true
	return decl, nil
}

// NewCouplingDecl validates the coefficient matrix. A nil K means the
// default coupling between every winding pair.
func NewCouplingDecl(name string, inductors []string, k [][]float64) (*CouplingDecl, error) {
	if len(inductors) < 2 {
		return nil, &ParamError{Device: name, Field: "inductors", Reason: "requires at least two windings"}
	}
	if k != nil {
		if len(k) != len(inductors) {
			return nil, &ParamError{Device: name, Field: "k", Reason: "coefficient matrix must match winding count"}
		}
		for i := range k {
			if len(k[i]) != len(inductors) {
				return nil, &ParamError{Device: name, Field: "k", Reason: "coefficient matrix must be square"}
			}
			for jj := range k[i] {
				if math.Abs(k[i][jj]) > 1 {
					return nil, &ParamError{Device: name, Field: "k", Reason: "coupling coefficients must lie in [-1, 1]"}
				}
			}
		}
	}
	return &CouplingDecl{Name: name, Inductors: inductors, K: k}, nil
}

// Coefficient returns k between windings i and j, diagonal forced to 1.
func (c *CouplingDecl) Coefficient(i, j int) float64 {
	if i == j {
		return 1
	}
	if c.K != nil {
		return c.K[i][j]
	}
	if c.hasUniform {
		return c.uniform
	}
	return DefaultCoupling
}

// Unknown stands in for a component type the engine does not support.
// The assembler warns and skips it; it never stamps.
type Unknown struct {
	BaseDevice
	typeName string
}

func NewUnknown(name, typeName string, nodeNames []string) *Unknown {
	return &Unknown{BaseDevice: NewBaseDevice(name, 0, nodeNames), typeName: typeName}
}

func (u *Unknown) GetType() string { return u.typeName }

func (u *Unknown) Stamp(m matrix.DeviceMatrix, status *CircuitStatus) error {
	return nil
}

package matrix

import (
	"errors"
	"math"
	"testing"

	"github.com/cpmech/gosl/chk"
	"gonum.org/v1/gonum/mat"
)

func TestDenseIdentity(t *testing.T) {
	chk.PrintTitle("dense01. identity solve returns rhs")

	n := 5
	m := NewDense(n)
	for i := 1; i <= n; i++ {
		m.AddElement(i, i, 1.0)
		m.AddRHS(i, float64(i)*1.5)
	}

	if err := m.Solve(); err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	for i := 1; i <= n; i++ {
		chk.Float64(t, "x[i]", 1e-15, m.Solution()[i], float64(i)*1.5)
	}
}

func TestDenseGroundDropped(t *testing.T) {
	chk.PrintTitle("dense02. ground-row stamps are ignored")

	m := NewDense(2)
	m.AddElement(0, 1, 99)
	m.AddElement(1, 0, 99)
	m.AddRHS(0, 99)
	m.AddElement(1, 1, 2)
	m.AddElement(2, 2, 4)
	m.AddRHS(1, 2)
	m.AddRHS(2, 8)

	if err := m.Solve(); err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	chk.Float64(t, "x1", 1e-15, m.Solution()[1], 1.0)
	chk.Float64(t, "x2", 1e-15, m.Solution()[2], 2.0)
}

// wellConditioned builds a diagonally dominant test matrix with a known
// solution.
func wellConditioned(n int) (*Dense, []float64) {
	m := NewDense(n)
	x := make([]float64, n+1)
	for i := 1; i <= n; i++ {
		x[i] = float64(i%7) - 3.0 + 0.25*float64(i)
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= n; j++ {
			v := 1.0 / float64(i+j)
			if i == j {
				v += float64(n)
			}
			m.AddElement(i, j, v)
		}
	}
	b := make([]float64, n+1)
	m.MulVec(x, b)
	for i := 1; i <= n; i++ {
		m.AddRHS(i, b[i])
	}
	return m, x
}

func TestDenseRoundTrip(t *testing.T) {
	chk.PrintTitle("dense03. solve(A, A*x) recovers x")

	m, want := wellConditioned(20)
	if err := m.Solve(); err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	m.Refine()
	for i := 1; i <= m.Size; i++ {
		chk.Float64(t, "x[i]", 1e-10*math.Max(1, math.Abs(want[i])), m.Solution()[i], want[i])
	}
}

func TestDenseAgainstGonum(t *testing.T) {
	chk.PrintTitle("dense04. partial-pivot LU matches the gonum reference")

	n := 12
	m, _ := wellConditioned(n)

	a := mat.NewDense(n, n, nil)
	b := mat.NewVecDense(n, nil)
	for i := 1; i <= n; i++ {
		for j := 1; j <= n; j++ {
			a.Set(i-1, j-1, m.At(i, j))
		}
		b.SetVec(i-1, m.RHSAt(i))
	}

	var lu mat.LU
	lu.Factorize(a)
	var ref mat.VecDense
	if err := lu.SolveVecTo(&ref, false, b); err != nil {
		t.Fatalf("gonum reference solve failed: %v", err)
	}

	if err := m.Solve(); err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	for i := 1; i <= n; i++ {
		chk.Float64(t, "x[i] vs gonum", 1e-10, m.Solution()[i], ref.AtVec(i-1))
	}
}

func TestDenseSingularDetection(t *testing.T) {
	chk.PrintTitle("dense05. singular systems are reported, never solved")

	m := NewDense(3)
	// Column 2 is identically zero.
	m.AddElement(1, 1, 1)
	m.AddElement(2, 1, 2)
	m.AddElement(3, 3, 1)
	m.AddRHS(1, 1)

	err := m.Solve()
	if err == nil {
		t.Fatal("expected singular matrix error")
	}
	var sing *SingularMatrixError
	if !errors.As(err, &sing) {
		t.Fatalf("expected SingularMatrixError, got %T", err)
	}
	if sing.Col != 2 {
		t.Fatalf("expected failure at column 2, got %d", sing.Col)
	}
}

func TestDensePivoting(t *testing.T) {
	chk.PrintTitle("dense06. zero diagonal requires row exchange")

	// MNA voltage-source pattern: zero diagonal in the branch row.
	m := NewDense(2)
	m.AddElement(1, 2, 1)
	m.AddElement(2, 1, 1)
	m.AddRHS(2, 5) // v1 = 5
	m.AddRHS(1, 0)

	if err := m.Solve(); err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	chk.Float64(t, "v1", 1e-14, m.Solution()[1], 5.0)
	chk.Float64(t, "i", 1e-14, m.Solution()[2], 0.0)
}

func TestDenseResidual(t *testing.T) {
	chk.PrintTitle("dense07. residual norm of the solved system")

	m, _ := wellConditioned(15)
	if err := m.Solve(); err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if r := m.Residual(m.Solution()); r > 1e-9 {
		t.Fatalf("residual too large: %g", r)
	}
}

func TestSparseMatchesDense(t *testing.T) {
	chk.PrintTitle("sparse01. sparse path agrees with the dense path")

	n := 8
	d := NewDense(n)
	sp, err := NewSparse(n)
	if err != nil {
		t.Fatalf("creating sparse matrix: %v", err)
	}
	defer sp.Destroy()
	sp.SetupElements()

	stamp := func(m DeviceMatrix) {
		for i := 1; i <= n; i++ {
			m.AddElement(i, i, 4.0+float64(i))
			if i > 1 {
				m.AddElement(i, i-1, -1.0)
				m.AddElement(i-1, i, -1.0)
			}
			m.AddRHS(i, float64(i))
		}
	}
	stamp(d)
	stamp(sp)

	if err := d.Solve(); err != nil {
		t.Fatalf("dense solve failed: %v", err)
	}
	if err := sp.Solve(); err != nil {
		t.Fatalf("sparse solve failed: %v", err)
	}
	for i := 1; i <= n; i++ {
		chk.Float64(t, "x[i]", 1e-11, sp.Solution()[i], d.Solution()[i])
	}
}

func TestSparseGmin(t *testing.T) {
	chk.PrintTitle("sparse02. gmin keeps a floating diagonal solvable")

	sp, err := NewSparse(2)
	if err != nil {
		t.Fatalf("creating sparse matrix: %v", err)
	}
	defer sp.Destroy()
	sp.SetupElements()

	sp.AddElement(1, 1, 1.0)
	sp.AddRHS(1, 1.0)
	// Row 2 is floating; only gmin holds it.
	sp.LoadGmin(1e-9)

	if err := sp.Solve(); err != nil {
		t.Fatalf("sparse solve failed: %v", err)
	}
	chk.Float64(t, "x2", 1e-12, sp.Solution()[2], 0.0)
}

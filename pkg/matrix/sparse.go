package matrix

import (
	"fmt"

	"github.com/edp1096/sparse"
)

// Sparse is the alternative path for large systems: LU over a symbolic
// factorization with column pivoting, provided by the sparse package.
type Sparse struct {
	Size     int
	matrix   *sparse.Matrix
	rhs      []float64
	solution []float64
	config   *sparse.Configuration
}

func NewSparse(size int) (*Sparse, error) {
	config := &sparse.Configuration{
		Real:           true,
		Expandable:     true,
		ModifiedNodal:  true,
		TiesMultiplier: 5,
		PrinterWidth:   140,
	}

	mat, err := sparse.Create(int64(size), config)
	if err != nil {
		return nil, fmt.Errorf("creating sparse matrix: %w", err)
	}

	return &Sparse{
		Size:     size,
		matrix:   mat,
		rhs:      make([]float64, size+1), // 1-based indexing
		solution: make([]float64, size+1),
		config:   config,
	}, nil
}

// SetupElements touches every position once so the symbolic structure is
// complete before the first factorization.
func (m *Sparse) SetupElements() {
	for i := 1; i <= m.Size; i++ {
		for j := 1; j <= m.Size; j++ {
			m.matrix.GetElement(int64(i), int64(j))
		}
	}
}

func (m *Sparse) AddElement(i, j int, value float64) {
	if i <= 0 || j <= 0 || i > m.Size || j > m.Size {
		return
	}
	m.matrix.GetElement(int64(i), int64(j)).Real += value
}

func (m *Sparse) AddRHS(i int, value float64) {
	if i <= 0 || i > m.Size {
		return
	}
	m.rhs[i] += value
}

func (m *Sparse) LoadGmin(gmin float64) {
	for i := 1; i <= m.Size; i++ {
		if diag := m.matrix.Diags[i]; diag != nil {
			diag.Real += gmin
		}
	}
}

func (m *Sparse) Clear() {
	m.matrix.Clear()
	for i := range m.rhs {
		m.rhs[i] = 0
	}
}

func (m *Sparse) Solve() error {
	if err := m.matrix.Factor(); err != nil {
		return fmt.Errorf("matrix factorization failed: %w", err)
	}

	solution, err := m.matrix.Solve(m.rhs)
	if err != nil {
		return fmt.Errorf("matrix solve failed: %w", err)
	}
	copy(m.solution, solution)

	return nil
}

func (m *Sparse) RHS() []float64      { return m.rhs }
func (m *Sparse) Solution() []float64 { return m.solution }

func (m *Sparse) Destroy() {
	if m.matrix != nil {
		m.matrix.Destroy()
	}
}

package matrix

// DeviceMatrix is the stamping surface devices see. Indices are 1-based;
// row/column 0 is the ground reference and contributions to it are dropped.
type DeviceMatrix interface {
	AddElement(i, j int, value float64)
	AddRHS(i int, value float64)
}

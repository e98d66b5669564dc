package crf

import "fmt"

// Matrix is a dense row-major 2D array with bounds-checked accessors.
type Matrix[T any] struct {
	rows, cols int
	data       []T
}

// NewMatrix allocates a rows x cols matrix of zero values.
func NewMatrix[T any](rows, cols int) *Matrix[T] {
	return &Matrix[T]{rows: rows, cols: cols, data: make([]T, rows*cols)}
}

// Rows returns the number of rows.
func (m *Matrix[T]) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *Matrix[T]) Cols() int { return m.cols }

func (m *Matrix[T]) index(r, c int) int {
	if r < 0 || r >= m.rows || c < 0 || c >= m.cols {
		panic(fmt.Sprintf("crf: matrix index (%d,%d) out of range %dx%d", r, c, m.rows, m.cols))
	}
	return r*m.cols + c
}

// At returns the element at (r, c).
func (m *Matrix[T]) At(r, c int) T {
	return m.data[m.index(r, c)]
}

// Set stores v at (r, c).
func (m *Matrix[T]) Set(r, c int, v T) {
	m.data[m.index(r, c)] = v
}

// Row returns row r as a slice sharing the matrix storage.
func (m *Matrix[T]) Row(r int) []T {
	if r < 0 || r >= m.rows {
		panic(fmt.Sprintf("crf: matrix row %d out of range %d", r, m.rows))
	}
	return m.data[r*m.cols : (r+1)*m.cols]
}

// Fill sets every element to v.
func (m *Matrix[T]) Fill(v T) {
	for i := range m.data {
		m.data[i] = v
	}
}

// Tensor3 is a dense 3D array with bounds-checked accessors.
type Tensor3[T any] struct {
	d0, d1, d2 int
	data       []T
}

// NewTensor3 allocates a d0 x d1 x d2 tensor of zero values.
func NewTensor3[T any](d0, d1, d2 int) *Tensor3[T] {
	return &Tensor3[T]{d0: d0, d1: d1, d2: d2, data: make([]T, d0*d1*d2)}
}

func (t *Tensor3[T]) index(i, j, k int) int {
	if i < 0 || i >= t.d0 || j < 0 || j >= t.d1 || k < 0 || k >= t.d2 {
		panic(fmt.Sprintf("crf: tensor index (%d,%d,%d) out of range %dx%dx%d", i, j, k, t.d0, t.d1, t.d2))
	}
	return (i*t.d1+j)*t.d2 + k
}

// At returns the element at (i, j, k).
func (t *Tensor3[T]) At(i, j, k int) T {
	return t.data[t.index(i, j, k)]
}

// Set stores v at (i, j, k).
func (t *Tensor3[T]) Set(i, j, k int, v T) {
	t.data[t.index(i, j, k)] = v
}

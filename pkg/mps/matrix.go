package mps

import (
	"math"

	"github.com/fxnlabs/mpsengine/internal/gpu"
	"github.com/pkg/errors"
)

// MatrixDescriptor describes a row-major float32 matrix layout.
type MatrixDescriptor struct {
	rows     int
	columns  int
	rowBytes int
}

// NewMatrixDescriptor validates and returns a layout. rowBytes is the distance
// between the starts of consecutive rows.
func NewMatrixDescriptor(rows, columns, rowBytes int) (MatrixDescriptor, error) {
	// The layout must fit the largest addressable buffer.
	if err := gpu.ValidateLayout(rows, columns, rowBytes, math.MaxInt); err != nil {
		return MatrixDescriptor{}, err
	}
	return MatrixDescriptor{rows: rows, columns: columns, rowBytes: rowBytes}, nil
}

// DenseDescriptor is a layout without row padding.
func DenseDescriptor(rows, columns int) (MatrixDescriptor, error) {
	return NewMatrixDescriptor(rows, columns, columns*gpu.Float32Size)
}

func (d MatrixDescriptor) Rows() int     { return d.rows }
func (d MatrixDescriptor) Columns() int  { return d.columns }
func (d MatrixDescriptor) RowBytes() int { return d.rowBytes }

// Size is the minimum buffer length for the layout.
func (d MatrixDescriptor) Size() int {
	return d.rows * d.rowBytes
}

// Matrix views a buffer through a descriptor. It does not own the buffer.
type Matrix struct {
	buffer *Buffer
	desc   MatrixDescriptor
}

// NewMatrix binds a buffer and a descriptor.
func NewMatrix(buffer *Buffer, desc MatrixDescriptor) (Matrix, error) {
	if buffer == nil {
		return Matrix{}, errors.Wrap(ErrUseAfterRelease, "nil buffer")
	}
	if desc.rows == 0 {
		return Matrix{}, errors.Wrap(ErrShapeMismatch, "empty matrix descriptor")
	}
	if err := gpu.ValidateLayout(desc.rows, desc.columns, desc.rowBytes, buffer.length); err != nil {
		return Matrix{}, err
	}
	return Matrix{buffer: buffer, desc: desc}, nil
}

func (m Matrix) Buffer() *Buffer              { return m.buffer }
func (m Matrix) Descriptor() MatrixDescriptor { return m.desc }

func (m Matrix) ref() gpu.MatrixRef {
	return gpu.MatrixRef{
		Buffer:   m.buffer.id,
		Rows:     m.desc.rows,
		Columns:  m.desc.columns,
		RowBytes: m.desc.rowBytes,
	}
}

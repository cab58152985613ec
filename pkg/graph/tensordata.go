package graph

import (
	"sync"

	"github.com/pkg/errors"
)

// TensorData holds host float32 values with a shape. It is independent of
// any graph and must be released by its owner.
type TensorData struct {
	shape Shape

	mu       sync.Mutex
	values   []float32
	released bool
}

// FromHostArray copies values into a new TensorData. len(values) must equal
// the number of elements of shape.
func FromHostArray(values []float32, shape Shape) (*TensorData, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(values) != shape.NumElements() {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d values for shape %s", len(values), shape)
	}
	return &TensorData{
		shape:  shape.Clone(),
		values: append([]float32(nil), values...),
	}, nil
}

// NewTensorData returns zero-filled data, typically used as a run output.
func NewTensorData(shape Shape) (*TensorData, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	return &TensorData{
		shape:  shape.Clone(),
		values: make([]float32, shape.NumElements()),
	}, nil
}

// Shape returns the shape the data was created with.
func (d *TensorData) Shape() Shape {
	return d.shape.Clone()
}

// ToHostArray returns a copy of the values.
func (d *TensorData) ToHostArray() ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, errors.Wrap(ErrUseAfterRelease, "tensor data")
	}
	return append([]float32(nil), d.values...), nil
}

// Release drops the values. Further use fails with ErrUseAfterRelease.
func (d *TensorData) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return errors.Wrap(ErrUseAfterRelease, "tensor data")
	}
	d.released = true
	d.values = nil
	return nil
}

func (d *TensorData) checkLive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return errors.Wrap(ErrUseAfterRelease, "tensor data")
	}
	return nil
}

// storeMu serializes multi-target writes, so no two of them lock
// TensorData values in conflicting orders.
var storeMu sync.Mutex

// storeAll writes values[i] into targets[i]. Every target is locked and
// checked before the first write, so either all targets change or none do.
// A target listed twice receives its last value.
func storeAll(targets []*TensorData, values [][]float32) error {
	storeMu.Lock()
	defer storeMu.Unlock()

	locked := make(map[*TensorData]bool, len(targets))
	defer func() {
		for d := range locked {
			d.mu.Unlock()
		}
	}()
	for i, d := range targets {
		if !locked[d] {
			d.mu.Lock()
			locked[d] = true
		}
		if d.released {
			return errors.Wrapf(ErrUseAfterRelease, "tensor data %d", i)
		}
		if len(values[i]) != len(d.values) {
			return errors.Wrapf(ErrInternal, "storing %d values into tensor data of %d", len(values[i]), len(d.values))
		}
	}
	for i, d := range targets {
		copy(d.values, values[i])
	}
	return nil
}

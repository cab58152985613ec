package graph

import (
	"fmt"
	"math"
	"strings"

	"github.com/fxnlabs/mpsengine/internal/gpu"
	"github.com/pkg/errors"
)

// Shape lists the extents of a tensor. A rank-0 shape is a scalar.
type Shape []int

// Rank is the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// NumElements is the product of the extents. It is only meaningful for
// shapes that pass Validate.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether both shapes have the same rank and extents.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Validate rejects non-positive extents and shapes whose byte size does not
// fit in an int.
func (s Shape) Validate() error {
	limit := math.MaxInt / gpu.Float32Size
	n := 1
	for i, d := range s {
		if d <= 0 {
			return errors.Wrapf(ErrShapeMismatch, "extent %d of shape %s must be positive", i, s)
		}
		if n > limit/d {
			return errors.Wrapf(ErrShapeMismatch, "shape %s is too large", s)
		}
		n *= d
	}
	return nil
}

// Clone returns a copy that does not share memory with s.
func (s Shape) Clone() Shape {
	if s == nil {
		return Shape{}
	}
	return append(Shape{}, s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

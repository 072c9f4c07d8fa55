package ml

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gorgonia.org/vecf32"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense float32 array in row-major order. Tensors are plain
// host buffers; where a module's weights live is tracked separately by a
// Placement.
type Tensor struct {
	shape []int
	data  []float32
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, numel(shape))}
}

// FromData wraps data without copying it.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("%w: %d elements for shape %v (want %d)", ErrShapeMismatch, len(data), shape, n)
	}
	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

func (t *Tensor) Dim(i int) int { return t.shape[i] }

func (t *Tensor) Rank() int { return len(t.shape) }

func (t *Tensor) Len() int { return len(t.data) }

// Data returns the backing slice.
func (t *Tensor) Data() []float32 { return t.data }

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.shape, o.shape)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// Reshape returns a view sharing t's data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.data, shape...)
}

// HasNonFinite reports whether any element is NaN or infinite.
func (t *Tensor) HasNonFinite() bool {
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

func checkShapes(a, b *Tensor) error {
	if !a.SameShape(b) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.shape, b.shape)
	}
	return nil
}

// Add returns a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkShapes(a, b); err != nil {
		return nil, err
	}
	out := a.Clone()
	vecf32.Add(out.data, b.data)
	return out, nil
}

// Sub returns a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkShapes(a, b); err != nil {
		return nil, err
	}
	out := a.Clone()
	vecf32.Sub(out.data, b.data)
	return out, nil
}

// Scale returns s * a.
func Scale(a *Tensor, s float32) *Tensor {
	out := a.Clone()
	vecf32.Scale(out.data, s)
	return out
}

// Term is one addend of a linear combination.
type Term struct {
	Coef float64
	T    *Tensor
}

// Combine returns sum(Coef * T) over terms. Solver update rules are all
// expressed this way. Terms with a zero coefficient are skipped so an
// infinite neighbour never turns into NaN.
func Combine(terms ...Term) (*Tensor, error) {
	if len(terms) == 0 {
		return nil, errors.New("combine: no terms")
	}

	out := Zeros(terms[0].T.shape...)
	scratch := make([]float32, len(out.data))
	for _, term := range terms {
		if err := checkShapes(out, term.T); err != nil {
			return nil, err
		}
		if term.Coef == 0 {
			continue
		}
		copy(scratch, term.T.data)
		vecf32.Scale(scratch, float32(term.Coef))
		vecf32.Add(out.data, scratch)
	}
	return out, nil
}

// MSE returns mean((a-b)^2) accumulated in float64.
func MSE(a, b *Tensor) (float32, error) {
	diff, err := Sub(a, b)
	if err != nil {
		return 0, err
	}
	if diff.Len() == 0 {
		return 0, nil
	}

	var sum float64
	for _, v := range diff.data {
		sum += float64(v) * float64(v)
	}
	return float32(sum / float64(diff.Len())), nil
}

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float32 {
	if len(t.data) == 0 {
		return 0
	}
	return vecf32.Sum(t.data) / float32(len(t.data))
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("stack: no tensors")
	}

	shape := append([]int{len(ts)}, ts[0].shape...)
	out := Zeros(shape...)
	step := ts[0].Len()
	for i, t := range ts {
		if err := checkShapes(ts[0], t); err != nil {
			return nil, err
		}
		copy(out.data[i*step:], t.data)
	}
	return out, nil
}

// Unstack splits t along its leading axis. The parts share t's data.
func Unstack(t *Tensor) []*Tensor {
	if t.Rank() == 0 {
		return nil
	}

	n := t.shape[0]
	inner := t.shape[1:]
	step := numel(inner)
	parts := make([]*Tensor, n)
	for i := range parts {
		parts[i] = &Tensor{shape: slices.Clone(inner), data: t.data[i*step : (i+1)*step]}
	}
	return parts
}

// AllClose reports whether a and b have the same shape and every element
// differs by at most atol + rtol*|b|.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	if !a.SameShape(b) {
		return false
	}
	for i := range a.data {
		x, y := float64(a.data[i]), float64(b.data[i])
		if math.Abs(x-y) > atol+rtol*math.Abs(y) {
			return false
		}
	}
	return true
}

// Package transform provides the linear transform value type used between
// the reflection estimator, the registrar and the resampler, together with
// the ITK MATLAB transform file codec and the reflection estimator registry.
package transform

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Affine is a centred linear transform y = A(x - c) + c + t, following the
// ITK MatrixOffsetTransformBase parameterisation.
type Affine struct {
	// Dim is the spatial dimension
	Dim int

	// Matrix is the row-major Dim x Dim linear part A
	Matrix []float64

	// Translation is t
	Translation []float64

	// Center is the fixed centre of rotation c
	Center []float64
}

// NewIdentity returns the identity transform centred at the origin.
func NewIdentity(dim int) *Affine {
	a := &Affine{
		Dim:         dim,
		Matrix:      make([]float64, dim*dim),
		Translation: make([]float64, dim),
		Center:      make([]float64, dim),
	}
	for i := 0; i < dim; i++ {
		a.Matrix[i*dim+i] = 1
	}
	return a
}

// NewReflection returns the mirror across the hyperplane through center that
// is orthogonal to axis.
func NewReflection(dim, axis int, center []float64) (*Affine, error) {
	if axis < 0 || axis >= dim {
		return nil, fmt.Errorf("reflection axis %d out of range for dimension %d", axis, dim)
	}
	if len(center) != dim {
		return nil, fmt.Errorf("reflection centre has %d components, expected %d", len(center), dim)
	}
	a := NewIdentity(dim)
	a.Matrix[axis*dim+axis] = -1
	copy(a.Center, center)
	return a, nil
}

// Clone returns a deep copy.
func (a *Affine) Clone() *Affine {
	return &Affine{
		Dim:         a.Dim,
		Matrix:      append([]float64(nil), a.Matrix...),
		Translation: append([]float64(nil), a.Translation...),
		Center:      append([]float64(nil), a.Center...),
	}
}

// Offset returns o such that y = A x + o.
func (a *Affine) Offset() []float64 {
	o := make([]float64, a.Dim)
	for r := 0; r < a.Dim; r++ {
		v := a.Translation[r] + a.Center[r]
		for c := 0; c < a.Dim; c++ {
			v -= a.Matrix[r*a.Dim+c] * a.Center[c]
		}
		o[r] = v
	}
	return o
}

// TransformPoint maps in to out. in and out may alias.
func (a *Affine) TransformPoint(in, out []float64) {
	var buf [4]float64
	d := a.Dim
	for r := 0; r < d; r++ {
		v := a.Translation[r] + a.Center[r]
		for c := 0; c < d; c++ {
			v += a.Matrix[r*d+c] * (in[c] - a.Center[c])
		}
		buf[r] = v
	}
	copy(out[:d], buf[:d])
}

// Inverse returns the inverse transform about the same centre.
func (a *Affine) Inverse() (*Affine, error) {
	m := mat.NewDense(a.Dim, a.Dim, append([]float64(nil), a.Matrix...))
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("transform is not invertible: %w", err)
	}
	out := &Affine{
		Dim:         a.Dim,
		Matrix:      make([]float64, a.Dim*a.Dim),
		Translation: make([]float64, a.Dim),
		Center:      append([]float64(nil), a.Center...),
	}
	var t mat.VecDense
	t.MulVec(&inv, mat.NewVecDense(a.Dim, append([]float64(nil), a.Translation...)))
	for r := 0; r < a.Dim; r++ {
		for c := 0; c < a.Dim; c++ {
			out.Matrix[r*a.Dim+c] = inv.At(r, c)
		}
		out.Translation[r] = -t.AtVec(r)
	}
	return out, nil
}

// Compose returns the transform x -> a(b(x)), centred at b's centre.
func Compose(a, b *Affine) (*Affine, error) {
	if a.Dim != b.Dim {
		return nil, fmt.Errorf("cannot compose %dD and %dD transforms", a.Dim, b.Dim)
	}
	d := a.Dim
	am := mat.NewDense(d, d, append([]float64(nil), a.Matrix...))
	bm := mat.NewDense(d, d, append([]float64(nil), b.Matrix...))
	var m mat.Dense
	m.Mul(am, bm)

	var ob mat.VecDense
	ob.MulVec(am, mat.NewVecDense(d, b.Offset()))
	offset := mat.NewVecDense(d, a.Offset())
	offset.AddVec(offset, &ob)

	out := &Affine{
		Dim:         d,
		Matrix:      make([]float64, d*d),
		Translation: make([]float64, d),
		Center:      append([]float64(nil), b.Center...),
	}
	for r := 0; r < d; r++ {
		for c := 0; c < d; c++ {
			out.Matrix[r*d+c] = m.At(r, c)
		}
	}
	// t = offset - c + A c
	for r := 0; r < d; r++ {
		v := offset.AtVec(r) - out.Center[r]
		for c := 0; c < d; c++ {
			v += out.Matrix[r*d+c] * out.Center[c]
		}
		out.Translation[r] = v
	}
	return out, nil
}

// Parameters returns the ITK parameter vector: the matrix row-major followed
// by the translation.
func (a *Affine) Parameters() []float64 {
	p := make([]float64, 0, a.Dim*a.Dim+a.Dim)
	p = append(p, a.Matrix...)
	return append(p, a.Translation...)
}

// SetParameters is the inverse of Parameters.
func (a *Affine) SetParameters(p []float64) error {
	n := a.Dim * a.Dim
	if len(p) != n+a.Dim {
		return fmt.Errorf("expected %d parameters, got %d", n+a.Dim, len(p))
	}
	copy(a.Matrix, p[:n])
	copy(a.Translation, p[n:])
	return nil
}

// Determinant returns det(A).
func (a *Affine) Determinant() float64 {
	return mat.Det(mat.NewDense(a.Dim, a.Dim, append([]float64(nil), a.Matrix...)))
}

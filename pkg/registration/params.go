package registration

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"mrireflect/pkg/transform"
)

// Optimizer units. A unit step changes an angle by angleUnit radians, a log
// scale or matrix entry by linearUnit, and a translation by the level's mean
// voxel spacing.
const (
	angleUnit  = 0.1
	linearUnit = 0.05
)

// parameterization maps a normalised parameter vector to a delta transform
// centred at center. The zero vector is always the identity.
type parameterization struct {
	kind   stageKind
	dim    int
	center []float64
	tUnit  float64
}

func (p parameterization) numAngles() int {
	return p.dim * (p.dim - 1) / 2
}

func (p parameterization) size() int {
	switch p.kind {
	case stageTranslation:
		return p.dim
	case stageRigid:
		return p.numAngles() + p.dim
	case stageSimilarity:
		return p.numAngles() + 1 + p.dim
	default:
		return p.dim*p.dim + p.dim
	}
}

func (p parameterization) transform(x []float64) *transform.Affine {
	a := transform.NewIdentity(p.dim)
	copy(a.Center, p.center)
	d := p.dim

	var linear []float64
	switch p.kind {
	case stageRigid, stageSimilarity:
		r := rotation(d, x[:p.numAngles()])
		if p.kind == stageSimilarity {
			s := math.Exp(x[p.numAngles()] * linearUnit)
			for i := range r {
				r[i] *= s
			}
		}
		copy(a.Matrix, r)
		linear = x[len(x)-d:]
	case stageAffine:
		for i := 0; i < d*d; i++ {
			a.Matrix[i] += x[i] * linearUnit
		}
		linear = x[d*d:]
	default:
		linear = x
	}
	for i := 0; i < d; i++ {
		a.Translation[i] = linear[i] * p.tUnit
	}
	return a
}

// rotation returns exp(S) for the skew-symmetric S built from one angle per
// axis pair, row-major.
func rotation(dim int, angles []float64) []float64 {
	s := mat.NewDense(dim, dim, nil)
	k := 0
	for i := 0; i < dim; i++ {
		for j := i + 1; j < dim; j++ {
			theta := angles[k] * angleUnit
			s.Set(i, j, -theta)
			s.Set(j, i, theta)
			k++
		}
	}
	var r mat.Dense
	r.Exp(s)
	out := make([]float64, dim*dim)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			out[i*dim+j] = r.At(i, j)
		}
	}
	return out
}

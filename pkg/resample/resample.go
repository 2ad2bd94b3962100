// Package resample applies linear transform stacks to images on a target grid.
package resample

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"mrireflect/internal/models"
	"mrireflect/pkg/transform"
)

// Interpolator selects how moving image values are sampled.
type Interpolator int

const (
	Linear Interpolator = iota
	NearestNeighbor
)

// String returns the ANTs spelling of the interpolator.
func (i Interpolator) String() string {
	if i == NearestNeighbor {
		return "nearestNeighbor"
	}
	return "linear"
}

// ParseInterpolator accepts linear or nearestNeighbor. Empty means linear.
func ParseInterpolator(s string) (Interpolator, error) {
	switch s {
	case "", "linear", "Linear":
		return Linear, nil
	case "nearestNeighbor", "NearestNeighbor":
		return NearestNeighbor, nil
	}
	return 0, fmt.Errorf("unknown interpolator %q", s)
}

// Options control ApplyTransforms.
type Options struct {
	Interpolator Interpolator

	// DefaultValue fills voxels mapping outside the moving image
	DefaultValue float64

	// Workers bounds concurrency; zero means runtime.NumCPU()
	Workers int
}

// edgeTolerance absorbs rounding when a grid point maps exactly onto the
// moving image boundary.
const edgeTolerance = 1e-6

// Compose folds a transform stack into one affine using the ANTs ordering:
// the last transform is applied to the fixed point first.
func Compose(transforms []*transform.Affine) (*transform.Affine, error) {
	if len(transforms) == 0 {
		return nil, fmt.Errorf("no transforms given")
	}
	total := transforms[0].Clone()
	for _, t := range transforms[1:] {
		var err error
		if total, err = transform.Compose(total, t); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// ApplyTransforms samples moving on the grid of fixed through the transform
// stack. Neither input is modified.
func ApplyTransforms(ctx context.Context, fixed, moving *models.Image, transforms []*transform.Affine, opts Options) (*models.Image, error) {
	if err := fixed.Validate(); err != nil {
		return nil, fmt.Errorf("fixed image: %w", err)
	}
	if err := moving.Validate(); err != nil {
		return nil, fmt.Errorf("moving image: %w", err)
	}
	dim := fixed.Dimension()
	if moving.Dimension() != dim {
		return nil, fmt.Errorf("fixed image is %dD but moving image is %dD", dim, moving.Dimension())
	}
	total, err := Compose(transforms)
	if err != nil {
		return nil, err
	}
	if total.Dim != dim {
		return nil, fmt.Errorf("%dD transform cannot be applied to %dD images", total.Dim, dim)
	}

	k, off, err := indexMap(fixed, moving, total)
	if err != nil {
		return nil, err
	}

	out := fixed.CloneGeometry()
	out.PixelType = moving.PixelType

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	outer := fixed.Size[dim-1]
	slab := outer / workers
	if slab < 1 {
		slab = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < outer; start += slab {
		lo, hi := start, start+slab
		if hi > outer {
			hi = outer
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			resampleSlab(out, moving, k, off, lo, hi, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// indexMap returns K, k such that a fixed continuous index i maps to the
// moving continuous index K i + k.
func indexMap(fixed, moving *models.Image, t *transform.Affine) (*mat.Dense, []float64, error) {
	dim := fixed.Dimension()
	mf := scaledDirection(fixed)
	mm := scaledDirection(moving)
	var mmInv mat.Dense
	if err := mmInv.Inverse(mm); err != nil {
		return nil, nil, fmt.Errorf("moving image direction is singular: %w", err)
	}
	a := mat.NewDense(dim, dim, append([]float64(nil), t.Matrix...))

	var am, k mat.Dense
	am.Mul(a, mf)
	k.Mul(&mmInv, &am)

	// k0 = Mm^-1 (A of + o - om)
	var aof mat.VecDense
	aof.MulVec(a, mat.NewVecDense(dim, append([]float64(nil), fixed.Origin...)))
	o := t.Offset()
	for i := 0; i < dim; i++ {
		aof.SetVec(i, aof.AtVec(i)+o[i]-moving.Origin[i])
	}
	var k0 mat.VecDense
	k0.MulVec(&mmInv, &aof)

	off := make([]float64, dim)
	for i := range off {
		off[i] = k0.AtVec(i)
	}
	return &k, off, nil
}

func scaledDirection(img *models.Image) *mat.Dense {
	dim := img.Dimension()
	m := mat.NewDense(dim, dim, nil)
	for r := 0; r < dim; r++ {
		for c := 0; c < dim; c++ {
			m.Set(r, c, img.Direction[r*dim+c]*img.Spacing[c])
		}
	}
	return m
}

// resampleSlab fills the output voxels whose outermost index is in [lo, hi).
func resampleSlab(out, moving *models.Image, k *mat.Dense, off []float64, lo, hi int, opts Options) {
	dim := out.Dimension()
	kk := make([]float64, dim*dim)
	for r := 0; r < dim; r++ {
		for c := 0; c < dim; c++ {
			kk[r*dim+c] = k.At(r, c)
		}
	}

	planeSize := len(out.Data) / out.Size[dim-1]
	idx := make([]int, dim)
	pos := make([]float64, dim)
	for offset := lo * planeSize; offset < hi*planeSize; offset++ {
		out.IndexOf(offset, idx)
		for r := 0; r < dim; r++ {
			v := off[r]
			for c := 0; c < dim; c++ {
				v += kk[r*dim+c] * float64(idx[c])
			}
			pos[r] = v
		}
		out.Data[offset] = Sample(moving, pos, opts.Interpolator, opts.DefaultValue)
	}
}

// Sample interpolates img at the continuous index pos.
func Sample(img *models.Image, pos []float64, interp Interpolator, defaultValue float64) float64 {
	dim := img.Dimension()
	var base [4]int
	var frac [4]float64
	for i := 0; i < dim; i++ {
		p := pos[i]
		max := float64(img.Size[i] - 1)
		if p < -edgeTolerance || p > max+edgeTolerance || math.IsNaN(p) {
			return defaultValue
		}
		p = math.Max(0, math.Min(max, p))
		if interp == NearestNeighbor {
			base[i] = int(math.Floor(p + 0.5))
			frac[i] = 0
			continue
		}
		b := int(math.Floor(p))
		if b >= img.Size[i]-1 {
			b = img.Size[i] - 1
		}
		base[i] = b
		frac[i] = p - float64(b)
	}

	if interp == NearestNeighbor {
		return img.Data[img.Offset(base[:dim])]
	}

	// Weighted sum over the 2^dim surrounding voxels.
	var corner [4]int
	value := 0.0
	for mask := 0; mask < 1<<dim; mask++ {
		w := 1.0
		for i := 0; i < dim; i++ {
			if mask&(1<<i) != 0 {
				if frac[i] == 0 {
					w = 0
					break
				}
				corner[i] = base[i] + 1
				w *= frac[i]
			} else {
				corner[i] = base[i]
				w *= 1 - frac[i]
			}
		}
		if w == 0 {
			continue
		}
		value += w * img.Data[img.Offset(corner[:dim])]
	}
	return value
}

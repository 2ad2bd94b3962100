package models

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrGeometryMismatch is returned when two images do not share a voxel grid.
var ErrGeometryMismatch = errors.New("image geometry mismatch")

// PixelType is the element type an image was read or created with.
// Voxel values are always held as float64; the pixel type decides which
// estimator variants and file encodings apply.
type PixelType int

const (
	PixelUChar PixelType = iota
	PixelUInt
	PixelFloat
	PixelDouble
)

// String returns the long pixel type name.
func (p PixelType) String() string {
	switch p {
	case PixelUChar:
		return "unsigned char"
	case PixelUInt:
		return "unsigned int"
	case PixelFloat:
		return "float"
	case PixelDouble:
		return "double"
	}
	return fmt.Sprintf("PixelType(%d)", int(p))
}

// ShortCode returns the abbreviation used in estimator names (UC, UI, F, D).
func (p PixelType) ShortCode() string {
	switch p {
	case PixelUChar:
		return "UC"
	case PixelUInt:
		return "UI"
	case PixelFloat:
		return "F"
	case PixelDouble:
		return "D"
	}
	return "?"
}

// ParsePixelType accepts either the long name or the short code.
func ParsePixelType(s string) (PixelType, error) {
	for _, p := range []PixelType{PixelUChar, PixelUInt, PixelFloat, PixelDouble} {
		if s == p.String() || s == p.ShortCode() {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel type %q", s)
}

// Image is a 2D, 3D or 4D scalar image on a regular grid.
type Image struct {
	// Size is the number of voxels along each axis, x fastest
	Size []int

	// Spacing is the physical voxel size along each axis in mm
	Spacing []float64

	// Origin is the physical position of voxel index zero
	Origin []float64

	// Direction is the row-major dim x dim matrix of axis direction cosines
	Direction []float64

	// PixelType is the element type of the source data
	PixelType PixelType

	// Data holds the voxel values with x varying fastest
	Data []float64
}

// NewImage allocates a zero-filled image with unit spacing, zero origin
// and identity direction.
func NewImage(size []int, pt PixelType) (*Image, error) {
	dim := len(size)
	if dim < 2 || dim > 4 {
		return nil, fmt.Errorf("unsupported image dimension %d (must be 2, 3 or 4)", dim)
	}
	n := 1
	for i, s := range size {
		if s <= 0 {
			return nil, fmt.Errorf("size along axis %d must be positive, got %d", i, s)
		}
		n *= s
	}

	img := &Image{
		Size:      append([]int(nil), size...),
		Spacing:   make([]float64, dim),
		Origin:    make([]float64, dim),
		Direction: make([]float64, dim*dim),
		PixelType: pt,
		Data:      make([]float64, n),
	}
	for i := 0; i < dim; i++ {
		img.Spacing[i] = 1
		img.Direction[i*dim+i] = 1
	}
	return img, nil
}

// Dimension returns the number of image axes.
func (im *Image) Dimension() int {
	return len(im.Size)
}

// NumVoxels returns the total voxel count.
func (im *Image) NumVoxels() int {
	n := 1
	for _, s := range im.Size {
		n *= s
	}
	return n
}

// Offset converts a voxel index into a position in Data.
func (im *Image) Offset(idx []int) int {
	off := 0
	stride := 1
	for i, s := range im.Size {
		off += idx[i] * stride
		stride *= s
	}
	return off
}

// IndexOf writes the voxel index of offset into idx.
func (im *Image) IndexOf(offset int, idx []int) {
	for i, s := range im.Size {
		idx[i] = offset % s
		offset /= s
	}
}

// At returns the voxel value at idx.
func (im *Image) At(idx ...int) float64 {
	return im.Data[im.Offset(idx)]
}

// Set stores v at idx.
func (im *Image) Set(v float64, idx ...int) {
	im.Data[im.Offset(idx)] = v
}

// Validate checks that the header slices agree with Size and Data.
func (im *Image) Validate() error {
	dim := im.Dimension()
	if dim < 2 || dim > 4 {
		return fmt.Errorf("unsupported image dimension %d (must be 2, 3 or 4)", dim)
	}
	if len(im.Spacing) != dim || len(im.Origin) != dim || len(im.Direction) != dim*dim {
		return fmt.Errorf("image header does not match dimension %d", dim)
	}
	if len(im.Data) != im.NumVoxels() {
		return fmt.Errorf("image has %d values, expected %d", len(im.Data), im.NumVoxels())
	}
	for i, s := range im.Spacing {
		if s <= 0 {
			return fmt.Errorf("spacing along axis %d must be positive, got %g", i, s)
		}
	}
	return nil
}

// CloneGeometry returns a zero-filled image on the same grid.
func (im *Image) CloneGeometry() *Image {
	return &Image{
		Size:      append([]int(nil), im.Size...),
		Spacing:   append([]float64(nil), im.Spacing...),
		Origin:    append([]float64(nil), im.Origin...),
		Direction: append([]float64(nil), im.Direction...),
		PixelType: im.PixelType,
		Data:      make([]float64, len(im.Data)),
	}
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := im.CloneGeometry()
	copy(out.Data, im.Data)
	return out
}

// SameGeometry reports whether o lies on the same voxel grid within tol.
func (im *Image) SameGeometry(o *Image, tol float64) bool {
	if len(im.Size) != len(o.Size) {
		return false
	}
	for i := range im.Size {
		if im.Size[i] != o.Size[i] {
			return false
		}
	}
	return floats.EqualApprox(im.Spacing, o.Spacing, tol) &&
		floats.EqualApprox(im.Origin, o.Origin, tol) &&
		floats.EqualApprox(im.Direction, o.Direction, tol)
}

// Subtract returns im - o voxelwise. Both images must share a grid.
func (im *Image) Subtract(o *Image) (*Image, error) {
	if !im.SameGeometry(o, 1e-6) {
		return nil, ErrGeometryMismatch
	}
	out := im.CloneGeometry()
	out.PixelType = PixelFloat
	floats.SubTo(out.Data, im.Data, o.Data)
	return out, nil
}

// Range returns the minimum and maximum voxel values.
func (im *Image) Range() (min, max float64) {
	if len(im.Data) == 0 {
		return 0, 0
	}
	return floats.Min(im.Data), floats.Max(im.Data)
}

// Geometry maps between continuous voxel indices and physical points.
type Geometry struct {
	dim         int
	origin      []float64
	indexToPhys []float64
	physToIndex []float64
}

// Geometry builds the index/physical mapping origin + D*diag(spacing)*idx.
func (im *Image) Geometry() (*Geometry, error) {
	dim := im.Dimension()
	m := mat.NewDense(dim, dim, nil)
	for r := 0; r < dim; r++ {
		for c := 0; c < dim; c++ {
			m.Set(r, c, im.Direction[r*dim+c]*im.Spacing[c])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("image direction is singular: %w", err)
	}
	g := &Geometry{
		dim:         dim,
		origin:      append([]float64(nil), im.Origin...),
		indexToPhys: make([]float64, dim*dim),
		physToIndex: make([]float64, dim*dim),
	}
	for r := 0; r < dim; r++ {
		for c := 0; c < dim; c++ {
			g.indexToPhys[r*dim+c] = m.At(r, c)
			g.physToIndex[r*dim+c] = inv.At(r, c)
		}
	}
	return g, nil
}

// ToPhysical maps a continuous index to a physical point.
func (g *Geometry) ToPhysical(idx, out []float64) {
	for r := 0; r < g.dim; r++ {
		v := g.origin[r]
		row := g.indexToPhys[r*g.dim : (r+1)*g.dim]
		for c, x := range idx[:g.dim] {
			v += row[c] * x
		}
		out[r] = v
	}
}

// ToIndex maps a physical point to a continuous index.
func (g *Geometry) ToIndex(p, out []float64) {
	for r := 0; r < g.dim; r++ {
		v := 0.0
		row := g.physToIndex[r*g.dim : (r+1)*g.dim]
		for c := 0; c < g.dim; c++ {
			v += row[c] * (p[c] - g.origin[c])
		}
		out[r] = v
	}
}

// Center returns the physical position of the geometric grid centre.
func (im *Image) Center() ([]float64, error) {
	g, err := im.Geometry()
	if err != nil {
		return nil, err
	}
	dim := im.Dimension()
	idx := make([]float64, dim)
	for i, s := range im.Size {
		idx[i] = float64(s-1) / 2
	}
	out := make([]float64, dim)
	g.ToPhysical(idx, out)
	return out, nil
}

// Finite reports whether every voxel value is finite.
func (im *Image) Finite() bool {
	for _, v := range im.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

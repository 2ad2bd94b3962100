// Package visualization renders quicklook pictures of images and asymmetry
// maps.
package visualization

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/anthonynsimon/bild/imgio"

	"mrireflect/internal/models"
	"mrireflect/pkg/imageio"
)

// Viewer extracts 2D planes from a 2D, 3D or 4D image.
type Viewer struct {
	img *models.Image

	// lo and hi is the intensity window mapped to black and white
	lo, hi float64

	// timePoint selects the volume of a 4D image
	timePoint int
}

// NewViewer creates a viewer windowed to the full intensity range of img.
func NewViewer(img *models.Image) (*Viewer, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	lo, hi := img.Range()
	return &Viewer{img: img, lo: lo, hi: hi}, nil
}

// SetWindow changes the intensity window.
func (v *Viewer) SetWindow(lo, hi float64) error {
	if hi <= lo {
		return fmt.Errorf("window upper bound %g must exceed lower bound %g", hi, lo)
	}
	v.lo, v.hi = lo, hi
	return nil
}

// SetTimePoint selects the volume shown from a 4D image.
func (v *Viewer) SetTimePoint(t int) error {
	if v.img.Dimension() != 4 {
		return fmt.Errorf("time points need a 4D image, got %dD", v.img.Dimension())
	}
	if t < 0 || t >= v.img.Size[3] {
		return fmt.Errorf("time point %d out of range [0, %d)", t, v.img.Size[3])
	}
	v.timePoint = t
	return nil
}

// planeAxes returns the in-plane axes (columns, rows) and the axis the
// position indexes.
func planeAxes(axis string) (int, int, int, error) {
	switch axis {
	case "x", "X":
		return 1, 2, 0, nil
	case "y", "Y":
		return 0, 2, 1, nil
	case "z", "Z":
		return 0, 1, 2, nil
	}
	return 0, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// NumSlices returns how many planes lie along axis.
func (v *Viewer) NumSlices(axis string) (int, error) {
	_, _, through, err := planeAxes(axis)
	if err != nil {
		return 0, err
	}
	if through >= v.img.Dimension() {
		return 1, nil
	}
	return v.img.Size[through], nil
}

// MidSlice returns the position of the central plane along axis.
func (v *Viewer) MidSlice(axis string) (int, error) {
	n, err := v.NumSlices(axis)
	if err != nil {
		return 0, err
	}
	return n / 2, nil
}

// ExtractPlane copies one plane into a 2D image. A 2D image has a single
// z plane.
func (v *Viewer) ExtractPlane(axis string, position int) (*models.Image, error) {
	cols, rows, through, err := planeAxes(axis)
	if err != nil {
		return nil, err
	}
	n, _ := v.NumSlices(axis)
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d out of range [0, %d) along %s", position, n, axis)
	}
	dim := v.img.Dimension()
	if dim == 2 && axis != "z" && axis != "Z" {
		return nil, fmt.Errorf("a 2D image only has a z plane")
	}

	w, h := v.img.Size[cols], v.img.Size[rows]
	plane, err := models.NewImage([]int{w, h}, v.img.PixelType)
	if err != nil {
		return nil, err
	}
	plane.Spacing = []float64{v.img.Spacing[cols], v.img.Spacing[rows]}

	idx := make([]int, dim)
	if through < dim {
		idx[through] = position
	}
	if dim == 4 {
		idx[3] = v.timePoint
	}
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			idx[cols], idx[rows] = c, r
			plane.Set(v.img.At(idx...), c, r)
		}
	}
	return plane, nil
}

// ExtractSlice renders one plane as a 16 bit grayscale picture.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	plane, err := v.ExtractPlane(axis, position)
	if err != nil {
		return nil, err
	}
	lo, hi := v.lo, v.hi
	if hi <= lo {
		// flat image; keep it black rather than stretching
		hi = lo + 1
	}
	return imageio.ToGray16(plane, lo, hi)
}

// SaveSlice saves a picture as PNG.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	if err := imgio.Save(filename, img, imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("failed to save slice: %w", err)
	}
	return nil
}

// SaveSliceSequence extracts and saves every plane along axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	n, err := v.NumSlices(axis)
	if err != nil {
		return err
	}
	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

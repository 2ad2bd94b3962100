package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"mrireflect/internal/models"
)

// Endpoints of the diverging map. Blends run through CIE-Lab so equal
// steps in value look like equal steps in colour.
var (
	coldColor    = colorful.Color{R: 0.23, G: 0.30, B: 0.75}
	neutralColor = colorful.Color{R: 1, G: 1, B: 1}
	hotColor     = colorful.Color{R: 0.71, G: 0.02, B: 0.15}
)

// DivergingColor maps t in [-1, 1] to blue, white and red.
func DivergingColor(t float64) color.NRGBA {
	t = math.Max(-1, math.Min(1, t))
	var c colorful.Color
	if t < 0 {
		c = neutralColor.BlendLab(coldColor, -t)
	} else {
		c = neutralColor.BlendLab(hotColor, t)
	}
	r, g, b := c.Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// Heatmap renders a signed 2D image. Values of magnitude limit or more take
// the end colours; limit <= 0 uses the largest magnitude in the plane.
func Heatmap(plane *models.Image, limit float64) (*image.NRGBA, error) {
	if plane.Dimension() != 2 {
		return nil, fmt.Errorf("cannot render a %dD image as a heatmap", plane.Dimension())
	}
	if limit <= 0 {
		lo, hi := plane.Range()
		limit = math.Max(math.Abs(lo), math.Abs(hi))
	}
	w, h := plane.Size[0], plane.Size[1]
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			t := 0.0
			if limit > 0 {
				t = plane.At(x, y) / limit
			}
			out.SetNRGBA(x, y, DivergingColor(t))
		}
	}
	return out, nil
}

// SaveHeatmapSlice renders one plane of a signed map and saves it as PNG.
func (v *Viewer) SaveHeatmapSlice(axis string, position int, limit float64, filename string) error {
	plane, err := v.ExtractPlane(axis, position)
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = math.Max(math.Abs(v.lo), math.Abs(v.hi))
	}
	img, err := Heatmap(plane, limit)
	if err != nil {
		return err
	}
	return v.SaveSlice(img, filename)
}

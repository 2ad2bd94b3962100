package imageio

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/disintegration/imaging"

	"mrireflect/internal/models"
)

// ReadRaster loads a PNG, JPEG or GIF file as a 2D unsigned char image of
// its luminance. Row 0 is the top of the picture.
func ReadRaster(path string) (*models.Image, error) {
	src, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return FromImage(src)
}

// FromImage converts any image.Image to a 2D luminance image.
func FromImage(src image.Image) (*models.Image, error) {
	gray := imaging.Grayscale(src)
	b := gray.Bounds()
	img, err := models.NewImage([]int{b.Dx(), b.Dy()}, models.PixelUChar)
	if err != nil {
		return nil, err
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			img.Set(float64(gray.NRGBAAt(b.Min.X+x, b.Min.Y+y).R), x, y)
		}
	}
	return img, nil
}

// ToGray16 renders a 2D image to 16 bit grayscale. Values are mapped
// linearly from [lo, hi] to the full range; lo == hi picks the data range.
func ToGray16(img *models.Image, lo, hi float64) (*image.Gray16, error) {
	if img.Dimension() != 2 {
		return nil, fmt.Errorf("cannot render a %dD image as a picture", img.Dimension())
	}
	if lo == hi {
		lo, hi = img.Range()
	}
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}
	w, h := img.Size[0], img.Size[1]
	out := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := (img.At(x, y) - lo) * scale
			out.SetGray16(x, y, color.Gray16{Y: uint16(math.Max(0, math.Min(65535, math.Round(v))))})
		}
	}
	return out, nil
}

// WriteRaster saves a 2D image as PNG. Unsigned char images keep their
// values; others are stretched over their intensity range.
func WriteRaster(path string, img *models.Image) error {
	var out image.Image
	if img.PixelType == models.PixelUChar {
		g, err := ToGray16(img, 0, 255)
		if err != nil {
			return err
		}
		out = g
	} else {
		g, err := ToGray16(img, 0, 0)
		if err != nil {
			return err
		}
		out = g
	}
	if err := imgio.Save(path, out, imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	return nil
}

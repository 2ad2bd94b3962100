package resample

import (
	"math"

	"mrireflect/internal/models"
)

// Shrink block-averages img by factor along every axis. Axes shorter than
// factor collapse to a single voxel. The physical extent is preserved.
func Shrink(img *models.Image, factor int) *models.Image {
	if factor <= 1 {
		return img.Clone()
	}
	dim := img.Dimension()
	f := make([]int, dim)
	size := make([]int, dim)
	for i, s := range img.Size {
		f[i] = factor
		if s < factor {
			f[i] = s
		}
		size[i] = s / f[i]
	}

	out, _ := models.NewImage(size, img.PixelType)
	copy(out.Direction, img.Direction)
	for i := range out.Spacing {
		out.Spacing[i] = img.Spacing[i] * float64(f[i])
	}
	// New voxel centres sit at the centre of each source block.
	g, _ := img.Geometry()
	firstCentre := make([]float64, dim)
	for i := range firstCentre {
		firstCentre[i] = float64(f[i]-1) / 2
	}
	if g != nil {
		g.ToPhysical(firstCentre, out.Origin)
	}

	counts := make([]float64, len(out.Data))
	idx := make([]int, dim)
	dst := make([]int, dim)
	for off, v := range img.Data {
		img.IndexOf(off, idx)
		inside := true
		for i := range idx {
			dst[i] = idx[i] / f[i]
			if dst[i] >= size[i] {
				inside = false
				break
			}
		}
		if !inside {
			continue
		}
		o := out.Offset(dst)
		out.Data[o] += v
		counts[o]++
	}
	for i, c := range counts {
		if c > 0 {
			out.Data[i] /= c
		}
	}
	return out
}

// Smooth applies a separable Gaussian with sigma given in voxels. Borders are
// handled by clamping to the nearest edge voxel.
func Smooth(img *models.Image, sigma float64) *models.Image {
	out := img.Clone()
	if sigma <= 0 {
		return out
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := make([]float64, len(out.Data))
	stride := 1
	for _, n := range img.Size {
		if n > 1 {
			convolveAxis(out.Data, tmp, n, stride, kernel)
			out.Data, tmp = tmp, out.Data
		}
		stride *= n
	}
	return out
}

// convolveAxis convolves every line of length n with the given stride.
func convolveAxis(src, dst []float64, n, stride int, kernel []float64) {
	radius := len(kernel) / 2
	block := n * stride
	for base := 0; base < len(src); base += block {
		for inner := 0; inner < stride; inner++ {
			start := base + inner
			for i := 0; i < n; i++ {
				v := 0.0
				for k, w := range kernel {
					j := i + k - radius
					if j < 0 {
						j = 0
					} else if j >= n {
						j = n - 1
					}
					v += w * src[start+j*stride]
				}
				dst[start+i*stride] = v
			}
		}
	}
}

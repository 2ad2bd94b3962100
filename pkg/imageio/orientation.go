package imageio

import (
	"math"

	"mrireflect/internal/models"
)

// NIfTI stores RAS+ coordinates; images are held in LPS+ like ITK. The
// conversion negates the first two physical axes.
var rasToLPS = [3]float64{-1, -1, 1}

// headerToGeometry fills spacing, origin and direction from the header,
// preferring the sform over the qform.
func headerToGeometry(h *niftiHeader, img *models.Image) error {
	var m [3][3]float64
	var o [3]float64
	switch {
	case h.SformCode > 0:
		rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				m[r][c] = float64(rows[r][c])
			}
			o[r] = float64(rows[r][3])
		}
	case h.QformCode > 0:
		rot := quaternToMatrix(float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD))
		qfac := float64(h.Pixdim[0])
		if qfac == 0 {
			qfac = 1
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				v := rot[r][c] * math.Abs(float64(h.Pixdim[c+1]))
				if c == 2 {
					v *= qfac
				}
				m[r][c] = v
			}
		}
		o = [3]float64{float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)}
	default:
		for i := 0; i < 3; i++ {
			m[i][i] = math.Abs(float64(h.Pixdim[i+1]))
			if m[i][i] == 0 {
				m[i][i] = 1
			}
		}
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r][c] *= rasToLPS[r]
		}
		o[r] *= rasToLPS[r]
	}

	dim := img.Dimension()
	spatial := dim
	if spatial > 3 {
		spatial = 3
	}
	for c := 0; c < spatial; c++ {
		n := math.Sqrt(m[0][c]*m[0][c] + m[1][c]*m[1][c] + m[2][c]*m[2][c])
		if n == 0 {
			n = 1
			m[c][c] = 1
		}
		img.Spacing[c] = n
		img.Origin[c] = o[c]
		for r := 0; r < spatial; r++ {
			img.Direction[r*dim+c] = m[r][c] / n
		}
	}
	if dim == 4 {
		img.Spacing[3] = math.Abs(float64(h.Pixdim[4]))
		if img.Spacing[3] == 0 {
			img.Spacing[3] = 1
		}
		img.Origin[3] = float64(h.Toffset)
		img.Direction[15] = 1
	}
	// A 2D cut of an oblique frame can be singular; fall back to identity.
	if _, err := img.Geometry(); err != nil {
		for i := range img.Direction {
			img.Direction[i] = 0
		}
		for i := 0; i < dim; i++ {
			img.Direction[i*dim+i] = 1
		}
	}
	return nil
}

// geometryToHeader writes pixdim, sform and qform for img.
func geometryToHeader(img *models.Image, h *niftiHeader) {
	dim := img.Dimension()
	spatial := dim
	if spatial > 3 {
		spatial = 3
	}
	var m [3][3]float64
	var o [3]float64
	for i := 0; i < 3; i++ {
		m[i][i] = 1
	}
	for r := 0; r < spatial; r++ {
		for c := 0; c < spatial; c++ {
			m[r][c] = img.Direction[r*dim+c] * img.Spacing[c]
		}
		o[r] = img.Origin[r]
	}
	if dim == 4 {
		h.Toffset = float32(img.Origin[3])
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r][c] *= rasToLPS[r]
		}
		o[r] *= rasToLPS[r]
	}

	h.SformCode = 1
	rows := [3]*[4]float32{&h.SrowX, &h.SrowY, &h.SrowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = float32(m[r][c])
		}
		rows[r][3] = float32(o[r])
	}

	// qform from the normalised columns
	var rot [3][3]float64
	for c := 0; c < 3; c++ {
		n := math.Sqrt(m[0][c]*m[0][c] + m[1][c]*m[1][c] + m[2][c]*m[2][c])
		for r := 0; r < 3; r++ {
			rot[r][c] = m[r][c] / n
		}
	}
	qfac := 1.0
	if det3(rot) < 0 {
		qfac = -1
		for r := 0; r < 3; r++ {
			rot[r][2] = -rot[r][2]
		}
	}
	b, c, d := matrixToQuatern(rot)
	h.QformCode = 1
	h.Pixdim[0] = float32(qfac)
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = float32(o[0]), float32(o[1]), float32(o[2])
}

func det3(m [3][3]float64) float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

func quaternToMatrix(b, c, d float64) [3][3]float64 {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	return [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
}

func matrixToQuatern(r [3][3]float64) (b, c, d float64) {
	var a float64
	trace := r[0][0] + r[1][1] + r[2][2] + 1
	if trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r[2][1] - r[1][2]) / a
		c = 0.25 * (r[0][2] - r[2][0]) / a
		d = 0.25 * (r[1][0] - r[0][1]) / a
	} else {
		xd := 1 + r[0][0] - (r[1][1] + r[2][2])
		yd := 1 + r[1][1] - (r[0][0] + r[2][2])
		zd := 1 + r[2][2] - (r[0][0] + r[1][1])
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r[0][1] + r[1][0]) / b
			d = 0.25 * (r[0][2] + r[2][0]) / b
			a = 0.25 * (r[2][1] - r[1][2]) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r[0][1] + r[1][0]) / c
			d = 0.25 * (r[1][2] + r[2][1]) / c
			a = 0.25 * (r[0][2] - r[2][0]) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r[0][2] + r[2][0]) / d
			c = 0.25 * (r[1][2] + r[2][1]) / d
			a = 0.25 * (r[1][0] - r[0][1]) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d
}

// Package metrics provides the image similarity measures used to drive
// registration and to summarise how asymmetric an image is.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Report holds the quality metrics computed between an image and its
// aligned mirror.
type Report struct {
	// MI is the Gaussian approximation of mutual information
	MI float64 `yaml:"mi" json:"mi"`

	// EntropyDiff is the absolute difference of the Shannon entropies
	EntropyDiff float64 `yaml:"entropyDiff" json:"entropyDiff"`

	// RMSE is the root mean square intensity difference
	RMSE float64 `yaml:"rmse" json:"rmse"`

	// SSIM is the global structural similarity index in [-1, 1]
	SSIM float64 `yaml:"ssim" json:"ssim"`

	// Correlation is the Pearson correlation coefficient
	Correlation float64 `yaml:"correlation" json:"correlation"`

	// MeanAbsDiff is the mean absolute voxel difference
	MeanAbsDiff float64 `yaml:"meanAbsDiff" json:"meanAbsDiff"`
}

// Compare computes every Report field for two equally sized samples.
func Compare(original, mirrored []float64) Report {
	return Report{
		MI:          MutualInformation(original, mirrored),
		EntropyDiff: EntropyDifference(original, mirrored),
		RMSE:        RMSE(original, mirrored),
		SSIM:        SSIM(original, mirrored),
		Correlation: Correlation(original, mirrored),
		MeanAbsDiff: MeanAbsDiff(original, mirrored),
	}
}

// MutualInformation approximates MI assuming jointly Gaussian intensities:
// -0.5 * log(1 - rho^2). rho^2 is capped just below 1 so identical samples
// give a large finite value.
func MutualInformation(a, b []float64) float64 {
	const maxRho2 = 1 - 1e-12

	n := len(a)
	if n != len(b) || n < 2 {
		return 0
	}
	varA := stat.Variance(a, nil)
	varB := stat.Variance(b, nil)
	if varA <= 0 || varB <= 0 {
		return 0
	}
	cov := stat.Covariance(a, b, nil)
	rho2 := math.Min(cov*cov/(varA*varB), maxRho2)
	return -0.5 * math.Log(1-rho2)
}

// RMSE computes the root mean square error.
func RMSE(a, b []float64) float64 {
	n := len(a)
	if n != len(b) || n == 0 {
		return 0
	}
	return floats.Distance(a, b, 2) / math.Sqrt(float64(n))
}

// MeanAbsDiff computes the mean absolute difference.
func MeanAbsDiff(a, b []float64) float64 {
	n := len(a)
	if n != len(b) || n == 0 {
		return 0
	}
	return floats.Distance(a, b, 1) / float64(n)
}

// SSIM computes a single-window structural similarity index. The dynamic
// range is taken from the joint intensity range of both samples.
func SSIM(a, b []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	n := len(a)
	if n != len(b) || n < 2 {
		return 0
	}
	lo := math.Min(floats.Min(a), floats.Min(b))
	hi := math.Max(floats.Max(a), floats.Max(b))
	l := hi - lo
	if l == 0 {
		l = 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	muX := stat.Mean(a, nil)
	muY := stat.Mean(b, nil)
	sigmaX := stat.Variance(a, nil)
	sigmaY := stat.Variance(b, nil)
	sigmaXY := stat.Covariance(a, b, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// Correlation returns the Pearson correlation, or 0 when either sample is
// constant.
func Correlation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	c := stat.Correlation(a, b, nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

// EntropyDifference returns |H(a) - H(b)|.
func EntropyDifference(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return math.Abs(Entropy(a) - Entropy(b))
}

// Entropy computes the Shannon entropy in bits over a 256 bin histogram.
func Entropy(data []float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0
	}

	const numBins = 256
	hist := make([]float64, numBins)
	binWidth := (hi - lo) / numBins
	for _, v := range data {
		hist[clampBin(int((v-lo)/binWidth), numBins)]++
	}

	entropy := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / float64(n)
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

func clampBin(b, n int) int {
	if b >= n {
		return n - 1
	}
	if b < 0 {
		return 0
	}
	return b
}

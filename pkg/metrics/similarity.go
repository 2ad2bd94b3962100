package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrUnknownMetric is returned by Lookup for names with no implementation.
var ErrUnknownMetric = errors.New("unknown similarity metric")

// DefaultMetric is the metric used when none is requested.
const DefaultMetric = "mattes"

// Cost scores the alignment of paired fixed and moving samples. Lower is
// better for every Cost returned by Lookup.
type Cost func(fixed, moving []float64) float64

// Options tune the histogram based metrics.
type Options struct {
	// Bins is the number of histogram bins per image for mattes
	Bins int
}

// Lookup returns the cost function for name. Names are matched case
// insensitively: mattes, meansquares, gc (alias correlation).
func Lookup(name string, opts Options) (Cost, error) {
	bins := opts.Bins
	if bins <= 0 {
		bins = 32
	}
	switch strings.ToLower(name) {
	case "mattes", "mi":
		return func(f, m []float64) float64 { return -MattesMI(f, m, bins) }, nil
	case "meansquares", "msq":
		return MeanSquares, nil
	case "gc", "correlation":
		return func(f, m []float64) float64 { return -Correlation(f, m) }, nil
	}
	return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownMetric, name, strings.Join(Names(), ", "))
}

// Names lists the canonical metric names.
func Names() []string {
	names := []string{"mattes", "meansquares", "gc"}
	sort.Strings(names)
	return names
}

// MeanSquares returns the mean squared intensity difference.
func MeanSquares(fixed, moving []float64) float64 {
	n := len(fixed)
	if n != len(moving) || n == 0 {
		return math.Inf(1)
	}
	d := floats.Distance(fixed, moving, 2)
	return d * d / float64(n)
}

// MattesMI estimates mutual information in nats from a joint histogram.
// Fixed samples are assigned to one bin; moving samples are split linearly
// between the two nearest bins so the estimate varies smoothly with small
// changes of the moving intensities.
func MattesMI(fixed, moving []float64, bins int) float64 {
	n := len(fixed)
	if n != len(moving) || n == 0 || bins < 2 {
		return 0
	}
	fLo, fHi := floats.Min(fixed), floats.Max(fixed)
	mLo, mHi := floats.Min(moving), floats.Max(moving)
	if fHi <= fLo || mHi <= mLo {
		return 0
	}
	fScale := float64(bins-1) / (fHi - fLo)
	mScale := float64(bins-1) / (mHi - mLo)

	joint := make([]float64, bins*bins)
	for i := range fixed {
		fb := clampBin(int(math.Round((fixed[i]-fLo)*fScale)), bins)
		mPos := (moving[i] - mLo) * mScale
		m0 := clampBin(int(math.Floor(mPos)), bins)
		w1 := mPos - float64(m0)
		if m0 == bins-1 {
			w1 = 0
		}
		joint[fb*bins+m0] += 1 - w1
		if w1 > 0 {
			joint[fb*bins+m0+1] += w1
		}
	}

	pf := make([]float64, bins)
	pm := make([]float64, bins)
	total := floats.Sum(joint)
	floats.Scale(1/total, joint)
	for f := 0; f < bins; f++ {
		for m := 0; m < bins; m++ {
			p := joint[f*bins+m]
			pf[f] += p
			pm[m] += p
		}
	}

	mi := 0.0
	for f := 0; f < bins; f++ {
		for m := 0; m < bins; m++ {
			p := joint[f*bins+m]
			if p > 0 {
				mi += p * math.Log(p/(pf[f]*pm[m]))
			}
		}
	}
	return mi
}

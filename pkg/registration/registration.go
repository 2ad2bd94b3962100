// Package registration implements a multi-resolution intensity based linear
// registration on top of gonum's Nelder-Mead optimizer.
package registration

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/optimize"

	"mrireflect/internal/models"
	"mrireflect/pkg/config"
	"mrireflect/pkg/logging"
	"mrireflect/pkg/metrics"
	"mrireflect/pkg/resample"
	"mrireflect/pkg/transform"
)

// outsidePenalty is the cost reported when too few samples land inside the
// moving image.
const outsidePenalty = 1e10

// minSamples is the smallest sample count a level is optimised with.
const minSamples = 16

// Options configure Register.
type Options struct {
	// TransformType names the family, e.g. Rigid or Affine
	TransformType string

	// Metric is the similarity metric name
	Metric string

	// Bins is the mattes histogram size
	Bins int

	// Iterations, ShrinkFactors and SmoothingSigmas describe one entry per level
	Iterations      []int
	ShrinkFactors   []int
	SmoothingSigmas []float64

	// SamplingPercentage is the fraction of fixed voxels evaluated per cost call
	SamplingPercentage float64

	// Seed fixes the sample selection
	Seed int64

	// Initial maps fixed points to moving points before the estimated transform
	Initial *transform.Affine

	// Resample configures the final warps
	Resample resample.Options

	Logger log.FieldLogger
}

// OptionsFromConfig fills the schedule and resampling fields from cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	interp, err := resample.ParseInterpolator(cfg.Resample.Interpolator)
	if err != nil {
		return Options{}, err
	}
	r := cfg.Registration
	return Options{
		Metric:             r.Metric,
		Bins:               r.Bins,
		Iterations:         append([]int(nil), r.Iterations...),
		ShrinkFactors:      append([]int(nil), r.ShrinkFactors...),
		SmoothingSigmas:    append([]float64(nil), r.SmoothingSigmas...),
		SamplingPercentage: r.SamplingPercentage,
		Seed:               r.Seed,
		Resample: resample.Options{
			Interpolator: interp,
			DefaultValue: cfg.Resample.DefaultValue,
			Workers:      cfg.Resample.Workers,
		},
	}, nil
}

// LevelReport summarises one resolution level of one stage.
type LevelReport struct {
	Stage       string
	Shrink      int
	Sigma       float64
	Samples     int
	Evaluations int
	Cost        float64
	Status      string
}

// Result is the outcome of Register.
type Result struct {
	// Forward maps fixed points to moving points, initial transform included
	Forward *transform.Affine

	// Inverse maps moving points to fixed points
	Inverse *transform.Affine

	// Linear is the estimated part only
	Linear *transform.Affine

	// WarpedMoving is the moving image on the fixed grid
	WarpedMoving *models.Image

	// WarpedFixed is the fixed image on the moving grid
	WarpedFixed *models.Image

	Levels []LevelReport
}

// Register aligns moving to fixed.
func Register(ctx context.Context, fixed, moving *models.Image, opts Options) (*Result, error) {
	stages, err := lookupFamily(opts.TransformType)
	if err != nil {
		return nil, err
	}
	metricName := opts.Metric
	if metricName == "" {
		metricName = metrics.DefaultMetric
	}
	cost, err := metrics.Lookup(metricName, metrics.Options{Bins: opts.Bins})
	if err != nil {
		return nil, err
	}
	if err := checkSchedule(opts); err != nil {
		return nil, err
	}
	for _, img := range []*models.Image{fixed, moving} {
		if err := img.Validate(); err != nil {
			return nil, err
		}
	}
	dim := fixed.Dimension()
	if moving.Dimension() != dim {
		return nil, fmt.Errorf("fixed image is %dD but moving image is %dD", dim, moving.Dimension())
	}
	initial := opts.Initial
	if initial == nil {
		initial = transform.NewIdentity(dim)
	}
	if initial.Dim != dim {
		return nil, fmt.Errorf("%dD initial transform for %dD images", initial.Dim, dim)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	center, err := fixed.Center()
	if err != nil {
		return nil, err
	}
	linear := transform.NewIdentity(dim)
	copy(linear.Center, center)

	rng := rand.New(rand.NewSource(opts.Seed))
	var reports []LevelReport
	for _, st := range stages {
		for li := range opts.Iterations {
			shrink := opts.ShrinkFactors[li]
			sigma := opts.SmoothingSigmas[li]
			iters := int(math.Ceil(float64(opts.Iterations[li]) * st.iterScale))
			if iters <= 0 {
				continue
			}

			fl := resample.Shrink(resample.Smooth(fixed, sigma), shrink)
			ml := resample.Shrink(resample.Smooth(moving, sigma), shrink)
			pct := opts.SamplingPercentage
			if st.dense {
				pct = 1
			}
			lv, err := newLevel(fl, ml, pct, rng)
			if err != nil {
				return nil, err
			}
			if len(lv.fixedValues) < minSamples {
				logger.WithFields(log.Fields{"stage": st.kind, "shrink": shrink}).Debug("skipping level with too few voxels")
				continue
			}

			p := parameterization{kind: st.kind, dim: dim, center: center, tUnit: meanSpacing(fl)}
			next, rep, err := optimizeLevel(ctx, lv, p, initial, linear, cost, iters)
			if err != nil {
				return nil, err
			}
			linear = next
			rep.Stage = st.kind.String()
			rep.Shrink = shrink
			rep.Sigma = sigma
			reports = append(reports, rep)
			logger.WithFields(log.Fields{
				"stage":  rep.Stage,
				"shrink": shrink,
				"sigma":  sigma,
				"evals":  rep.Evaluations,
				"cost":   rep.Cost,
			}).Debug("registration level done")
		}
	}

	forward, err := transform.Compose(initial, linear)
	if err != nil {
		return nil, err
	}
	inverse, err := forward.Inverse()
	if err != nil {
		return nil, err
	}
	warpedMoving, err := resample.ApplyTransforms(ctx, fixed, moving, []*transform.Affine{forward}, opts.Resample)
	if err != nil {
		return nil, fmt.Errorf("failed to warp moving image: %w", err)
	}
	warpedFixed, err := resample.ApplyTransforms(ctx, moving, fixed, []*transform.Affine{inverse}, opts.Resample)
	if err != nil {
		return nil, fmt.Errorf("failed to warp fixed image: %w", err)
	}

	return &Result{
		Forward:      forward,
		Inverse:      inverse,
		Linear:       linear,
		WarpedMoving: warpedMoving,
		WarpedFixed:  warpedFixed,
		Levels:       reports,
	}, nil
}

func checkSchedule(opts Options) error {
	n := len(opts.Iterations)
	if n == 0 {
		return fmt.Errorf("registration schedule has no levels")
	}
	if len(opts.ShrinkFactors) != n || len(opts.SmoothingSigmas) != n {
		return fmt.Errorf("registration schedule mismatch: %d iteration levels, %d shrink factors, %d smoothing sigmas",
			n, len(opts.ShrinkFactors), len(opts.SmoothingSigmas))
	}
	if opts.SamplingPercentage <= 0 || opts.SamplingPercentage > 1 {
		return fmt.Errorf("sampling percentage must be in (0, 1], got %g", opts.SamplingPercentage)
	}
	return nil
}

func meanSpacing(img *models.Image) float64 {
	s := 0.0
	for _, v := range img.Spacing {
		s += v
	}
	return s / float64(len(img.Spacing))
}

// level holds the fixed samples and moving image of one resolution level.
type level struct {
	moving      *models.Image
	movingGeom  *models.Geometry
	points      [][]float64
	fixedValues []float64
}

func newLevel(fixed, moving *models.Image, pct float64, rng *rand.Rand) (*level, error) {
	fg, err := fixed.Geometry()
	if err != nil {
		return nil, err
	}
	mg, err := moving.Geometry()
	if err != nil {
		return nil, err
	}

	n := fixed.NumVoxels()
	want := int(math.Ceil(float64(n) * pct))
	if want < 64 {
		want = 64
	}
	offsets := rng.Perm(n)
	if want < n {
		offsets = offsets[:want]
	}

	dim := fixed.Dimension()
	lv := &level{moving: moving, movingGeom: mg}
	idx := make([]int, dim)
	cidx := make([]float64, dim)
	for _, off := range offsets {
		fixed.IndexOf(off, idx)
		for i, x := range idx {
			cidx[i] = float64(x)
		}
		p := make([]float64, dim)
		fg.ToPhysical(cidx, p)
		lv.points = append(lv.points, p)
		lv.fixedValues = append(lv.fixedValues, fixed.Data[off])
	}
	return lv, nil
}

// evaluate scores t over the level's samples.
func (lv *level) evaluate(t *transform.Affine, cost metrics.Cost, fbuf, mbuf []float64) float64 {
	dim := lv.moving.Dimension()
	q := make([]float64, dim)
	ci := make([]float64, dim)
	fbuf, mbuf = fbuf[:0], mbuf[:0]
	for i, p := range lv.points {
		t.TransformPoint(p, q)
		lv.movingGeom.ToIndex(q, ci)
		v := resample.Sample(lv.moving, ci, resample.Linear, math.NaN())
		if math.IsNaN(v) {
			continue
		}
		fbuf = append(fbuf, lv.fixedValues[i])
		mbuf = append(mbuf, v)
	}
	if len(fbuf) < minSamples || len(fbuf) < len(lv.points)/10 {
		return outsidePenalty
	}
	return cost(fbuf, mbuf)
}

func optimizeLevel(ctx context.Context, lv *level, p parameterization, initial, linear *transform.Affine, cost metrics.Cost, iters int) (*transform.Affine, LevelReport, error) {
	// candidate returns the estimated linear part and the full fixed to
	// moving transform for parameters x.
	candidate := func(x []float64) (*transform.Affine, *transform.Affine, error) {
		l, err := transform.Compose(linear, p.transform(x))
		if err != nil {
			return nil, nil, err
		}
		full, err := transform.Compose(initial, l)
		if err != nil {
			return nil, nil, err
		}
		return l, full, fullCheck(full)
	}

	fbuf := make([]float64, 0, len(lv.points))
	mbuf := make([]float64, 0, len(lv.points))
	evals := 0
	f := func(x []float64) float64 {
		evals++
		if ctx.Err() != nil {
			return outsidePenalty
		}
		_, full, err := candidate(x)
		if err != nil {
			return outsidePenalty
		}
		return lv.evaluate(full, cost, fbuf, mbuf)
	}

	x0 := make([]float64, p.size())
	start := f(x0)
	problem := optimize.Problem{Func: f}
	settings := &optimize.Settings{
		MajorIterations: iters,
		FuncEvaluations: iters * (p.size() + 2),
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Relative:   1e-6,
			Iterations: 20,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{SimplexSize: 1})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, LevelReport{}, ctxErr
	}
	if result == nil {
		return nil, LevelReport{}, fmt.Errorf("optimizer failed: %w", err)
	}

	rep := LevelReport{Samples: len(lv.points), Evaluations: evals, Cost: start, Status: result.Status.String()}
	if result.F >= start || math.IsNaN(result.F) {
		return linear, rep, nil
	}
	l, _, err := candidate(result.X)
	if err != nil {
		return linear, rep, nil
	}
	rep.Cost = result.F
	return l, rep, nil
}

// fullCheck rejects transforms that collapse space.
func fullCheck(t *transform.Affine) error {
	det := t.Determinant()
	if math.IsNaN(det) || math.Abs(det) < 1e-3 {
		return fmt.Errorf("degenerate transform (det %g)", det)
	}
	return nil
}

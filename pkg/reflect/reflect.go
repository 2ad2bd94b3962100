// Package reflect mirrors an image across one of its axes, optionally
// registering the image to its own mirror to measure asymmetry.
package reflect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"mrireflect/internal/models"
	"mrireflect/pkg/engine"
	"mrireflect/pkg/logging"
	"mrireflect/pkg/metrics"
	"mrireflect/pkg/transform"
)

// DefaultAxis selects the last axis of the image.
const DefaultAxis = -1

// Options configure Reflect.
type Options struct {
	// Axis is the axis to mirror; DefaultAxis or any out-of-range value
	// means the last one
	Axis int

	// TransformType names the registration family; empty skips registration
	TransformType string

	// Metric is the registration similarity metric
	Metric string

	// Center selects the point the mirror plane passes through
	Center transform.CenterMode

	// OutputPrefix keeps the registration transform files under this prefix.
	// Without it they live in the scratch directory and are removed.
	OutputPrefix string

	// TempDir is the parent of the scratch directory; empty means os.TempDir
	TempDir string

	// Estimators overrides the default estimator registry
	Estimators *transform.Registry

	Logger log.FieldLogger
}

// DefaultOptions returns options for a plain reflection across the last axis.
func DefaultOptions() Options {
	return Options{
		Axis:   DefaultAxis,
		Metric: metrics.DefaultMetric,
		Center: transform.CenterMass,
	}
}

// Result is the outcome of Reflect. Exactly one of Image and Registration
// is set.
type Result struct {
	// Axis is the axis actually mirrored
	Axis int

	// Reflection is the mirror transform handed to the engine
	Reflection *transform.Affine

	// Image is the resampled mirror when no registration was requested
	Image *models.Image

	// Registration holds the engine outputs when a transform type was given
	Registration *engine.RegistrationResult
}

// Warped returns the mirrored image of either path.
func (r *Result) Warped() *models.Image {
	if r.Registration != nil {
		return r.Registration.WarpedMovOut
	}
	return r.Image
}

// ResolveAxis maps a requested axis onto [0, dim-1]. The second result
// reports whether the request was replaced by the last axis.
func ResolveAxis(axis, dim int) (int, bool) {
	if axis < 0 || axis >= dim {
		return dim - 1, true
	}
	return axis, false
}

// Reflect mirrors img across opts.Axis. With a transform type the mirror is
// used as the initial transform of a registration of img onto itself;
// otherwise img is resampled through the mirror alone. img is not modified
// and every scratch file is removed before Reflect returns.
func Reflect(ctx context.Context, eng engine.Engine, img *models.Image, opts Options) (*Result, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	dim := img.Dimension()
	axis, replaced := ResolveAxis(opts.Axis, dim)
	if replaced && opts.Axis != DefaultAxis {
		logger.WithFields(log.Fields{"axis": opts.Axis, "dim": dim}).Warnf("axis out of range, using axis %d", axis)
	}

	registry := opts.Estimators
	if registry == nil {
		registry = transform.DefaultRegistry()
	}
	estimate, err := registry.Lookup(transform.Key{PixelType: img.PixelType, Dim: dim})
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(opts.TempDir, "mrireflect-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	f, err := os.CreateTemp(scratch, "reflection-*.mat")
	if err != nil {
		return nil, fmt.Errorf("failed to create transform file: %w", err)
	}
	rflct := f.Name()
	f.Close()

	if err := estimate(img, axis, opts.Center, rflct); err != nil {
		return nil, fmt.Errorf("failed to estimate reflection: %w", err)
	}
	reflection, err := transform.ReadFile(rflct)
	if err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{
		"axis":   axis,
		"center": reflection.Center,
		"engine": eng.Name(),
	}).Debug("reflection estimated")

	res := &Result{Axis: axis, Reflection: reflection}
	if opts.TransformType != "" {
		metric := opts.Metric
		if metric == "" {
			metric = metrics.DefaultMetric
		}
		prefix := opts.OutputPrefix
		if prefix == "" {
			prefix = filepath.Join(scratch, "reg_")
		}
		reg, err := eng.Register(ctx, engine.RegistrationRequest{
			Fixed:            img,
			Moving:           img,
			TransformType:    opts.TransformType,
			Metric:           metric,
			OutPrefix:        prefix,
			InitialTransform: rflct,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register image to its mirror: %w", err)
		}
		if opts.OutputPrefix == "" {
			reg.FwdTransformPaths = nil
			reg.InvTransformPaths = nil
		}
		res.Registration = reg
		return res, nil
	}

	out, err := eng.ApplyTransforms(ctx, engine.ApplyRequest{
		Fixed:      img,
		Moving:     img,
		Transforms: []string{rflct},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resample through reflection: %w", err)
	}
	res.Image = out
	return res, nil
}

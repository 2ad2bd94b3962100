package engine

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"mrireflect/internal/models"
	"mrireflect/pkg/config"
	"mrireflect/pkg/logging"
	"mrireflect/pkg/registration"
	"mrireflect/pkg/resample"
	"mrireflect/pkg/transform"
)

// Builtin registers with pkg/registration and resamples with pkg/resample.
type Builtin struct {
	opts   registration.Options
	logger log.FieldLogger
}

// NewBuiltin returns a builtin engine using the schedule in cfg.
func NewBuiltin(cfg *config.Config, logger log.FieldLogger) (*Builtin, error) {
	opts, err := registration.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	opts.Logger = logger
	return &Builtin{opts: opts, logger: logger}, nil
}

// Name returns "builtin".
func (b *Builtin) Name() string { return "builtin" }

// Register runs a linear registration in process.
func (b *Builtin) Register(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error) {
	opts := b.opts
	opts.TransformType = req.TransformType
	if req.Metric != "" {
		opts.Metric = req.Metric
	}
	if req.InitialTransform != "" {
		initial, err := transform.ReadFile(req.InitialTransform)
		if err != nil {
			return nil, fmt.Errorf("failed to read initial transform: %w", err)
		}
		opts.Initial = initial
	}

	res, err := registration.Register(ctx, req.Fixed, req.Moving, opts)
	if err != nil {
		return nil, fmt.Errorf("builtin registration failed: %w", err)
	}
	out := &RegistrationResult{
		WarpedMovOut:  res.WarpedMoving,
		WarpedFixOut:  res.WarpedFixed,
		FwdTransforms: []*transform.Affine{res.Forward},
		InvTransforms: []*transform.Affine{res.Inverse},
	}
	if req.OutPrefix != "" {
		path := req.OutPrefix + "0GenericAffine.mat"
		if err := transform.WriteFile(path, res.Forward); err != nil {
			return nil, err
		}
		out.FwdTransformPaths = []string{path}
		out.InvTransformPaths = []string{path}
	}
	b.logger.WithFields(log.Fields{
		"type":   req.TransformType,
		"levels": len(res.Levels),
	}).Debug("builtin registration done")
	return out, nil
}

// ApplyTransforms resamples req.Moving onto req.Fixed in process.
func (b *Builtin) ApplyTransforms(ctx context.Context, req ApplyRequest) (*models.Image, error) {
	ts, err := readTransforms(req.Transforms)
	if err != nil {
		return nil, err
	}
	ropts := b.opts.Resample
	if req.Interpolator != "" {
		if ropts.Interpolator, err = resample.ParseInterpolator(req.Interpolator); err != nil {
			return nil, err
		}
	}
	out, err := resample.ApplyTransforms(ctx, req.Fixed, req.Moving, ts, ropts)
	if err != nil {
		return nil, fmt.Errorf("builtin resampling failed: %w", err)
	}
	return out, nil
}

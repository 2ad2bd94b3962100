// Package engine abstracts the registration and resampling tools behind
// reflection. The builtin engine runs in process; the ants engine drives
// the antsRegistration and antsApplyTransforms executables.
package engine

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"mrireflect/internal/models"
	"mrireflect/pkg/config"
	"mrireflect/pkg/transform"
)

// Engine registers and resamples images. Transforms are exchanged as ITK
// .mat files so that external tools can take part.
type Engine interface {
	Name() string
	Register(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error)
	ApplyTransforms(ctx context.Context, req ApplyRequest) (*models.Image, error)
}

// RegistrationRequest describes one linear registration.
type RegistrationRequest struct {
	Fixed  *models.Image
	Moving *models.Image

	// TransformType names the family, e.g. Rigid or Affine
	TransformType string

	// Metric is the similarity metric; empty uses the configured default
	Metric string

	// OutPrefix is where the forward transform is written as
	// <prefix>0GenericAffine.mat; empty writes nothing for builtin
	OutPrefix string

	// InitialTransform is a .mat path applied before the estimated transform
	InitialTransform string
}

// ApplyRequest describes one resampling of Moving onto the grid of Fixed.
type ApplyRequest struct {
	Fixed  *models.Image
	Moving *models.Image

	// Transforms are .mat paths; the last one is applied to the fixed point first
	Transforms []string

	// Interpolator overrides the configured one when set
	Interpolator string
}

// RegistrationResult is the output of Register.
type RegistrationResult struct {
	// WarpedMovOut is the moving image resampled onto the fixed grid
	WarpedMovOut *models.Image

	// WarpedFixOut is the fixed image resampled onto the moving grid
	WarpedFixOut *models.Image

	FwdTransforms []*transform.Affine
	InvTransforms []*transform.Affine

	// FwdTransformPaths and InvTransformPaths are set when the outputs were
	// written under a prefix. The affine in the inverse paths is the forward
	// file, applied inverted as antsApplyTransforms -t [f,1].
	FwdTransformPaths []string
	InvTransformPaths []string

	// HasWarp is set when a deformable stage produced a displacement field.
	// The field is listed in the transform paths as <prefix>1Warp.nii.gz and
	// <prefix>1InverseWarp.nii.gz, forward first and inverse last.
	HasWarp bool
}

// Get returns an output image by its ANTs result key.
func (r *RegistrationResult) Get(key string) (*models.Image, bool) {
	switch strings.ToLower(key) {
	case "warpedmovout":
		return r.WarpedMovOut, r.WarpedMovOut != nil
	case "warpedfixout":
		return r.WarpedFixOut, r.WarpedFixOut != nil
	}
	return nil, false
}

// Names lists the available engines.
func Names() []string {
	return []string{"builtin", "ants"}
}

// New builds the engine called name from cfg.
func New(name string, cfg *config.Config, logger log.FieldLogger) (Engine, error) {
	if name == "" {
		name = cfg.Engine.Name
	}
	switch strings.ToLower(name) {
	case "builtin", "":
		return NewBuiltin(cfg, logger)
	case "ants":
		return NewAnts(cfg, logger)
	}
	return nil, fmt.Errorf("unknown engine %q (available: %s)", name, strings.Join(Names(), ", "))
}

func readTransforms(paths []string) ([]*transform.Affine, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no transforms given")
	}
	out := make([]*transform.Affine, len(paths))
	for i, p := range paths {
		t, err := transform.ReadFile(p)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

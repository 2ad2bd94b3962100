package reflect

import (
	"context"
	"fmt"

	"mrireflect/internal/models"
	"mrireflect/pkg/engine"
	"mrireflect/pkg/metrics"
	"mrireflect/pkg/transform"
)

// DefaultAsymmetryTransform is the family used when Asymmetry is called
// without one.
const DefaultAsymmetryTransform = "Affine"

// AsymmetryReport describes how far an image is from its aligned mirror.
type AsymmetryReport struct {
	Axis int

	// Map is the aligned mirror minus the image
	Map *models.Image

	// Mirror is the aligned mirror
	Mirror *models.Image

	// Transform maps image points to mirror points, reflection included
	Transform *transform.Affine

	Quality metrics.Report
}

// Asymmetry registers img to its mirror and returns the difference map.
func Asymmetry(ctx context.Context, eng engine.Engine, img *models.Image, opts Options) (*AsymmetryReport, error) {
	if opts.TransformType == "" {
		opts.TransformType = DefaultAsymmetryTransform
	}
	res, err := Reflect(ctx, eng, img, opts)
	if err != nil {
		return nil, err
	}
	mirror, ok := res.Registration.Get("warpedmovout")
	if !ok {
		return nil, fmt.Errorf("%s engine returned no warped image", eng.Name())
	}
	diff, err := mirror.Subtract(img)
	if err != nil {
		return nil, fmt.Errorf("failed to build asymmetry map: %w", err)
	}
	report := &AsymmetryReport{
		Axis:    res.Axis,
		Map:     diff,
		Mirror:  mirror,
		Quality: metrics.Compare(img.Data, mirror.Data),
	}
	if len(res.Registration.FwdTransforms) > 0 {
		report.Transform = res.Registration.FwdTransforms[0]
	}
	return report, nil
}

package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"mrireflect/internal/models"
	"mrireflect/pkg/config"
	"mrireflect/pkg/imageio"
	"mrireflect/pkg/logging"
	"mrireflect/pkg/metrics"
	"mrireflect/pkg/registration"
	"mrireflect/pkg/resample"
	"mrireflect/pkg/transform"
)

const (
	antsRegistrationBin = "antsRegistration"
	antsApplyBin        = "antsApplyTransforms"
)

// Ants runs the ANTs command line tools. Images are handed over as NIfTI
// files in a scratch directory that is removed after each call.
type Ants struct {
	registrationPath string
	applyPath        string
	threads          int
	tempDir          string

	metric       string
	bins         int
	iterations   []int
	shrink       []int
	sigmas       []float64
	sampling     float64
	interpolator resample.Interpolator
	defaultValue float64

	logger log.FieldLogger
}

// NewAnts locates the ANTs executables, in cfg.Engine.AntsPath when set and
// on PATH otherwise.
func NewAnts(cfg *config.Config, logger log.FieldLogger) (*Ants, error) {
	interp, err := resample.ParseInterpolator(cfg.Resample.Interpolator)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	a := &Ants{
		threads:      cfg.Engine.Threads,
		tempDir:      cfg.Reflect.TempDir,
		metric:       cfg.Registration.Metric,
		bins:         cfg.Registration.Bins,
		iterations:   cfg.Registration.Iterations,
		shrink:       cfg.Registration.ShrinkFactors,
		sigmas:       cfg.Registration.SmoothingSigmas,
		sampling:     cfg.Registration.SamplingPercentage,
		interpolator: interp,
		defaultValue: cfg.Resample.DefaultValue,
		logger:       logger,
	}
	if a.registrationPath, err = findTool(cfg.Engine.AntsPath, antsRegistrationBin); err != nil {
		return nil, err
	}
	if a.applyPath, err = findTool(cfg.Engine.AntsPath, antsApplyBin); err != nil {
		return nil, err
	}
	return a, nil
}

func findTool(dir, name string) (string, error) {
	if dir != "" {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%s not found in %s: %w", name, dir, err)
		}
		return path, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found on PATH: %w", name, err)
	}
	return path, nil
}

// Name returns "ants".
func (a *Ants) Name() string { return "ants" }

// Register runs antsRegistration. Linear and SyN families are supported;
// for SyN families the displacement field is left under the prefix and
// only the affine part is returned in FwdTransforms.
func (a *Ants) Register(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error) {
	if req.Fixed.Dimension() != req.Moving.Dimension() {
		return nil, fmt.Errorf("fixed image is %dD but moving image is %dD", req.Fixed.Dimension(), req.Moving.Dimension())
	}
	dir, err := os.MkdirTemp(a.tempDir, "mrireflect-ants-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	fixedPath := filepath.Join(dir, "fixed.nii.gz")
	movingPath := filepath.Join(dir, "moving.nii.gz")
	if err := imageio.WriteNifti(fixedPath, req.Fixed); err != nil {
		return nil, err
	}
	if err := imageio.WriteNifti(movingPath, req.Moving); err != nil {
		return nil, err
	}
	prefix := req.OutPrefix
	if prefix == "" {
		prefix = filepath.Join(dir, "reg_")
	}

	args, err := a.registrationArgs(req.Fixed.Dimension(), fixedPath, movingPath, prefix, req)
	if err != nil {
		return nil, err
	}
	if err := a.run(ctx, a.registrationPath, args); err != nil {
		return nil, err
	}

	warpedMov, err := imageio.ReadNifti(prefix + "Warped.nii.gz")
	if err != nil {
		return nil, fmt.Errorf("failed to read antsRegistration output: %w", err)
	}
	warpedFix, err := imageio.ReadNifti(prefix + "InverseWarped.nii.gz")
	if err != nil {
		return nil, fmt.Errorf("failed to read antsRegistration output: %w", err)
	}
	affinePath := prefix + "0GenericAffine.mat"
	fwd, err := transform.ReadFile(affinePath)
	if err != nil {
		return nil, err
	}
	inv, err := fwd.Inverse()
	if err != nil {
		return nil, err
	}
	warpedMov.PixelType = req.Moving.PixelType
	warpedFix.PixelType = req.Fixed.PixelType

	warpPath := prefix + "1Warp.nii.gz"
	invWarpPath := prefix + "1InverseWarp.nii.gz"
	_, statErr := os.Stat(warpPath)
	hasWarp := statErr == nil

	out := &RegistrationResult{
		WarpedMovOut:  warpedMov,
		WarpedFixOut:  warpedFix,
		FwdTransforms: []*transform.Affine{fwd},
		InvTransforms: []*transform.Affine{inv},
		HasWarp:       hasWarp,
	}
	if req.OutPrefix != "" {
		out.FwdTransformPaths = []string{affinePath}
		out.InvTransformPaths = []string{affinePath}
		if hasWarp {
			out.FwdTransformPaths = []string{warpPath, affinePath}
			out.InvTransformPaths = []string{affinePath, invWarpPath}
		}
	}
	a.logger.WithFields(log.Fields{"transform": req.TransformType, "warp": hasWarp}).Debug("antsRegistration done")
	return out, nil
}

// ApplyTransforms runs antsApplyTransforms.
func (a *Ants) ApplyTransforms(ctx context.Context, req ApplyRequest) (*models.Image, error) {
	if len(req.Transforms) == 0 {
		return nil, fmt.Errorf("no transforms given")
	}
	interp := a.interpolator
	if req.Interpolator != "" {
		var err error
		if interp, err = resample.ParseInterpolator(req.Interpolator); err != nil {
			return nil, err
		}
	}
	dir, err := os.MkdirTemp(a.tempDir, "mrireflect-ants-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	refPath := filepath.Join(dir, "reference.nii.gz")
	inPath := filepath.Join(dir, "input.nii.gz")
	outPath := filepath.Join(dir, "output.nii.gz")
	if err := imageio.WriteNifti(refPath, req.Fixed); err != nil {
		return nil, err
	}
	if err := imageio.WriteNifti(inPath, req.Moving); err != nil {
		return nil, err
	}
	args := a.applyArgs(req.Fixed.Dimension(), inPath, refPath, outPath, req.Transforms, interp)
	if err := a.run(ctx, a.applyPath, args); err != nil {
		return nil, err
	}
	out, err := imageio.ReadNifti(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read antsApplyTransforms output: %w", err)
	}
	out.PixelType = req.Moving.PixelType
	return out, nil
}

func (a *Ants) registrationArgs(dim int, fixedPath, movingPath, prefix string, req RegistrationRequest) ([]string, error) {
	stages, err := antsStages(req.TransformType)
	if err != nil {
		return nil, err
	}
	metricName := req.Metric
	if metricName == "" {
		metricName = a.metric
	}
	metric, err := antsMetric(metricName, fixedPath, movingPath, a.bins, a.sampling)
	if err != nil {
		return nil, err
	}

	initial := fmt.Sprintf("[%s,%s,1]", fixedPath, movingPath)
	if req.InitialTransform != "" {
		initial = req.InitialTransform
	}
	args := []string{
		"-d", strconv.Itoa(dim),
		"-r", initial,
		"-o", fmt.Sprintf("[%s,%sWarped.nii.gz,%sInverseWarped.nii.gz]", prefix, prefix, prefix),
		"--float", "0",
		"-u", "1",
		"-z", "1",
		"-v", "0",
	}
	schedule := []string{
		"-c", fmt.Sprintf("[%s,1e-6,10]", joinInts(a.iterations)),
		"-s", joinFloats(a.sigmas) + "vox",
		"-f", joinInts(a.shrink),
	}
	for _, st := range stages {
		args = append(args, "-m", metric, "-t", st)
		args = append(args, schedule...)
	}
	return args, nil
}

// synStages lists the linear stages antsRegistration runs ahead of the SyN
// stage for each deformable family.
var synStages = map[string][]string{
	"SyN":                         {"Affine"},
	"SyNRA":                       {"Rigid", "Affine"},
	"SyNOnly":                     nil,
	"SyNCC":                       {"Rigid", "Affine"},
	"SyNabp":                      {"Rigid", "Affine"},
	"SyNBold":                     {"Rigid"},
	"SyNBoldAff":                  {"Rigid", "Affine"},
	"SyNAggro":                    {"Affine"},
	"ElasticSyN":                  {"Affine"},
	"antsRegistrationSyN[s]":      {"Rigid", "Affine"},
	"antsRegistrationSyNQuick[s]": {"Rigid", "Affine"},
}

// antsStages returns the -t arguments for a transform family in run order.
func antsStages(name string) ([]string, error) {
	linear, ok := synStages[name]
	if !ok {
		var err error
		if linear, err = registration.Stages(name); err != nil {
			if registration.IsDeformable(name) {
				return nil, fmt.Errorf("%w: %s is not supported by the ants engine", registration.ErrUnsupportedTransform, name)
			}
			return nil, err
		}
	}
	stages := make([]string, 0, len(linear)+1)
	for _, st := range linear {
		step := "0.25"
		if st == "Translation" {
			step = "0.1"
		}
		stages = append(stages, fmt.Sprintf("%s[%s]", st, step))
	}
	if ok {
		stages = append(stages, "SyN[0.1,3,0]")
	}
	return stages, nil
}

func (a *Ants) applyArgs(dim int, inPath, refPath, outPath string, transforms []string, interp resample.Interpolator) []string {
	name := "Linear"
	if interp == resample.NearestNeighbor {
		name = "NearestNeighbor"
	}
	args := []string{
		"-d", strconv.Itoa(dim),
		"-i", inPath,
		"-r", refPath,
		"-o", outPath,
		"-n", name,
		"-f", strconv.FormatFloat(a.defaultValue, 'g', -1, 64),
		"--float", "0",
	}
	for _, t := range transforms {
		args = append(args, "-t", t)
	}
	return args
}

// antsMetric renders a metric in antsRegistration syntax.
func antsMetric(name, fixedPath, movingPath string, bins int, pct float64) (string, error) {
	sampling := "Regular"
	if pct >= 1 {
		sampling = "None"
	}
	switch strings.ToLower(name) {
	case "mattes", "mi":
		return fmt.Sprintf("MI[%s,%s,1,%d,%s,%g]", fixedPath, movingPath, bins, sampling, pct), nil
	case "meansquares", "msq":
		return fmt.Sprintf("MeanSquares[%s,%s,1,0,%s,%g]", fixedPath, movingPath, sampling, pct), nil
	case "gc", "correlation":
		return fmt.Sprintf("GC[%s,%s,1,0,%s,%g]", fixedPath, movingPath, sampling, pct), nil
	}
	return "", fmt.Errorf("%w: %q", metrics.ErrUnknownMetric, name)
}

func (a *Ants) run(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = os.Environ()
	if a.threads > 0 {
		cmd.Env = append(cmd.Env, "ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS="+strconv.Itoa(a.threads))
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	a.logger.WithField("cmd", filepath.Base(bin)).Debugf("running %s", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s failed: %w, stderr: %s", filepath.Base(bin), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, "x")
}

func joinFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(parts, "x")
}

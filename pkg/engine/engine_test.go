package engine

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"mrireflect/internal/models"
	"mrireflect/pkg/config"
	"mrireflect/pkg/imageio"
	"mrireflect/pkg/metrics"
	"mrireflect/pkg/registration"
	"mrireflect/pkg/resample"
	"mrireflect/pkg/transform"
)

func createBlob(t *testing.T, size int, cx, cy float64) *models.Image {
	img, err := models.NewImage([]int{size, size}, models.PixelFloat)
	if err != nil {
		t.Fatalf("NewImage failed: %v", err)
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := (float64(x) - cx) / 6
			dy := (float64(y) - cy) / 4
			img.Set(100*math.Exp(-(dx*dx+dy*dy)/2), x, y)
		}
	}
	return img
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Registration.Iterations = []int{100, 100}
	cfg.Registration.ShrinkFactors = []int{2, 1}
	cfg.Registration.SmoothingSigmas = []float64{1, 0}
	cfg.Registration.SamplingPercentage = 1
	cfg.Resample.Workers = 2
	cfg.Engine.Threads = 3
	return cfg
}

func writeIdentity(t *testing.T, dim int) string {
	path := filepath.Join(t.TempDir(), "identity.mat")
	if err := transform.WriteFile(path, transform.NewIdentity(dim)); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

// TestNew checks engine selection by name
func TestNew(t *testing.T) {
	cfg := testConfig()
	eng, err := New("builtin", cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if eng.Name() != "builtin" {
		t.Errorf("Expected builtin engine, got %s", eng.Name())
	}
	if eng, err = New("", cfg, nil); err != nil || eng.Name() != "builtin" {
		t.Errorf("Expected configured default engine, got %v, %v", eng, err)
	}
	if _, err := New("elastix", cfg, nil); err == nil {
		t.Error("Expected error for unknown engine")
	}
	cfg.Engine.AntsPath = t.TempDir()
	if _, err := New("ants", cfg, nil); err == nil {
		t.Error("Expected error when the ANTs tools are missing")
	}
}

// TestResultGet checks the map-style accessors
func TestResultGet(t *testing.T) {
	img := createBlob(t, 8, 4, 4)
	res := &RegistrationResult{WarpedMovOut: img}
	if got, ok := res.Get("warpedmovout"); !ok || got != img {
		t.Error("Expected warpedmovout to be present")
	}
	if _, ok := res.Get("warpedfixout"); ok {
		t.Error("Expected warpedfixout to be absent")
	}
	if _, ok := res.Get("fwdtransforms"); ok {
		t.Error("Expected unknown key to be absent")
	}
}

// TestBuiltinApplyIdentity resamples through an identity transform file
func TestBuiltinApplyIdentity(t *testing.T) {
	eng, err := NewBuiltin(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}
	img := createBlob(t, 16, 7, 8)
	out, err := eng.ApplyTransforms(context.Background(), ApplyRequest{
		Fixed: img, Moving: img, Transforms: []string{writeIdentity(t, 2)},
	})
	if err != nil {
		t.Fatalf("ApplyTransforms failed: %v", err)
	}
	for i := range img.Data {
		if math.Abs(out.Data[i]-img.Data[i]) > 1e-9 {
			t.Fatalf("Voxel %d: expected %f, got %f", i, img.Data[i], out.Data[i])
		}
	}

	if _, err := eng.ApplyTransforms(context.Background(), ApplyRequest{Fixed: img, Moving: img}); err == nil {
		t.Error("Expected error without transforms")
	}
	if _, err := eng.ApplyTransforms(context.Background(), ApplyRequest{
		Fixed: img, Moving: img, Transforms: []string{writeIdentity(t, 2)}, Interpolator: "cubic",
	}); err == nil {
		t.Error("Expected error for unknown interpolator")
	}
}

// TestBuiltinRegister recovers a translation and writes the prefix file
func TestBuiltinRegister(t *testing.T) {
	eng, err := NewBuiltin(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}
	fixed := createBlob(t, 32, 15, 16)
	moving := createBlob(t, 32, 17, 15)
	prefix := filepath.Join(t.TempDir(), "out_")

	res, err := eng.Register(context.Background(), RegistrationRequest{
		Fixed:         fixed,
		Moving:        moving,
		TransformType: "Translation",
		Metric:        "meansquares",
		OutPrefix:     prefix,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	fwd := res.FwdTransforms[0]
	if math.Abs(fwd.Translation[0]-2) > 0.5 || math.Abs(fwd.Translation[1]+1) > 0.5 {
		t.Errorf("Expected translation near (2, -1), got %v", fwd.Translation)
	}
	if len(res.FwdTransformPaths) != 1 || res.FwdTransformPaths[0] != prefix+"0GenericAffine.mat" {
		t.Fatalf("Unexpected transform paths %v", res.FwdTransformPaths)
	}
	onDisk, err := transform.ReadFile(res.FwdTransformPaths[0])
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	p := []float64{3, 4}
	a, b := make([]float64, 2), make([]float64, 2)
	fwd.TransformPoint(p, a)
	onDisk.TransformPoint(p, b)
	if math.Abs(a[0]-b[0]) > 1e-9 || math.Abs(a[1]-b[1]) > 1e-9 {
		t.Errorf("Written transform differs: %v vs %v", a, b)
	}
	if w, ok := res.Get("warpedmovout"); !ok || !w.SameGeometry(fixed, 1e-9) {
		t.Error("Expected warpedmovout on the fixed grid")
	}
}

// TestBuiltinRegisterErrors checks sentinel errors pass through
func TestBuiltinRegisterErrors(t *testing.T) {
	eng, _ := NewBuiltin(testConfig(), nil)
	img := createBlob(t, 16, 8, 8)
	ctx := context.Background()

	_, err := eng.Register(ctx, RegistrationRequest{Fixed: img, Moving: img, TransformType: "SyN"})
	if !errors.Is(err, registration.ErrUnsupportedTransform) {
		t.Errorf("Expected ErrUnsupportedTransform, got %v", err)
	}
	_, err = eng.Register(ctx, RegistrationRequest{Fixed: img, Moving: img, TransformType: "Rigid", Metric: "cc"})
	if !errors.Is(err, metrics.ErrUnknownMetric) {
		t.Errorf("Expected ErrUnknownMetric, got %v", err)
	}
	_, err = eng.Register(ctx, RegistrationRequest{
		Fixed: img, Moving: img, TransformType: "Rigid", InitialTransform: filepath.Join(t.TempDir(), "missing.mat"),
	})
	if err == nil {
		t.Error("Expected error for missing initial transform")
	}
}

func testAnts() *Ants {
	cfg := testConfig()
	return &Ants{
		registrationPath: "antsRegistration",
		applyPath:        "antsApplyTransforms",
		metric:           "mattes",
		bins:             32,
		iterations:       cfg.Registration.Iterations,
		shrink:           cfg.Registration.ShrinkFactors,
		sigmas:           cfg.Registration.SmoothingSigmas,
		sampling:         0.25,
		interpolator:     resample.Linear,
	}
}

func argValues(args []string, flag string) []string {
	var out []string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			out = append(out, args[i+1])
		}
	}
	return out
}

// TestAntsRegistrationArgs checks the antsRegistration command line
func TestAntsRegistrationArgs(t *testing.T) {
	a := testAnts()
	args, err := a.registrationArgs(3, "f.nii.gz", "m.nii.gz", "/tmp/x_", RegistrationRequest{
		TransformType:    "Affine",
		InitialTransform: "/tmp/r.mat",
	})
	if err != nil {
		t.Fatalf("registrationArgs failed: %v", err)
	}
	expect := map[string]string{
		"-d": "3",
		"-r": "/tmp/r.mat",
		"-o": "[/tmp/x_,/tmp/x_Warped.nii.gz,/tmp/x_InverseWarped.nii.gz]",
		"-m": "MI[f.nii.gz,m.nii.gz,1,32,Regular,0.25]",
		"-t": "Affine[0.25]",
		"-c": "[100x100,1e-6,10]",
		"-s": "1x0vox",
		"-f": "2x1",
	}
	for flag, want := range expect {
		got := argValues(args, flag)
		if len(got) != 1 || got[0] != want {
			t.Errorf("%s: expected %q, got %v", flag, want, got)
		}
	}

	args, err = a.registrationArgs(2, "f", "m", "p", RegistrationRequest{TransformType: "TRSAA", Metric: "GC"})
	if err != nil {
		t.Fatalf("registrationArgs failed: %v", err)
	}
	stages := argValues(args, "-t")
	want := []string{"Translation[0.1]", "Rigid[0.25]", "Similarity[0.25]", "Affine[0.25]", "Affine[0.25]"}
	if strings.Join(stages, " ") != strings.Join(want, " ") {
		t.Errorf("Expected stages %v, got %v", want, stages)
	}
	if got := argValues(args, "-r"); got[0] != "[f,m,1]" {
		t.Errorf("Expected centre of mass initialisation, got %v", got)
	}
	if m := argValues(args, "-m"); len(m) != 5 || !strings.HasPrefix(m[0], "GC[") {
		t.Errorf("Expected one GC metric per stage, got %v", m)
	}

	for _, name := range []string{"TVMSQ", "Bogus"} {
		if _, err := a.registrationArgs(3, "f", "m", "p", RegistrationRequest{TransformType: name}); !errors.Is(err, registration.ErrUnsupportedTransform) {
			t.Errorf("%s: expected ErrUnsupportedTransform, got %v", name, err)
		}
	}
	if _, err := a.registrationArgs(3, "f", "m", "p", RegistrationRequest{TransformType: "Rigid", Metric: "demons"}); !errors.Is(err, metrics.ErrUnknownMetric) {
		t.Errorf("Expected ErrUnknownMetric, got %v", err)
	}
}

// TestAntsDeformableArgs checks SyN families get linear stages and a SyN stage
func TestAntsDeformableArgs(t *testing.T) {
	a := testAnts()
	tests := []struct {
		name   string
		stages []string
	}{
		{"SyN", []string{"Affine[0.25]", "SyN[0.1,3,0]"}},
		{"SyNRA", []string{"Rigid[0.25]", "Affine[0.25]", "SyN[0.1,3,0]"}},
		{"SyNOnly", []string{"SyN[0.1,3,0]"}},
		{"ElasticSyN", []string{"Affine[0.25]", "SyN[0.1,3,0]"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := a.registrationArgs(3, "f.nii.gz", "m.nii.gz", "out_", RegistrationRequest{
				TransformType:    tt.name,
				Metric:           "mattes",
				InitialTransform: "r.mat",
			})
			if err != nil {
				t.Fatalf("registrationArgs failed: %v", err)
			}
			if got := argValues(args, "-t"); strings.Join(got, " ") != strings.Join(tt.stages, " ") {
				t.Errorf("Expected stages %v, got %v", tt.stages, got)
			}
			if m := argValues(args, "-m"); len(m) != len(tt.stages) {
				t.Errorf("Expected one metric per stage, got %v", m)
			}
			if got := argValues(args, "-r"); len(got) != 1 || got[0] != "r.mat" {
				t.Errorf("Expected the initial transform to be passed, got %v", got)
			}
		})
	}
}

// TestAntsApplyArgs checks the antsApplyTransforms command line keeps transform order
func TestAntsApplyArgs(t *testing.T) {
	a := testAnts()
	args := a.applyArgs(2, "in.nii.gz", "ref.nii.gz", "out.nii.gz", []string{"a.mat", "b.mat"}, resample.NearestNeighbor)
	want := "-d 2 -i in.nii.gz -r ref.nii.gz -o out.nii.gz -n NearestNeighbor -f 0 --float 0 -t a.mat -t b.mat"
	if got := strings.Join(args, " "); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func writeScript(t *testing.T, dir, name, body string) {
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

// TestAntsExec drives stand-in executables through the file boundary
func TestAntsExec(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}
	bin := t.TempDir()
	threads := filepath.Join(bin, "threads.txt")
	// args: -d N -i in -r ref -o out ...
	writeScript(t, bin, antsApplyBin, `echo "$ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS" > `+threads+`
cp "$4" "$8"`)
	writeScript(t, bin, antsRegistrationBin, `echo "metric not supported" >&2
exit 1`)

	cfg := testConfig()
	cfg.Engine.AntsPath = bin
	eng, err := New("ants", cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	img := createBlob(t, 8, 3, 4)

	out, err := eng.ApplyTransforms(context.Background(), ApplyRequest{
		Fixed: img, Moving: img, Transforms: []string{writeIdentity(t, 2)},
	})
	if err != nil {
		t.Fatalf("ApplyTransforms failed: %v", err)
	}
	if !out.SameGeometry(img, 1e-5) {
		t.Error("Expected output on the reference grid")
	}
	for i := range img.Data {
		if math.Abs(out.Data[i]-img.Data[i]) > 1e-4 {
			t.Fatalf("Voxel %d: expected %f, got %f", i, img.Data[i], out.Data[i])
		}
	}
	if b, err := os.ReadFile(threads); err != nil || strings.TrimSpace(string(b)) != "3" {
		t.Errorf("Expected thread count 3 in the environment, got %q (%v)", b, err)
	}

	_, err = eng.Register(context.Background(), RegistrationRequest{Fixed: img, Moving: img, TransformType: "Rigid"})
	if err == nil || !strings.Contains(err.Error(), "metric not supported") {
		t.Errorf("Expected stderr in the error, got %v", err)
	}
}

// TestAntsRegisterOutputs reads back the files antsRegistration leaves under the prefix
func TestAntsRegisterOutputs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}
	img := createBlob(t, 8, 3, 4)
	fixture := t.TempDir()
	if err := imageio.WriteNifti(filepath.Join(fixture, "warped.nii.gz"), img); err != nil {
		t.Fatalf("WriteNifti failed: %v", err)
	}
	shift := transform.NewIdentity(2)
	shift.Translation[0] = 1.5
	if err := transform.WriteFile(filepath.Join(fixture, "affine.mat"), shift); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	bin := t.TempDir()
	prefix := filepath.Join(t.TempDir(), "keep_")
	writeScript(t, bin, antsApplyBin, "exit 0")
	writeScript(t, bin, antsRegistrationBin, `cp `+fixture+`/warped.nii.gz `+prefix+`Warped.nii.gz
cp `+fixture+`/warped.nii.gz `+prefix+`InverseWarped.nii.gz
cp `+fixture+`/affine.mat `+prefix+`0GenericAffine.mat`)

	cfg := testConfig()
	cfg.Engine.AntsPath = bin
	eng, err := NewAnts(cfg, nil)
	if err != nil {
		t.Fatalf("NewAnts failed: %v", err)
	}
	res, err := eng.Register(context.Background(), RegistrationRequest{
		Fixed: img, Moving: img, TransformType: "Rigid", OutPrefix: prefix,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if res.FwdTransforms[0].Translation[0] != 1.5 || math.Abs(res.InvTransforms[0].Translation[0]+1.5) > 1e-12 {
		t.Errorf("Unexpected transforms %v / %v", res.FwdTransforms[0].Translation, res.InvTransforms[0].Translation)
	}
	if len(res.FwdTransformPaths) != 1 || res.FwdTransformPaths[0] != prefix+"0GenericAffine.mat" {
		t.Errorf("Unexpected forward path %v", res.FwdTransformPaths)
	}
	if res.HasWarp {
		t.Error("Expected no warp for a linear family")
	}
	if res.WarpedMovOut.PixelType != models.PixelFloat {
		t.Errorf("Expected float output, got %s", res.WarpedMovOut.PixelType)
	}
}

// TestAntsRegisterWarp lists the displacement fields a SyN run leaves behind
func TestAntsRegisterWarp(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}
	img := createBlob(t, 8, 3, 4)
	fixture := t.TempDir()
	if err := imageio.WriteNifti(filepath.Join(fixture, "warped.nii.gz"), img); err != nil {
		t.Fatalf("WriteNifti failed: %v", err)
	}
	if err := transform.WriteFile(filepath.Join(fixture, "affine.mat"), transform.NewIdentity(2)); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	bin := t.TempDir()
	prefix := filepath.Join(t.TempDir(), "syn_")
	writeScript(t, bin, antsApplyBin, "exit 0")
	writeScript(t, bin, antsRegistrationBin, `cp `+fixture+`/warped.nii.gz `+prefix+`Warped.nii.gz
cp `+fixture+`/warped.nii.gz `+prefix+`InverseWarped.nii.gz
cp `+fixture+`/warped.nii.gz `+prefix+`1Warp.nii.gz
cp `+fixture+`/warped.nii.gz `+prefix+`1InverseWarp.nii.gz
cp `+fixture+`/affine.mat `+prefix+`0GenericAffine.mat`)

	cfg := testConfig()
	cfg.Engine.AntsPath = bin
	eng, err := NewAnts(cfg, nil)
	if err != nil {
		t.Fatalf("NewAnts failed: %v", err)
	}
	res, err := eng.Register(context.Background(), RegistrationRequest{
		Fixed: img, Moving: img, TransformType: "SyNRA", OutPrefix: prefix,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !res.HasWarp {
		t.Error("Expected HasWarp to be set")
	}
	if len(res.FwdTransforms) != 1 || len(res.InvTransforms) != 1 {
		t.Errorf("Expected only the affine part, got %d / %d", len(res.FwdTransforms), len(res.InvTransforms))
	}
	fwd := []string{prefix + "1Warp.nii.gz", prefix + "0GenericAffine.mat"}
	if strings.Join(res.FwdTransformPaths, " ") != strings.Join(fwd, " ") {
		t.Errorf("Expected forward paths %v, got %v", fwd, res.FwdTransformPaths)
	}
	inv := []string{prefix + "0GenericAffine.mat", prefix + "1InverseWarp.nii.gz"}
	if strings.Join(res.InvTransformPaths, " ") != strings.Join(inv, " ") {
		t.Errorf("Expected inverse paths %v, got %v", inv, res.InvTransformPaths)
	}
	if _, ok := res.Get("warpedmovout"); !ok {
		t.Error("Expected warpedmovout")
	}
}

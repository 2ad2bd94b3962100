package visualization

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"mrireflect/internal/models"
)

// createTestVolume fills a volume where every z plane holds its own value
func createTestVolume(t *testing.T, width, height, depth int) *models.Image {
	img, err := models.NewImage([]int{width, height, depth}, models.PixelFloat)
	if err != nil {
		t.Fatalf("NewImage failed: %v", err)
	}
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.Set(float64(z), x, y, z)
			}
		}
	}
	return img
}

// TestNewViewer verifies the window starts at the image range
func TestNewViewer(t *testing.T) {
	viewer, err := NewViewer(createTestVolume(t, 10, 8, 5))
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	if viewer.lo != 0 || viewer.hi != 4 {
		t.Errorf("Expected window [0, 4], got [%f, %f]", viewer.lo, viewer.hi)
	}
	if err := viewer.SetWindow(3, 1); err == nil {
		t.Error("Expected error for an inverted window")
	}
	if err := viewer.SetTimePoint(1); err == nil {
		t.Error("Expected error selecting a time point of a 3D image")
	}
	if _, err := NewViewer(&models.Image{Size: []int{2, 2}}); err == nil {
		t.Error("Expected error for an invalid image")
	}
}

// TestExtractSlice verifies slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer, _ := NewViewer(createTestVolume(t, width, height, depth))

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		if img.Bounds().Dx() != width || img.Bounds().Dy() != height {
			t.Errorf("Z slice %d has size %v", z, img.Bounds())
		}
		gray := img.(*image.Gray16)
		want := uint16(math.Round(float64(z) * 65535 / float64(depth-1)))
		if got := gray.Gray16At(3, 4).Y; got != want {
			t.Errorf("Z slice %d: expected value %d, got %d", z, want, got)
		}
	}

	tests := []struct {
		axis string
		w, h int
	}{
		{"x", height, depth},
		{"Y", width, depth},
	}
	for _, tt := range tests {
		img, err := viewer.ExtractSlice(tt.axis, 2)
		if err != nil {
			t.Fatalf("Failed to extract %s slice: %v", tt.axis, err)
		}
		if img.Bounds().Dx() != tt.w || img.Bounds().Dy() != tt.h {
			t.Errorf("%s slice: expected %dx%d, got %v", tt.axis, tt.w, tt.h, img.Bounds())
		}
	}

	if _, err := viewer.ExtractSlice("w", 0); err == nil {
		t.Error("Expected error for invalid axis")
	}
	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for out of range position")
	}
	if _, err := viewer.ExtractSlice("x", -1); err == nil {
		t.Error("Expected error for negative position")
	}
}

// TestExtractPlane2DAnd4D covers the single plane of 2D images and time points
func TestExtractPlane2DAnd4D(t *testing.T) {
	flat, _ := models.NewImage([]int{4, 3}, models.PixelDouble)
	flat.Set(7, 2, 1)
	viewer, _ := NewViewer(flat)
	plane, err := viewer.ExtractPlane("z", 0)
	if err != nil {
		t.Fatalf("ExtractPlane failed: %v", err)
	}
	if plane.At(2, 1) != 7 {
		t.Errorf("Expected 7 at (2,1), got %f", plane.At(2, 1))
	}
	if _, err := viewer.ExtractPlane("x", 0); err == nil {
		t.Error("Expected error for an x plane of a 2D image")
	}

	series, _ := models.NewImage([]int{3, 3, 2, 4}, models.PixelFloat)
	series.Set(9, 1, 1, 1, 3)
	viewer, _ = NewViewer(series)
	if err := viewer.SetTimePoint(3); err != nil {
		t.Fatalf("SetTimePoint failed: %v", err)
	}
	plane, err = viewer.ExtractPlane("z", 1)
	if err != nil {
		t.Fatalf("ExtractPlane failed: %v", err)
	}
	if plane.At(1, 1) != 9 {
		t.Errorf("Expected 9 at time point 3, got %f", plane.At(1, 1))
	}
	if err := viewer.SetTimePoint(4); err == nil {
		t.Error("Expected error for out of range time point")
	}
}

// TestSaveSliceSequence writes every plane as PNG and reads one back
func TestSaveSliceSequence(t *testing.T) {
	viewer, _ := NewViewer(createTestVolume(t, 6, 5, 3))
	dir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence("z", dir); err != nil {
		t.Fatalf("SaveSliceSequence failed: %v", err)
	}
	for z := 0; z < 3; z++ {
		path := filepath.Join(dir, fmt.Sprintf("slice_z_%03d.png", z))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected %s: %v", path, err)
		}
	}
	img, err := imaging.Open(filepath.Join(dir, "slice_z_002.png"))
	if err != nil {
		t.Fatalf("failed to open slice: %v", err)
	}
	if img.Bounds().Dx() != 6 || img.Bounds().Dy() != 5 {
		t.Errorf("Unexpected slice size %v", img.Bounds())
	}
	if err := viewer.SaveSliceSequence("q", dir); err == nil {
		t.Error("Expected error for invalid axis")
	}
}

// TestHeatmap checks the diverging colours and saving
func TestHeatmap(t *testing.T) {
	diff, _ := models.NewImage([]int{3, 1}, models.PixelFloat)
	diff.Data = []float64{-2, 0, 2}
	img, err := Heatmap(diff, 0)
	if err != nil {
		t.Fatalf("Heatmap failed: %v", err)
	}
	cold, mid, hot := img.NRGBAAt(0, 0), img.NRGBAAt(1, 0), img.NRGBAAt(2, 0)
	if mid.R != 255 || mid.G != 255 || mid.B != 255 {
		t.Errorf("Expected white at zero, got %v", mid)
	}
	if cold.B <= cold.R {
		t.Errorf("Expected blue for negative values, got %v", cold)
	}
	if hot.R <= hot.B {
		t.Errorf("Expected red for positive values, got %v", hot)
	}
	if c := DivergingColor(-5); c != cold {
		t.Errorf("Expected saturation beyond the limit, got %v vs %v", c, cold)
	}

	vol := createTestVolume(t, 4, 4, 2)
	if _, err := Heatmap(vol, 1); err == nil {
		t.Error("Expected error for a 3D heatmap")
	}
	viewer, _ := NewViewer(vol)
	path := filepath.Join(t.TempDir(), "heat.png")
	if err := viewer.SaveHeatmapSlice("z", 1, 0, path); err != nil {
		t.Fatalf("SaveHeatmapSlice failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected heatmap file: %v", err)
	}
}

// BenchmarkExtractSlice measures plane extraction on a typical volume
func BenchmarkExtractSlice(b *testing.B) {
	img, _ := models.NewImage([]int{128, 128, 64}, models.PixelFloat)
	for i := range img.Data {
		img.Data[i] = float64(i % 251)
	}
	viewer, _ := NewViewer(img)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := viewer.ExtractSlice("z", i%64); err != nil {
			b.Fatal(err)
		}
	}
}

// Package imageio reads and writes images for mrireflect: NIfTI-1 volumes
// and 2D raster pictures.
package imageio

import (
	"fmt"
	"path/filepath"
	"strings"

	"mrireflect/internal/models"
)

// Read loads path, choosing the codec from the file extension.
func Read(path string) (*models.Image, error) {
	switch format(path) {
	case "nifti":
		return ReadNifti(path)
	case "raster":
		return ReadRaster(path)
	}
	return nil, fmt.Errorf("unsupported image format: %s", filepath.Base(path))
}

// Write saves img to path, choosing the codec from the file extension.
func Write(path string, img *models.Image) error {
	switch format(path) {
	case "nifti":
		return WriteNifti(path, img)
	case "raster":
		if !strings.HasSuffix(strings.ToLower(path), ".png") {
			return fmt.Errorf("only PNG output is supported for 2D pictures: %s", filepath.Base(path))
		}
		return WriteRaster(path, img)
	}
	return fmt.Errorf("unsupported image format: %s", filepath.Base(path))
}

func format(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".nii"), strings.HasSuffix(lower, ".nii.gz"):
		return "nifti"
	case strings.HasSuffix(lower, ".png"), strings.HasSuffix(lower, ".jpg"),
		strings.HasSuffix(lower, ".jpeg"), strings.HasSuffix(lower, ".gif"):
		return "raster"
	}
	return ""
}

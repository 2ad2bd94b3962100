package transform

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"mrireflect/internal/models"
)

// ErrNoEstimator is returned when no reflection estimator exists for an
// image's pixel type and dimension.
var ErrNoEstimator = errors.New("no reflection estimator")

// CenterMode selects the point the reflection hyperplane passes through.
type CenterMode int

const (
	// CenterMass reflects through the intensity centre of gravity
	CenterMass CenterMode = iota
	// CenterGeometric reflects through the centre of the voxel grid
	CenterGeometric
)

// String returns the config spelling of the mode.
func (m CenterMode) String() string {
	if m == CenterGeometric {
		return "geometric"
	}
	return "mass"
}

// ParseCenterMode parses "mass" or "geometric". The empty string means mass.
func ParseCenterMode(s string) (CenterMode, error) {
	switch s {
	case "", "mass":
		return CenterMass, nil
	case "geometric":
		return CenterGeometric, nil
	}
	return 0, fmt.Errorf("unknown reflection centre %q (must be mass or geometric)", s)
}

// Key identifies an estimator variant.
type Key struct {
	PixelType models.PixelType
	Dim       int
}

// Name returns the variant name, e.g. reflectionMatrixF3.
func (k Key) Name() string {
	return fmt.Sprintf("reflectionMatrix%s%d", k.PixelType.ShortCode(), k.Dim)
}

// Estimator computes the reflection of img across axis and writes it to path.
// It never modifies img.
type Estimator func(img *models.Image, axis int, center CenterMode, path string) error

// Registry maps (pixel type, dimension) pairs to estimators.
type Registry struct {
	mu         sync.RWMutex
	estimators map[Key]Estimator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{estimators: make(map[Key]Estimator)}
}

// Register adds an estimator. Registering a key twice is an error.
func (r *Registry) Register(k Key, e Estimator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.estimators[k]; ok {
		return fmt.Errorf("estimator %s already registered", k.Name())
	}
	r.estimators[k] = e
	return nil
}

// Lookup returns the estimator registered for k.
func (r *Registry) Lookup(k Key) (Estimator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.estimators[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s (pixel type %s, dimension %d)", ErrNoEstimator, k.Name(), k.PixelType, k.Dim)
	}
	return e, nil
}

// Keys returns the registered keys sorted by name.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.estimators))
	for k := range r.estimators {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name() < keys[j].Name() })
	return keys
}

var defaultRegistry = NewRegistry()

func init() {
	for _, pt := range []models.PixelType{models.PixelFloat, models.PixelDouble} {
		for dim := 2; dim <= 4; dim++ {
			if err := defaultRegistry.Register(Key{PixelType: pt, Dim: dim}, writeReflection); err != nil {
				panic(err)
			}
		}
	}
}

// DefaultRegistry returns the registry holding the built-in variants
// (float and double images in 2, 3 and 4 dimensions).
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Lookup resolves the estimator for img from the default registry.
func Lookup(img *models.Image) (Estimator, error) {
	return defaultRegistry.Lookup(Key{PixelType: img.PixelType, Dim: img.Dimension()})
}

func writeReflection(img *models.Image, axis int, center CenterMode, path string) error {
	a, err := ReflectionMatrix(img, axis, center)
	if err != nil {
		return err
	}
	return WriteFile(path, a)
}

// ReflectionMatrix returns the reflection of img across axis in physical
// space.
func ReflectionMatrix(img *models.Image, axis int, center CenterMode) (*Affine, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	var c []float64
	var err error
	if center == CenterGeometric {
		c, err = img.Center()
	} else {
		c, err = CenterOfGravity(img)
	}
	if err != nil {
		return nil, err
	}
	return NewReflection(img.Dimension(), axis, c)
}

// CenterOfGravity returns the intensity weighted mean physical position of
// img. Images with zero total intensity fall back to the grid centre.
func CenterOfGravity(img *models.Image) ([]float64, error) {
	g, err := img.Geometry()
	if err != nil {
		return nil, err
	}
	dim := img.Dimension()
	total := floats.Sum(img.Data)
	if total == 0 {
		return img.Center()
	}

	sum := make([]float64, dim)
	idx := make([]int, dim)
	cidx := make([]float64, dim)
	p := make([]float64, dim)
	for off, v := range img.Data {
		if v == 0 {
			continue
		}
		img.IndexOf(off, idx)
		for i, x := range idx {
			cidx[i] = float64(x)
		}
		g.ToPhysical(cidx, p)
		floats.AddScaled(sum, v, p)
	}
	floats.Scale(1/total, sum)
	return sum, nil
}

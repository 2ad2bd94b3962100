package registration

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupportedTransform is returned for transform families the builtin
// registrar does not implement.
var ErrUnsupportedTransform = errors.New("unsupported transform type")

type stageKind int

const (
	stageTranslation stageKind = iota
	stageRigid
	stageSimilarity
	stageAffine
)

func (k stageKind) String() string {
	return [...]string{"translation", "rigid", "similarity", "affine"}[k]
}

// stage is one optimisation pass of a family.
type stage struct {
	kind stageKind
	// iterScale multiplies the configured iterations per level
	iterScale float64
	// dense evaluates the metric on every fixed voxel
	dense bool
}

var families = map[string][]stage{
	"Translation": {{kind: stageTranslation, iterScale: 1}},
	"Rigid":       {{kind: stageRigid, iterScale: 1}},
	"QuickRigid":  {{kind: stageRigid, iterScale: 0.25}},
	"DenseRigid":  {{kind: stageRigid, iterScale: 1, dense: true}},
	"Similarity":  {{kind: stageSimilarity, iterScale: 1}},
	"Affine":      {{kind: stageAffine, iterScale: 1}},
	"AffineFast":  {{kind: stageAffine, iterScale: 0.25}},
	"TRSAA": {
		{kind: stageTranslation, iterScale: 1},
		{kind: stageRigid, iterScale: 1},
		{kind: stageSimilarity, iterScale: 1},
		{kind: stageAffine, iterScale: 1},
		{kind: stageAffine, iterScale: 1},
	},
}

// deformable lists families only the ANTs engine can run.
var deformable = []string{
	"SyN", "SyNRA", "SyNOnly", "SyNCC", "SyNabp", "SyNBold", "SyNBoldAff",
	"SyNAggro", "ElasticSyN", "TV[1]", "TVMSQ", "TVMSQC",
	"antsRegistrationSyN[s]", "antsRegistrationSyNQuick[s]",
}

// Families returns the transform families the builtin registrar supports.
func Families() []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsDeformable reports whether name is a known deformable family.
func IsDeformable(name string) bool {
	for _, d := range deformable {
		if d == name {
			return true
		}
	}
	return false
}

func lookupFamily(name string) ([]stage, error) {
	if stages, ok := families[name]; ok {
		return stages, nil
	}
	if IsDeformable(name) {
		return nil, fmt.Errorf("%w: %s is deformable and needs the ants engine", ErrUnsupportedTransform, name)
	}
	return nil, fmt.Errorf("%w: %q (builtin supports %s)", ErrUnsupportedTransform, name, strings.Join(Families(), ", "))
}

// Stages returns the stage transforms of a family in run order, named as
// antsRegistration names them.
func Stages(name string) ([]string, error) {
	stages, err := lookupFamily(name)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = [...]string{"Translation", "Rigid", "Similarity", "Affine"}[st.kind]
	}
	return names, nil
}

// Package model loads upscaling model artifacts and runs them on tensors.
//
// An artifact is a YAML manifest naming a resampling kernel and an integer
// scale factor. Models are immutable once loaded and safe for concurrent use.
package model

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/image/draw"
	"gopkg.in/yaml.v3"
)

// MaxScale bounds the scale factor a manifest may declare.
const MaxScale = 8

// ErrInvalidManifest is wrapped by every manifest validation failure.
var ErrInvalidManifest = errors.New("model: invalid manifest")

// Manifest describes a model artifact.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version,omitempty"`
	Kernel      string `yaml:"kernel"`
	Scale       int    `yaml:"scale"`
	Description string `yaml:"description,omitempty"`
}

var kernels = map[string]draw.Interpolator{
	"nearest":        draw.NearestNeighbor,
	"approxbilinear": draw.ApproxBiLinear,
	"bilinear":       draw.BiLinear,
	"catmullrom":     draw.CatmullRom,
}

// Kernels returns the supported kernel names.
func Kernels() []string {
	return []string{"nearest", "approxbilinear", "bilinear", "catmullrom"}
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m.Kernel = strings.ToLower(strings.TrimSpace(m.Kernel))
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks required fields, the kernel name and the scale range.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	if _, ok := kernels[m.Kernel]; !ok {
		return fmt.Errorf("%w: unknown kernel %q (want one of %s)",
			ErrInvalidManifest, m.Kernel, strings.Join(Kernels(), ", "))
	}
	if m.Scale < 1 || m.Scale > MaxScale {
		return fmt.Errorf("%w: scale %d out of range [1, %d]", ErrInvalidManifest, m.Scale, MaxScale)
	}
	return nil
}

// Marshal encodes the manifest as YAML.
func (m Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// Builtin is the manifest used when no artifact is configured.
func Builtin() Manifest {
	return Manifest{
		Name:        "builtin-catmullrom-x2",
		Kernel:      "catmullrom",
		Scale:       2,
		Description: "Catmull-Rom resampling at 2x",
	}
}

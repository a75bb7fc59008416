package buildspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidManifest = errors.New("invalid image manifest")
	ErrManifestEntries = errors.New("image manifest must contain exactly one entry")
)

// ImageDefinition is one entry of imagedefinitions.json.
type ImageDefinition struct {
	Name     string `json:"name"`
	ImageURI string `json:"imageUri"`
}

// EncodeManifest writes the manifest for a single container.
func EncodeManifest(def ImageDefinition) ([]byte, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	return json.Marshal([]ImageDefinition{def})
}

// ParseManifest reads a manifest and returns its only entry. Lists with zero
// or several entries are rejected, as are entries without a name or image.
func ParseManifest(data []byte) (ImageDefinition, error) {
	var defs []ImageDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return ImageDefinition{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if len(defs) != 1 {
		return ImageDefinition{}, fmt.Errorf("%w: got %d", ErrManifestEntries, len(defs))
	}
	def := ImageDefinition{
		Name:     strings.TrimSpace(defs[0].Name),
		ImageURI: strings.TrimSpace(defs[0].ImageURI),
	}
	if err := def.validate(); err != nil {
		return ImageDefinition{}, err
	}
	return def, nil
}

func (d ImageDefinition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	if d.ImageURI == "" {
		return fmt.Errorf("%w: imageUri is required", ErrInvalidManifest)
	}
	return nil
}

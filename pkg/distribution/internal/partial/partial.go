package partial

import (
	"encoding/json"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/partial"
	ggcr "github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

type WithRawConfigFile interface {
	// RawConfigFile returns the serialized bytes of this model's config file.
	RawConfigFile() ([]byte, error)
}

func ConfigFile(i WithRawConfigFile) (*types.ConfigFile, error) {
	raw, err := i.RawConfigFile()
	if err != nil {
		return nil, fmt.Errorf("get raw config file: %w", err)
	}
	var cf types.ConfigFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}
	return &cf, nil
}

// Config returns the types.Config for the model.
func Config(i WithRawConfigFile) (types.Config, error) {
	cf, err := ConfigFile(i)
	if err != nil {
		return types.Config{}, fmt.Errorf("config file: %w", err)
	}
	return cf.Config, nil
}

// Descriptor returns the types.Descriptor for the model.
func Descriptor(i WithRawConfigFile) (types.Descriptor, error) {
	cf, err := ConfigFile(i)
	if err != nil {
		return types.Descriptor{}, fmt.Errorf("config file: %w", err)
	}
	return cf.Descriptor, nil
}

// WithRawManifest defines the subset of types.Model used by these helpers.
type WithRawManifest interface {
	// RawManifest returns the serialized bytes of this model's manifest file.
	RawManifest() ([]byte, error)
}

func ID(i WithRawManifest) (string, error) {
	digest, err := partial.Digest(i)
	if err != nil {
		return "", fmt.Errorf("get digest: %w", err)
	}
	return digest.String(), nil
}

type WithLayers interface {
	WithRawConfigFile
	Layers() ([]v1.Layer, error)
}

// GraphPath returns the local path of the model's ONNX graph layer.
func GraphPath(i WithLayers) (string, error) {
	paths, err := layerPathsByMediaType(i, types.MediaTypeONNXGraph)
	if err != nil {
		return "", fmt.Errorf("get graph layer paths: %w", err)
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("model does not contain a %q layer", types.MediaTypeONNXGraph)
	}
	if len(paths) > 1 {
		return "", fmt.Errorf("found %d layers of type %q, expected exactly 1",
			len(paths), types.MediaTypeONNXGraph)
	}
	return paths[0], nil
}

// WeightsPath returns the local path of the model's external weights layer,
// or "" if the graph embeds its tensor data.
func WeightsPath(i WithLayers) (string, error) {
	paths, err := layerPathsByMediaType(i, types.MediaTypeONNXWeights)
	if err != nil {
		return "", fmt.Errorf("get weights layer paths: %w", err)
	}
	if len(paths) == 0 {
		return "", nil
	}
	if len(paths) > 1 {
		return "", fmt.Errorf("found %d layers of type %q, expected at most 1",
			len(paths), types.MediaTypeONNXWeights)
	}
	return paths[0], nil
}

// LabelsPath returns the local path of the model's category label layer.
func LabelsPath(i WithLayers) (string, error) {
	paths, err := layerPathsByMediaType(i, types.MediaTypeLabels)
	if err != nil {
		return "", fmt.Errorf("get labels layer paths: %w", err)
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("model does not contain a %q layer", types.MediaTypeLabels)
	}
	if len(paths) > 1 {
		return "", fmt.Errorf("found %d layers of type %q, expected exactly 1",
			len(paths), types.MediaTypeLabels)
	}
	return paths[0], nil
}

// LicensePaths returns the local paths of the model's license layers.
func LicensePaths(i WithLayers) ([]string, error) {
	return layerPathsByMediaType(i, types.MediaTypeLicense)
}

// layerPathsByMediaType finds layers by media type and returns their local paths.
func layerPathsByMediaType(i WithLayers, mediaType ggcr.MediaType) ([]string, error) {
	layers, err := i.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}
	var paths []string
	for _, l := range layers {
		mt, err := l.MediaType()
		if err != nil || mt != mediaType {
			continue
		}
		layer, ok := l.(*Layer)
		if !ok {
			return nil, fmt.Errorf("%s layer is not available locally", mediaType)
		}
		paths = append(paths, layer.Path)
	}
	return paths, nil
}

// ManifestForLayers assembles an OCI manifest for the image's config and
// layers, forcing the classifier config media type on the config descriptor.
func ManifestForLayers(i WithLayers) (*v1.Manifest, error) {
	cfgLayer, err := partial.ConfigLayer(i)
	if err != nil {
		return nil, fmt.Errorf("get raw config file: %w", err)
	}
	cfgDsc, err := partial.Descriptor(cfgLayer)
	if err != nil {
		return nil, fmt.Errorf("get config descriptor: %w", err)
	}
	cfgDsc.MediaType = types.MediaTypeClassifierConfigV01

	ls, err := i.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	var layers []v1.Descriptor
	for _, l := range ls {
		desc, err := partial.Descriptor(l)
		if err != nil {
			return nil, fmt.Errorf("get layer descriptor: %w", err)
		}
		layers = append(layers, *desc)
	}

	return &v1.Manifest{
		SchemaVersion: 2,
		MediaType:     ggcr.OCIManifestSchema1,
		Config:        *cfgDsc,
		Layers:        layers,
	}, nil
}

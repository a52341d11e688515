package types

import (
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Model is a classifier checkpoint available in a local store.
type Model interface {
	ModelArtifact
	// GraphPath returns the local path of the ONNX graph blob.
	GraphPath() (string, error)
	// WeightsPath returns the local path of the external weights blob, or ""
	// if the graph embeds its tensor data.
	WeightsPath() (string, error)
	// LabelsPath returns the local path of the category label blob.
	LabelsPath() (string, error)
	// Tags returns the tags associated with the model.
	Tags() []string
}

// ModelArtifact is a classifier checkpoint represented as an OCI artifact.
type ModelArtifact interface {
	v1.Image
	// ID returns the globally unique model identity (the manifest digest).
	ID() (string, error)
	// Config returns the classifier config.
	Config() (Config, error)
	// Descriptor returns provenance metadata.
	Descriptor() (Descriptor, error)
}

// ModelBundle is a checkpoint unpacked on disk in the layout inference
// backends load from.
type ModelBundle interface {
	// RootDir returns the path to the bundle root directory.
	RootDir() string
	// GraphPath returns the path to the ONNX graph file.
	GraphPath() string
	// WeightsPath returns the path to the external tensor data file, or ""
	// when the graph embeds its weights.
	WeightsPath() string
	// LabelsPath returns the path to the category labels file.
	LabelsPath() string
	// RuntimeConfig returns config that should be respected by the backend
	// at runtime.
	RuntimeConfig() Config
}

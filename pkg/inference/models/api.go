package models

import (
	"fmt"

	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

// ModelCreateRequest represents a model create request. It follows Docker
// Engine API conventions, most closely the request associated with
// POST /images/create. At the moment it only facilitates pulls, though in the
// future it may facilitate model building and refinement.
type ModelCreateRequest struct {
	// From is the reference of the model to pull.
	From string `json:"from"`
	// IgnoreRuntimeMemoryCheck disables the check that the host has
	// sufficient memory to run the model under its default configuration.
	IgnoreRuntimeMemoryCheck bool `json:"ignore-runtime-memory-check,omitempty"`
}

// Model is the API representation of a locally stored model.
type Model struct {
	// ID is the globally unique model identifier.
	ID string `json:"id"`
	// Tags are the list of tags associated with the model.
	Tags []string `json:"tags"`
	// Created is the Unix epoch timestamp corresponding to the model creation.
	Created int64 `json:"created"`
	// Config describes the classifier.
	Config types.Config `json:"config"`
}

// ToModel converts a stored model to its API representation.
func ToModel(m types.Model) (*Model, error) {
	desc, err := m.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("get descriptor: %w", err)
	}

	id, err := m.ID()
	if err != nil {
		return nil, fmt.Errorf("get id: %w", err)
	}

	cfg, err := m.Config()
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}

	created := int64(0)
	if desc.Created != nil {
		created = desc.Created.Unix()
	}

	return &Model{
		ID:      id,
		Tags:    m.Tags(),
		Created: created,
		Config:  cfg,
	}, nil
}

// OpenAIModel represents a locally stored model using OpenAI conventions.
type OpenAIModel struct {
	// ID is the model tag.
	ID string `json:"id"`
	// Object is the object type. For OpenAIModel, it is always "model".
	Object string `json:"object"`
	// Created is the Unix epoch timestamp corresponding to the model creation.
	Created int64 `json:"created"`
	// OwnedBy is the model owner.
	OwnedBy string `json:"owned_by"`
}

// ToOpenAI converts a stored model to its OpenAI API representation.
func ToOpenAI(m types.Model) (*OpenAIModel, error) {
	desc, err := m.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("get descriptor: %w", err)
	}

	created := int64(0)
	if desc.Created != nil {
		created = desc.Created.Unix()
	}

	// Prefer the first tag as the public identifier, falling back to the
	// digest for untagged models.
	id, err := m.ID()
	if err != nil {
		return nil, fmt.Errorf("get model ID: %w", err)
	}
	if tags := m.Tags(); len(tags) > 0 {
		id = tags[0]
	}

	return &OpenAIModel{
		ID:      id,
		Object:  "model",
		Created: created,
		OwnedBy: "vision-runner",
	}, nil
}

// ToOpenAIList converts a model list to its OpenAI API representation. The
// returned list is never nil.
func ToOpenAIList(l []types.Model) (*OpenAIModelList, error) {
	models := make([]*OpenAIModel, len(l))
	for i, model := range l {
		openAI, err := ToOpenAI(model)
		if err != nil {
			return nil, fmt.Errorf("convert model: %w", err)
		}
		models[i] = openAI
	}
	return &OpenAIModelList{
		Object: "list",
		Data:   models,
	}, nil
}

// OpenAIModelList represents a list of models using OpenAI conventions.
type OpenAIModelList struct {
	// Object is the object type. For OpenAIModelList, it is always "list".
	Object string `json:"object"`
	// Data is the list of models.
	Data []*OpenAIModel `json:"data"`
}

package distribution

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
)

// DeleteModelAction describes a single action taken while deleting a model.
type DeleteModelAction struct {
	Untagged *string `json:"Untagged,omitempty"`
	Deleted  *string `json:"Deleted,omitempty"`
}

// DeleteModelResponse lists the actions taken by a delete operation in order.
type DeleteModelResponse []DeleteModelAction

// DeleteModel removes a model by tag or ID. Deleting by tag only untags the
// model unless the tag is the last one. Deleting by ID removes all tags,
// but fails with ErrConflict when multiple tags reference the model and
// force is not set.
func (c *Client) DeleteModel(ref string, force bool) (DeleteModelResponse, error) {
	c.log.Infoln("Deleting model:", ref)

	mdl, err := c.store.Read(ref)
	if err != nil {
		c.log.Errorln("Failed to delete model:", err, "reference:", ref)
		return nil, fmt.Errorf("reading model %q: %w", ref, err)
	}
	id, err := mdl.ID()
	if err != nil {
		return nil, fmt.Errorf("getting model ID: %w", err)
	}
	tags := mdl.Tags()

	if tagName, ok := matchingTag(tags, ref); ok {
		// Untag, and remove the model if this was the last tag.
		if err := c.store.Delete(ref); err != nil {
			return nil, fmt.Errorf("deleting model: %w", err)
		}
		resp := DeleteModelResponse{{Untagged: &tagName}}
		if len(tags) == 1 {
			resp = append(resp, DeleteModelAction{Deleted: &id})
		}
		c.log.Infoln("Successfully deleted model:", ref)
		return resp, nil
	}

	if len(tags) > 1 && !force {
		return nil, fmt.Errorf("model %q: %w", ref, ErrConflict)
	}
	var resp DeleteModelResponse
	for i := range tags {
		resp = append(resp, DeleteModelAction{Untagged: &tags[i]})
	}
	if err := c.store.RemoveTags(tags); err != nil {
		return nil, fmt.Errorf("untagging model: %w", err)
	}
	if err := c.store.Delete(id); err != nil {
		return nil, fmt.Errorf("deleting model: %w", err)
	}
	resp = append(resp, DeleteModelAction{Deleted: &id})
	c.log.Infoln("Successfully deleted model:", ref)
	return resp, nil
}

// matchingTag reports whether ref names one of tags, returning the canonical
// form of the matched tag.
func matchingTag(tags []string, ref string) (string, bool) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", false
	}
	if _, ok := parsed.(name.Tag); !ok {
		return "", false
	}
	for _, t := range tags {
		stored, err := name.ParseReference(t)
		if err != nil {
			continue
		}
		if stored.Name() == parsed.Name() {
			return parsed.Name(), true
		}
	}
	return "", false
}

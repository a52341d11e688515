package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vision-runner/vision-runner/pkg/inference"
	"github.com/vision-runner/vision-runner/pkg/inference/models"
)

// Pull downloads a model into the daemon's store, reporting progress through
// the given callback. It returns the daemon's final message and whether any
// progress lines were rendered.
func (c *Client) Pull(ctx context.Context, model string, progress func(string)) (string, bool, error) {
	jsonData, err := json.Marshal(models.ModelCreateRequest{From: model})
	if err != nil {
		return "", false, fmt.Errorf("error marshaling request: %w", err)
	}

	createPath := inference.ModelsPrefix + "/create"
	resp, err := c.doRequest(ctx, http.MethodPost, createPath, bytes.NewReader(jsonData))
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, errorFromResponse("pulling "+model, resp)
	}
	return consumeProgress(resp.Body, "pulling", progress)
}

// Push uploads a model from the daemon's store to its registry.
func (c *Client) Push(ctx context.Context, model string, progress func(string)) (string, bool, error) {
	pushPath := inference.ModelsPrefix + "/" + model + "/push"
	resp, err := c.doRequest(ctx, http.MethodPost, pushPath, nil)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, errorFromResponse("pushing "+model, resp)
	}
	return consumeProgress(resp.Body, "pushing", progress)
}

// consumeProgress renders a JSON-lines progress stream and returns the final
// success message.
func consumeProgress(r io.Reader, operation string, progress func(string)) (string, bool, error) {
	progressShown := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		progressLine := scanner.Text()
		if progressLine == "" {
			continue
		}

		var progressMsg ProgressMessage
		if err := json.Unmarshal([]byte(html.UnescapeString(progressLine)), &progressMsg); err != nil {
			return "", progressShown, fmt.Errorf("error parsing progress message: %w", err)
		}

		switch progressMsg.Type {
		case "progress":
			progress(progressMsg.Message)
			progressShown = true
		case "error":
			return "", progressShown, fmt.Errorf("error %s model: %s", operation, progressMsg.Message)
		case "success":
			return progressMsg.Message, progressShown, nil
		default:
			return "", progressShown, fmt.Errorf("unknown message type: %s", progressMsg.Type)
		}
	}
	return "", progressShown, fmt.Errorf("unexpected end of stream while %s model", operation)
}

// List returns all models in the daemon's store.
func (c *Client) List(ctx context.Context) ([]models.Model, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, inference.ModelsPrefix, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse("listing models", resp)
	}

	var modelList []models.Model
	if err := json.NewDecoder(resp.Body).Decode(&modelList); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	return modelList, nil
}

// Inspect returns a single model by reference or ID.
func (c *Client) Inspect(ctx context.Context, model string) (models.Model, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, inference.ModelsPrefix+"/"+model, nil)
	if err != nil {
		return models.Model{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.Model{}, fmt.Errorf("%w: %s", ErrNotFound, model)
	}
	if resp.StatusCode != http.StatusOK {
		return models.Model{}, errorFromResponse("inspecting "+model, resp)
	}

	var result models.Model
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.Model{}, fmt.Errorf("failed to decode model: %w", err)
	}
	return result, nil
}

// Remove deletes models from the daemon's store.
func (c *Client) Remove(ctx context.Context, modelRefs []string, force bool) (string, error) {
	removed := new(strings.Builder)
	for _, model := range modelRefs {
		removePath := inference.ModelsPrefix + "/" + model
		if force {
			removePath += "?force=true"
		}
		resp, err := c.doRequest(ctx, http.MethodDelete, removePath, nil)
		if err != nil {
			return removed.String(), err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return removed.String(), fmt.Errorf("no such model: %s", model)
		}
		if resp.StatusCode != http.StatusOK {
			err := errorFromResponse("removing "+model, resp)
			resp.Body.Close()
			return removed.String(), err
		}
		resp.Body.Close()
		fmt.Fprintf(removed, "Model %s removed successfully\n", model)
	}
	return removed.String(), nil
}

// Tag applies an additional reference to a stored model.
func (c *Client) Tag(ctx context.Context, source, target string) error {
	tagPath := inference.ModelsPrefix + "/" + source + "/tag?target=" + url.QueryEscape(target)
	resp, err := c.doRequest(ctx, http.MethodPost, tagPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, source)
	}
	if resp.StatusCode != http.StatusCreated {
		return errorFromResponse("tagging "+source, resp)
	}
	return nil
}

// Save streams a model archive from the daemon into w.
func (c *Client) Save(ctx context.Context, model string, w io.Writer) error {
	resp, err := c.doRequest(ctx, http.MethodGet, inference.ModelsPrefix+"/"+model+"/export", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, model)
	}
	if resp.StatusCode != http.StatusOK {
		return errorFromResponse("exporting "+model, resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to write model archive: %w", err)
	}
	return nil
}

// Load streams a model archive into the daemon's store.
func (c *Client) Load(ctx context.Context, r io.Reader, progress func(string)) (string, bool, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, inference.ModelsPrefix+"/load", r)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, errorFromResponse("loading model", resp)
	}
	return consumeProgress(resp.Body, "loading", progress)
}

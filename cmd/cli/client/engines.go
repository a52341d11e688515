package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/vision-runner/vision-runner/pkg/inference"
	"github.com/vision-runner/vision-runner/pkg/inference/backends/ort"
	"github.com/vision-runner/vision-runner/pkg/inference/scheduling"
)

// Classify runs top-K classification of an image file against a model.
func (c *Client) Classify(ctx context.Context, model, imagePath string, topK int) (ort.ClassifyResponse, error) {
	image, err := encodeImage(imagePath)
	if err != nil {
		return ort.ClassifyResponse{}, err
	}

	request := ort.ClassifyRequest{Model: model, Image: image, TopK: topK}
	var response ort.ClassifyResponse
	if err := c.postInference(ctx, inference.EnginesPrefix+"/v1/classify", request, &response); err != nil {
		return ort.ClassifyResponse{}, err
	}
	return response, nil
}

// Embeddings extracts a feature vector from an image file.
func (c *Client) Embeddings(ctx context.Context, model, imagePath string) (ort.EmbeddingsResponse, error) {
	image, err := encodeImage(imagePath)
	if err != nil {
		return ort.EmbeddingsResponse{}, err
	}

	request := ort.EmbeddingsRequest{Model: model, Image: image}
	var response ort.EmbeddingsResponse
	if err := c.postInference(ctx, inference.EnginesPrefix+"/v1/embeddings", request, &response); err != nil {
		return ort.EmbeddingsResponse{}, err
	}
	return response, nil
}

// encodeImage reads an image file and base64-encodes it for transport.
func encodeImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// postInference posts a JSON request and decodes the JSON response.
func (c *Client) postInference(ctx context.Context, path string, request, response any) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}
	resp, err := c.doRequest(ctx, http.MethodPost, path, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse("inference", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// PS lists the active runners.
func (c *Client) PS(ctx context.Context) ([]scheduling.BackendStatus, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, inference.EnginesPrefix+"/ps", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse("listing running models", resp)
	}

	var statuses []scheduling.BackendStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, fmt.Errorf("failed to decode runner list: %w", err)
	}
	return statuses, nil
}

// DF reports store and runtime disk usage.
func (c *Client) DF(ctx context.Context) (scheduling.DiskUsage, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, inference.EnginesPrefix+"/df", nil)
	if err != nil {
		return scheduling.DiskUsage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return scheduling.DiskUsage{}, errorFromResponse("reading disk usage", resp)
	}

	var usage scheduling.DiskUsage
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		return scheduling.DiskUsage{}, fmt.Errorf("failed to decode disk usage: %w", err)
	}
	return usage, nil
}

// Unload evicts runners.
func (c *Client) Unload(ctx context.Context, request scheduling.UnloadRequest) (scheduling.UnloadResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return scheduling.UnloadResponse{}, fmt.Errorf("error marshaling request: %w", err)
	}
	resp, err := c.doRequest(ctx, http.MethodPost, inference.EnginesPrefix+"/unload", bytes.NewReader(jsonData))
	if err != nil {
		return scheduling.UnloadResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return scheduling.UnloadResponse{}, errorFromResponse("unloading models", resp)
	}

	var response scheduling.UnloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return scheduling.UnloadResponse{}, fmt.Errorf("failed to decode unload response: %w", err)
	}
	return response, nil
}

// Configure sets per-model runtime options.
func (c *Client) Configure(ctx context.Context, request scheduling.ConfigureRequest) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}
	resp, err := c.doRequest(ctx, http.MethodPost, inference.EnginesPrefix+"/configure", bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse("configuring model", resp)
	}
	return nil
}

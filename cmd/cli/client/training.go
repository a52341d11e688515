package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vision-runner/vision-runner/pkg/training"
)

// Train submits a training job.
func (c *Client) Train(ctx context.Context, request training.CreateJobRequest) (training.Job, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return training.Job{}, fmt.Errorf("error marshaling request: %w", err)
	}
	resp, err := c.doRequest(ctx, http.MethodPost, training.TrainingPrefix+"/jobs", bytes.NewReader(jsonData))
	if err != nil {
		return training.Job{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return training.Job{}, errorFromResponse("creating training job", resp)
	}

	var job training.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return training.Job{}, fmt.Errorf("failed to decode training job: %w", err)
	}
	return job, nil
}

// Jobs lists all training jobs.
func (c *Client) Jobs(ctx context.Context) ([]training.Job, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, training.TrainingPrefix+"/jobs", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse("listing training jobs", resp)
	}

	var list training.JobList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode training job list: %w", err)
	}
	return list.Jobs, nil
}

// Job returns a single training job.
func (c *Client) Job(ctx context.Context, id string) (training.Job, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, training.TrainingPrefix+"/jobs/"+id, nil)
	if err != nil {
		return training.Job{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return training.Job{}, fmt.Errorf("no such training job: %s", id)
	}
	if resp.StatusCode != http.StatusOK {
		return training.Job{}, errorFromResponse("reading training job", resp)
	}

	var job training.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return training.Job{}, fmt.Errorf("failed to decode training job: %w", err)
	}
	return job, nil
}

// CancelJob interrupts a running training job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, training.TrainingPrefix+"/jobs/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("no such training job: %s", id)
	default:
		return errorFromResponse("canceling training job", resp)
	}
}

// JobLogs streams a training job's log into w. With follow, the stream
// continues until the job finishes.
func (c *Client) JobLogs(ctx context.Context, id string, follow bool, w io.Writer) error {
	logsPath := training.TrainingPrefix + "/jobs/" + id + "/logs"
	if follow {
		logsPath += "?follow=true"
	}
	resp, err := c.doRequest(ctx, http.MethodGet, logsPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("no such training job: %s", id)
	}
	if resp.StatusCode != http.StatusOK {
		return errorFromResponse("reading training job logs", resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("error reading log stream: %w", err)
	}
	return nil
}

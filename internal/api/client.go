// Package api talks to the conversion backend over HTTP: conversion requests,
// job status and file downloads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ytjobs/internal/models"
)

const DefaultRequestTimeout = 30 * time.Second

// ErrJobNotFound is returned by JobStatus when the backend answers 404.
var ErrJobNotFound = errors.New("job not found")

// APIError is a non-2xx answer other than a 404 on the status endpoint.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for baseURL. A nil httpClient gets a default one
// with DefaultRequestTimeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Convert asks the backend to start converting videoURL.
func (c *Client) Convert(ctx context.Context, videoURL string, mode models.Mode) (*models.VideoInfo, error) {
	videoURL = strings.TrimSpace(videoURL)
	if videoURL == "" {
		return nil, errors.New("video url is required")
	}

	body, err := json.Marshal(models.ConvertRequest{URL: videoURL, Mode: mode})
	if err != nil {
		return nil, fmt.Errorf("failed to encode convert request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/yt-convert", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build convert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("convert request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp)
	}

	var info models.VideoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode convert response: %w", err)
	}
	if info.Mode == "" {
		info.Mode = mode
	}
	return &info, nil
}

// JobStatus fetches GET /status/{jobID}.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*models.JobUpdate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrJobNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp)
	}

	var update models.JobUpdate
	if err := json.NewDecoder(resp.Body).Decode(&update); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	if update.ID == "" {
		update.ID = jobID
	}
	return &update, nil
}

// Download streams the converted file for fileID into w and returns the file
// name suggested by the backend, if any.
func (c *Client) Download(ctx context.Context, fileID string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/yt-download/"+url.PathEscape(fileID), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("failed to read download body: %w", err)
	}
	return fileNameFromDisposition(resp.Header.Get("Content-Disposition")), nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || len(raw) == 0 {
		return apiErr
	}
	var body models.ErrorResponse
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		apiErr.Detail = body.Detail
		return apiErr
	}
	apiErr.Detail = strings.TrimSpace(string(raw))
	return apiErr
}

func fileNameFromDisposition(v string) string {
	for _, part := range strings.Split(v, ";") {
		part = strings.TrimSpace(part)
		if name, ok := strings.CutPrefix(part, "filename="); ok {
			return strings.Trim(name, `"`)
		}
	}
	return ""
}

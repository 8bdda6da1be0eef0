package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"reasoningbank/pkg/types"
)

// bankClient is a thin wrapper over the tool surface's HTTP API
// (internal/toolsurface.Handler.Router), one method per endpoint.
type bankClient struct {
	baseURL string
	http    *http.Client
}

func newBankClient(baseURL string, h *http.Client) *bankClient {
	return &bankClient{baseURL: baseURL, http: h}
}

// apiError mirrors the tool surface's {"error": "<kind>"} response body.
type apiError struct {
	Error string `json:"error"`
}

func (c *bankClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Error, resp.Status)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type insertRequest struct {
	Task      string         `json:"task"`
	Context   string         `json:"context"`
	Strategy  string         `json:"strategy"`
	Embedding []float32      `json:"embedding"`
	Outcome   *types.Outcome `json:"outcome,omitempty"`
}

type insertResponse struct {
	ID string `json:"id"`
}

func (c *bankClient) insert(ctx context.Context, req insertRequest) (string, error) {
	var resp insertResponse
	if err := c.do(ctx, http.MethodPost, "/patterns", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *bankClient) observe(ctx context.Context, id string, outcome types.Outcome) error {
	return c.do(ctx, http.MethodPost, "/patterns/"+id+"/outcome", outcome, nil)
}

type recommendRequest struct {
	Task          string    `json:"task"`
	Context       string    `json:"context"`
	Embedding     []float32 `json:"embedding"`
	K             *int      `json:"k,omitempty"`
	MinSimilarity *float32  `json:"min_similarity,omitempty"`
}

func (c *bankClient) recommend(ctx context.Context, req recommendRequest) (types.Recommendation, error) {
	var rec types.Recommendation
	err := c.do(ctx, http.MethodPost, "/recommend", req, &rec)
	return rec, err
}

func (c *bankClient) strategyStats(ctx context.Context, contextTag string) ([]types.StrategyStats, error) {
	var stats []types.StrategyStats
	err := c.do(ctx, http.MethodGet, "/strategies/"+contextTag, nil, &stats)
	return stats, err
}

func (c *bankClient) requestSnapshot(ctx context.Context, peer string) error {
	return c.do(ctx, http.MethodPost, "/snapshot/request", map[string]string{"peer": peer}, nil)
}

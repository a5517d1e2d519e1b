package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/flossfund/pkg/retry"
)

// HTTPClient talks to a remote registry resolver service over JSON
type HTTPClient struct {
	baseURL string
	client  *http.Client
	retry   *retry.Policy
}

// NewHTTPClient creates an oracle client for the resolver at baseURL
func NewHTTPClient(baseURL string, timeout time.Duration, policy *retry.Policy) *HTTPClient {
	if policy == nil {
		policy = retry.NewPolicy(retry.DefaultConfig())
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry: policy,
	}
}

// StatusError is returned when the resolver answers with a non-2xx status
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oracle %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// SupportedManifestPatterns lists the manifest globs the resolver understands
func (c *HTTPClient) SupportedManifestPatterns(ctx context.Context) ([]ManifestPattern, error) {
	var patterns []ManifestPattern
	if err := c.call(ctx, http.MethodGet, "/v1/manifest-patterns", nil, &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

// ExtractDependencies parses raw manifests into one group per ecosystem
func (c *HTTPClient) ExtractDependencies(ctx context.Context, manifests []Manifest) ([]DependencyGroup, error) {
	var groups []DependencyGroup
	body := map[string]interface{}{"manifests": manifests}
	if err := c.call(ctx, http.MethodPost, "/v1/dependencies", body, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// ComputeWeights weighs the dependency tree rooted at the request's top-level packages
func (c *HTTPClient) ComputeWeights(ctx context.Context, req WeightRequest) (map[string]float64, error) {
	var weights map[string]float64
	if err := c.call(ctx, http.MethodPost, "/v1/weights", req, &weights); err != nil {
		return nil, err
	}
	return weights, nil
}

// LatestSpec builds a top-level specifier for the latest version of name
func (c *HTTPClient) LatestSpec(ctx context.Context, name string, eco Ecosystem) (string, error) {
	var resp struct {
		Spec string `json:"spec"`
	}
	body := map[string]string{"name": name, "language": eco.Language, "registry": eco.Registry}
	if err := c.call(ctx, http.MethodPost, "/v1/latest-spec", body, &resp); err != nil {
		return "", err
	}
	if resp.Spec == "" {
		return "", fmt.Errorf("oracle returned an empty spec for %s", name)
	}
	return resp.Spec, nil
}

func (c *HTTPClient) call(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode oracle request: %w", err)
		}
	}

	return c.retry.Do(ctx, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to create oracle request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("oracle request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			statusErr := &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
			if resp.StatusCode >= 500 {
				return statusErr
			}
			return retry.Permanent(statusErr)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode oracle response: %w", err))
		}
		return nil
	})
}

package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/flossfund/pkg/retry"
)

func newTestClient(url string) *HTTPClient {
	policy := retry.NewPolicy(retry.Config{MaxAttempts: 3}).WithSleep(func(ctx context.Context, d time.Duration) error { return nil })
	return NewHTTPClient(url, 5*time.Second, policy)
}

func TestEcosystem_Key(t *testing.T) {
	assert.Equal(t, "javascript_npm", Ecosystem{Language: "javascript", Registry: "npm"}.Key())
}

type countingOracle struct {
	Oracle
	calls   int
	weights map[string]float64
	err     error
	last    WeightRequest
}

func (c *countingOracle) ComputeWeights(ctx context.Context, req WeightRequest) (map[string]float64, error) {
	c.calls++
	c.last = req
	return c.weights, c.err
}

func TestWeigh(t *testing.T) {
	t.Run("empty group skips the oracle", func(t *testing.T) {
		o := &countingOracle{}
		wm, err := Weigh(context.Background(), o, DependencyGroup{Language: "python", Registry: "pypi"}, nil, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, o.calls)
		assert.Equal(t, 0, wm.Size())
		assert.NotNil(t, wm.Weights)
	})

	t.Run("forwards exclusions and epsilon", func(t *testing.T) {
		o := &countingOracle{weights: map[string]float64{"left-pad": 0.25, "react": 0.75}}
		group := DependencyGroup{Language: "javascript", Registry: "npm", Deps: []string{"react@^18"}}
		wm, err := Weigh(context.Background(), o, group, []string{"internal-lib"}, 100)
		require.NoError(t, err)
		assert.Equal(t, 2, wm.Size())
		assert.Equal(t, []string{"internal-lib"}, o.last.Excluded)
		assert.Equal(t, float64(100), o.last.Epsilon)
		assert.Equal(t, Ecosystem{Language: "javascript", Registry: "npm"}, wm.Ecosystem())
	})

	t.Run("drops excluded packages and rescales", func(t *testing.T) {
		o := &countingOracle{weights: map[string]float64{"a": 0.8, "b": 0.8, "left-pad": 0.4}}
		group := DependencyGroup{Language: "javascript", Registry: "npm", Deps: []string{"a"}}
		wm, err := Weigh(context.Background(), o, group, []string{"left-pad"}, 0)
		require.NoError(t, err)
		assert.NotContains(t, wm.Weights, "left-pad")
		assert.InDelta(t, 0.5, wm.Weights["a"], 1e-12)
		assert.InDelta(t, 0.5, wm.Weights["b"], 1e-12)
	})

	t.Run("keeps a map that already sums to one", func(t *testing.T) {
		o := &countingOracle{weights: map[string]float64{"a": 0.1, "b": 0.2, "c": 0.7}}
		wm, err := Weigh(context.Background(), o, DependencyGroup{Deps: []string{"a"}}, nil, 0)
		require.NoError(t, err)
		assert.Equal(t, 0.1, wm.Weights["a"])
		assert.Equal(t, 0.7, wm.Weights["c"])
	})

	t.Run("everything excluded yields an empty map", func(t *testing.T) {
		o := &countingOracle{weights: map[string]float64{"evil": 1}}
		wm, err := Weigh(context.Background(), o, DependencyGroup{Deps: []string{"evil"}}, []string{"evil"}, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, wm.Size())
		assert.NotNil(t, wm.Weights)
	})

	t.Run("rejects unusable weights", func(t *testing.T) {
		for name, weights := range map[string]map[string]float64{
			"negative": {"a": 1.5, "b": -0.5},
			"zero sum": {"a": 0, "b": 0},
		} {
			o := &countingOracle{weights: weights}
			_, err := Weigh(context.Background(), o, DependencyGroup{Deps: []string{"a"}}, nil, 0)
			assert.ErrorIs(t, err, ErrInvalidWeights, name)
		}
	})

	t.Run("propagates oracle errors", func(t *testing.T) {
		boom := errors.New("resolver down")
		o := &countingOracle{err: boom}
		_, err := Weigh(context.Background(), o, DependencyGroup{Deps: []string{"x"}}, nil, 0)
		assert.ErrorIs(t, err, boom)
	})
}

func TestHTTPClient_ComputeWeights(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/weights", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req WeightRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"requests"}, req.TopLevelPackages)
		assert.Equal(t, []string{"setuptools"}, req.Excluded)

		_ = json.NewEncoder(w).Encode(map[string]float64{"requests": 0.5, "urllib3": 0.5})
	}))
	defer srv.Close()

	weights, err := newTestClient(srv.URL).ComputeWeights(context.Background(), WeightRequest{
		TopLevelPackages: []string{"requests"},
		Language:         "python",
		Registry:         "pypi",
		Excluded:         []string{"setuptools"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, weights["requests"]+weights["urllib3"], 1e-9)
}

func TestHTTPClient_SupportedManifestPatterns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"registry":"npm","language":"javascript","patterns":["package.json"]}]`))
	}))
	defer srv.Close()

	patterns, err := newTestClient(srv.URL).SupportedManifestPatterns(context.Background())
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, []string{"package.json"}, patterns[0].Patterns)
	assert.Equal(t, "javascript_npm", patterns[0].Ecosystem().Key())
}

func TestHTTPClient_LatestSpec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "react", body["name"])
		_, _ = w.Write([]byte(`{"spec":"react@latest"}`))
	}))
	defer srv.Close()

	spec, err := newTestClient(srv.URL).LatestSpec(context.Background(), "react", Ecosystem{Language: "javascript", Registry: "npm"})
	require.NoError(t, err)
	assert.Equal(t, "react@latest", spec)
}

func TestHTTPClient_ExtractDependencies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Manifests []Manifest `json:"manifests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Manifests, 2)
		_, _ = w.Write([]byte(`[{"language":"javascript","registry":"npm","deps":["a","b"]}]`))
	}))
	defer srv.Close()

	groups, err := newTestClient(srv.URL).ExtractDependencies(context.Background(), []Manifest{
		{Registry: "npm", Language: "javascript", Content: `{"dependencies":{"a":"1"}}`},
		{Registry: "npm", Language: "javascript", Content: `{"dependencies":{"b":"1"}}`},
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b"}, groups[0].Deps)
}

func TestHTTPClient_Errors(t *testing.T) {
	t.Run("5xx is retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).ComputeWeights(context.Background(), WeightRequest{})
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("4xx is not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "unknown registry", http.StatusBadRequest)
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).ComputeWeights(context.Background(), WeightRequest{})
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
		assert.Equal(t, "unknown registry", statusErr.Body)
		assert.Equal(t, int32(1), calls.Load())
	})
}

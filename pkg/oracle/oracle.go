package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidWeights is returned when an oracle weight map cannot be normalized
var ErrInvalidWeights = errors.New("invalid weight map")

// weightTolerance is how far a weight sum may drift from 1 before it is rescaled
const weightTolerance = 1e-9

// Ecosystem identifies a (language, registry) pair such as javascript/npm
type Ecosystem struct {
	Language string `json:"language"`
	Registry string `json:"registry"`
}

// Key returns the "{language}_{registry}" form used in artifact keys and logs
func (e Ecosystem) Key() string {
	return fmt.Sprintf("%s_%s", e.Language, e.Registry)
}

// ManifestPattern lists the filename globs that identify manifests of one ecosystem
type ManifestPattern struct {
	Registry string   `json:"registry"`
	Language string   `json:"language"`
	Patterns []string `json:"patterns"`
}

// Ecosystem returns the pattern's (language, registry) pair
func (p ManifestPattern) Ecosystem() Ecosystem {
	return Ecosystem{Language: p.Language, Registry: p.Registry}
}

// Manifest is one crawled manifest file, unparsed
type Manifest struct {
	Registry string `json:"registry"`
	Language string `json:"language"`
	Content  string `json:"manifest"`
}

// DependencyGroup holds every top-level specifier found for one ecosystem
type DependencyGroup struct {
	Language string   `json:"language"`
	Registry string   `json:"registry"`
	Deps     []string `json:"deps"`
}

// Ecosystem returns the group's (language, registry) pair
func (g DependencyGroup) Ecosystem() Ecosystem {
	return Ecosystem{Language: g.Language, Registry: g.Registry}
}

// WeightMap maps package names to their fraction of an ecosystem's share.
// Weights sum to 1 unless the map is empty.
type WeightMap struct {
	Language string             `json:"language"`
	Registry string             `json:"registry"`
	Weights  map[string]float64 `json:"weights"`
}

// Ecosystem returns the map's (language, registry) pair
func (w WeightMap) Ecosystem() Ecosystem {
	return Ecosystem{Language: w.Language, Registry: w.Registry}
}

// Size returns the number of packages in the map
func (w WeightMap) Size() int {
	return len(w.Weights)
}

// WeightRequest asks the oracle to weigh an ecosystem's dependency tree
type WeightRequest struct {
	TopLevelPackages []string `json:"topLevelPackages"`
	Language         string   `json:"language"`
	Registry         string   `json:"registry"`
	// Excluded packages never receive weight
	Excluded []string `json:"noCompList"`
	// Epsilon is the smallest compensable share in millicents; 0 leaves the oracle default
	Epsilon float64 `json:"epsilon,omitempty"`
}

// Oracle resolves manifests into dependency groups and weighs dependency trees.
// Dependency resolution itself lives behind this interface.
type Oracle interface {
	SupportedManifestPatterns(ctx context.Context) ([]ManifestPattern, error)
	ExtractDependencies(ctx context.Context, manifests []Manifest) ([]DependencyGroup, error)
	ComputeWeights(ctx context.Context, req WeightRequest) (map[string]float64, error)
	LatestSpec(ctx context.Context, name string, eco Ecosystem) (string, error)
}

// Weigh computes the weight map for one dependency group. Groups without
// dependencies yield an empty map without consulting the oracle. Excluded
// packages are dropped from the oracle's answer and the rest is rescaled to
// sum to 1.
func Weigh(ctx context.Context, o Oracle, group DependencyGroup, excluded []string, epsilon float64) (WeightMap, error) {
	wm := WeightMap{Language: group.Language, Registry: group.Registry, Weights: map[string]float64{}}
	if len(group.Deps) == 0 {
		return wm, nil
	}

	weights, err := o.ComputeWeights(ctx, WeightRequest{
		TopLevelPackages: group.Deps,
		Language:         group.Language,
		Registry:         group.Registry,
		Excluded:         excluded,
		Epsilon:          epsilon,
	})
	if err != nil {
		return wm, fmt.Errorf("failed to compute weights for %s: %w", group.Ecosystem().Key(), err)
	}
	normalized, err := normalize(weights, excluded)
	if err != nil {
		return wm, fmt.Errorf("oracle weights for %s: %w", group.Ecosystem().Key(), err)
	}
	wm.Weights = normalized
	return wm, nil
}

func normalize(weights map[string]float64, excluded []string) (map[string]float64, error) {
	skip := make(map[string]struct{}, len(excluded))
	for _, name := range excluded {
		skip[name] = struct{}{}
	}

	out := make(map[string]float64, len(weights))
	sum := 0.0
	for name, w := range weights {
		if _, ok := skip[name]; ok {
			continue
		}
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return nil, fmt.Errorf("%w: %s has weight %v", ErrInvalidWeights, name, w)
		}
		out[name] = w
		sum += w
	}
	if len(out) == 0 {
		return out, nil
	}
	if sum <= 0 {
		return nil, fmt.Errorf("%w: weights sum to %v", ErrInvalidWeights, sum)
	}
	if math.Abs(sum-1) > weightTolerance {
		for name, w := range out {
			out[name] = w / sum
		}
	}
	return out, nil
}

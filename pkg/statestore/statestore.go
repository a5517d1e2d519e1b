package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/flossfund/pkg/oracle"
)

// ErrNotFound is returned when a run has no object under the requested key
var ErrNotFound = errors.New("state not found")

// Artifact kinds written by the split flow
const (
	KindTopLevelPackages = "top_level_packages"
	KindWeightMap        = "package_weight_map"
)

// RunStateKey is the key of a run's state record
const RunStateKey = "run_state.json"

// Stage is a point in the split flow. Stages only move forward.
type Stage string

const (
	StageScraped     Stage = "SCRAPED"
	StageWeighed     Stage = "WEIGHED"
	StageDistributed Stage = "DISTRIBUTED"
)

// Ordinal orders stages; unknown stages sort first
func (s Stage) Ordinal() int {
	switch s {
	case StageScraped:
		return 1
	case StageWeighed:
		return 2
	case StageDistributed:
		return 3
	default:
		return 0
	}
}

// Reached reports whether s is at or beyond other
func (s Stage) Reached(other Stage) bool {
	return s.Ordinal() >= other.Ordinal()
}

// RunState is the persisted progress of one correlation id through the split flow
type RunState struct {
	CorrelationID string             `json:"correlationId"`
	Stage         Stage              `json:"stage"`
	Request       json.RawMessage    `json:"request"`
	Groups        []oracle.Ecosystem `json:"groups"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// Bridge stores JSON values under a correlation id. Put on an existing key
// overwrites it.
type Bridge interface {
	Put(ctx context.Context, correlationID, key string, v interface{}) error
	Get(ctx context.Context, correlationID, key string, v interface{}) error
}

// ArtifactKey names the artifact of kind for one ecosystem
func ArtifactKey(eco oracle.Ecosystem, kind string) string {
	return fmt.Sprintf("%s_%s_%s.json", eco.Language, eco.Registry, kind)
}

// ObjectKey is the full object key of key within a run
func ObjectKey(correlationID, key string) string {
	return correlationID + "/" + key
}

// SaveRunState writes state, stamping UpdatedAt
func SaveRunState(ctx context.Context, b Bridge, state *RunState) error {
	if state.CorrelationID == "" {
		return errors.New("correlation id is required")
	}
	state.UpdatedAt = time.Now().UTC()
	if err := b.Put(ctx, state.CorrelationID, RunStateKey, state); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

// LoadRunState reads a run's state. A run that was never scraped returns ErrNotFound.
func LoadRunState(ctx context.Context, b Bridge, correlationID string) (*RunState, error) {
	var state RunState
	if err := b.Get(ctx, correlationID, RunStateKey, &state); err != nil {
		return nil, fmt.Errorf("failed to load run state %s: %w", correlationID, err)
	}
	return &state, nil
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/flossfund/pkg/observability"
	"github.com/platinummonkey/flossfund/pkg/oracle"
	"github.com/platinummonkey/flossfund/pkg/statestore"
	"github.com/platinummonkey/flossfund/pkg/store"
)

// The split flow moves a run through SCRAPED, WEIGHED and DISTRIBUTED. The run
// state in the state store is the only source of truth: queue messages carry the
// correlation id and nothing else. Scrape and Weigh may run again for the same
// id and overwrite their artifacts; a stage that finds the run already past it
// does nothing.

// Scrape resolves the donation's dependency groups, stores one top-level
// dependency artifact per group and hands the run to the weigh stage
func (o *Orchestrator) Scrape(ctx context.Context, correlationID string, req DonationRequest) (err error) {
	start := o.now()
	defer func() { o.observeStage("scrape", start, err) }()

	if correlationID == "" {
		return &ValidationError{Field: "correlationId", Message: "correlation id is required"}
	}
	if err := req.Validate(); err != nil {
		return err
	}
	req.CorrelationID = correlationID
	ctx, logger := o.runContext(ctx, correlationID, "scrape")
	logger = logger.WithField("organization_id", req.OrganizationID)

	if state, err := o.loadState(ctx, correlationID); err != nil {
		return err
	} else if state != nil && state.Stage.Reached(statestore.StageWeighed) {
		logger.WithField("run_stage", state.Stage).Info("run already past scrape, skipping")
		return nil
	}

	res, err := o.resolve(ctx, req)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	ecosystems := make([]oracle.Ecosystem, len(res.groups))
	for i, group := range res.groups {
		ecosystems[i] = group.Ecosystem()
		g.Go(func() error {
			return o.state.Put(gctx, correlationID, statestore.ArtifactKey(group.Ecosystem(), statestore.KindTopLevelPackages), group)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to store top-level packages: %w", err)
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	err = statestore.SaveRunState(ctx, o.state, &statestore.RunState{
		CorrelationID: correlationID,
		Stage:         statestore.StageScraped,
		Request:       raw,
		Groups:        ecosystems,
	})
	if err != nil {
		return err
	}

	if err := o.sender.Send(ctx, o.weighQueueURL, StageMessage{CorrelationID: correlationID}); err != nil {
		return fmt.Errorf("failed to enqueue weigh stage: %w", err)
	}
	logger.WithField("groups", len(ecosystems)).Info("run scraped")
	return nil
}

// Weigh computes a weight map for every group scraped under correlationID and
// hands the run to the distribute stage
func (o *Orchestrator) Weigh(ctx context.Context, correlationID string) (err error) {
	start := o.now()
	defer func() { o.observeStage("weigh", start, err) }()

	ctx, logger := o.runContext(ctx, correlationID, "weigh")
	state, err := o.requireState(ctx, correlationID, statestore.StageScraped)
	if err != nil {
		return err
	}
	if state.Stage.Reached(statestore.StageDistributed) {
		logger.WithField("run_stage", state.Stage).Info("run already distributed, skipping")
		return nil
	}

	groups, err := o.loadGroups(ctx, correlationID, state.Groups)
	if err != nil {
		return err
	}

	maps, err := o.weighGroups(ctx, groups)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, wm := range maps {
		g.Go(func() error {
			return o.state.Put(gctx, correlationID, statestore.ArtifactKey(wm.Ecosystem(), statestore.KindWeightMap), wm)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to store weight maps: %w", err)
	}

	state.Stage = statestore.StageWeighed
	if err := statestore.SaveRunState(ctx, o.state, state); err != nil {
		return err
	}

	if err := o.sender.Send(ctx, o.distributeQueueURL, StageMessage{CorrelationID: correlationID}); err != nil {
		return fmt.Errorf("failed to enqueue distribute stage: %w", err)
	}
	logger.WithField("groups", len(maps)).Info("run weighed")
	return nil
}

// Post distributes a weighed run. It takes no lock: delivering the distribute
// message at most once per correlation id is the queue's responsibility. A run
// that is already distributed is left alone.
func (o *Orchestrator) Post(ctx context.Context, correlationID string) (err error) {
	start := o.now()
	defer func() { o.observeStage("post", start, err) }()

	ctx, logger := o.runContext(ctx, correlationID, "post")
	state, err := o.requireState(ctx, correlationID, statestore.StageWeighed)
	if err != nil {
		return err
	}
	if state.Stage.Reached(statestore.StageDistributed) {
		logger.Info("run already distributed, skipping")
		return nil
	}

	var req DonationRequest
	if err := json.Unmarshal(state.Request, &req); err != nil {
		return fmt.Errorf("failed to decode stored request: %w", err)
	}

	org, err := o.store.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &ValidationError{Field: "organizationId", Message: "unknown organization", Err: err}
		}
		return fmt.Errorf("failed to get organization: %w", err)
	}

	groups, err := o.loadGroups(ctx, correlationID, state.Groups)
	if err != nil {
		return err
	}
	maps := make([]oracle.WeightMap, len(state.Groups))
	for i, eco := range state.Groups {
		if err := o.state.Get(ctx, correlationID, statestore.ArtifactKey(eco, statestore.KindWeightMap), &maps[i]); err != nil {
			return fmt.Errorf("failed to load weight map for %s: %w", eco.Key(), err)
		}
	}

	if _, err := o.allocate(ctx, req, org, !req.Targeted(), groups, maps); err != nil {
		return err
	}

	state.Stage = statestore.StageDistributed
	if err := statestore.SaveRunState(ctx, o.state, state); err != nil {
		return err
	}
	return nil
}

// RunState returns the persisted state of a split-flow run
func (o *Orchestrator) RunState(ctx context.Context, correlationID string) (*statestore.RunState, error) {
	return statestore.LoadRunState(ctx, o.state, correlationID)
}

func (o *Orchestrator) runContext(ctx context.Context, correlationID, stage string) (context.Context, logrus.FieldLogger) {
	logger := observability.LoggerWithTraceContext(ctx, o.logger).WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"stage":          stage,
		"flow":           "split",
	})
	return observability.WithLogger(ctx, logger), logger
}

// loadState returns nil when the run has no state yet
func (o *Orchestrator) loadState(ctx context.Context, correlationID string) (*statestore.RunState, error) {
	state, err := statestore.LoadRunState(ctx, o.state, correlationID)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, nil
	}
	return state, err
}

func (o *Orchestrator) requireState(ctx context.Context, correlationID string, stage statestore.Stage) (*statestore.RunState, error) {
	if correlationID == "" {
		return nil, &ValidationError{Field: "correlationId", Message: "correlation id is required"}
	}
	state, err := o.loadState(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if state == nil || !state.Stage.Reached(stage) {
		return nil, fmt.Errorf("run %s needs stage %s: %w", correlationID, stage, ErrStageNotReached)
	}
	return state, nil
}

func (o *Orchestrator) loadGroups(ctx context.Context, correlationID string, ecosystems []oracle.Ecosystem) ([]oracle.DependencyGroup, error) {
	groups := make([]oracle.DependencyGroup, len(ecosystems))
	for i, eco := range ecosystems {
		if err := o.state.Get(ctx, correlationID, statestore.ArtifactKey(eco, statestore.KindTopLevelPackages), &groups[i]); err != nil {
			return nil, fmt.Errorf("failed to load top-level packages for %s: %w", eco.Key(), err)
		}
	}
	return groups, nil
}

func (o *Orchestrator) observeStage(stage string, start time.Time, err error) {
	o.metrics.StageDuration.WithLabelValues(stage).Observe(o.now().Sub(start).Seconds())
	if stage == "post" || err != nil {
		o.metrics.DonationsTotal.WithLabelValues("split", status(err)).Inc()
	}
}

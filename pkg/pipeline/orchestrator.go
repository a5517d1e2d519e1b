package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/flossfund/pkg/allocation"
	"github.com/platinummonkey/flossfund/pkg/crawler"
	"github.com/platinummonkey/flossfund/pkg/lock"
	"github.com/platinummonkey/flossfund/pkg/observability"
	"github.com/platinummonkey/flossfund/pkg/oracle"
	"github.com/platinummonkey/flossfund/pkg/queue"
	"github.com/platinummonkey/flossfund/pkg/statestore"
	"github.com/platinummonkey/flossfund/pkg/store"
)

// Store is the organization and package data the orchestrator reads
type Store interface {
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	GetPackage(ctx context.Context, id string) (*store.Package, error)
	ExclusionSet(ctx context.Context, eco oracle.Ecosystem) ([]string, error)
	CompensationEpsilon(ctx context.Context) (float64, error)
}

// ManifestCrawler finds an organization's manifest files
type ManifestCrawler interface {
	ManifestsForOrg(ctx context.Context, org crawler.Org, patterns []oracle.ManifestPattern) ([]oracle.Manifest, error)
}

// Options wires the orchestrator's collaborators. NewCrawler is called once per
// run so crawl caches never outlive it.
type Options struct {
	Store              Store
	Oracle             oracle.Oracle
	Locker             lock.Locker
	Engine             *allocation.Engine
	NewCrawler         func() ManifestCrawler
	State              statestore.Bridge
	Sender             queue.Sender
	WeighQueueURL      string
	DistributeQueueURL string
	Logger             logrus.FieldLogger
	Metrics            *observability.Metrics
	Now                func() time.Time
}

// Orchestrator sequences dependency discovery, weighing and allocation
type Orchestrator struct {
	store              Store
	oracle             oracle.Oracle
	locker             lock.Locker
	engine             *allocation.Engine
	newCrawler         func() ManifestCrawler
	state              statestore.Bridge
	sender             queue.Sender
	weighQueueURL      string
	distributeQueueURL string
	logger             logrus.FieldLogger
	metrics            *observability.Metrics
	now                func() time.Time
}

// New creates an orchestrator
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:              opts.Store,
		oracle:             opts.Oracle,
		locker:             opts.Locker,
		engine:             opts.Engine,
		newCrawler:         opts.NewCrawler,
		state:              opts.State,
		sender:             opts.Sender,
		weighQueueURL:      opts.WeighQueueURL,
		distributeQueueURL: opts.DistributeQueueURL,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
		now:                opts.Now,
	}
}

// resolution is the dependency discovery result for one donation
type resolution struct {
	org     *store.Organization
	groups  []oracle.DependencyGroup
	crawled bool
}

// Distribute runs a donation end to end under the organization's lock. The lock
// is released when the run succeeds or fails before posting; once posting has
// started a failure leaves the lock to expire so a redelivery inside the TTL
// cannot post twice.
func (o *Orchestrator) Distribute(ctx context.Context, req DonationRequest) (summary *allocation.Summary, err error) {
	start := o.now()
	defer func() { o.observe("distribute", "sync", start, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger.WithFields(logrus.Fields{
		"organization_id": req.OrganizationID,
		"flow":            "sync",
	})
	ctx = observability.WithLogger(ctx, logger)

	info, err := o.locker.Acquire(ctx, req.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	logger.WithField("locked_until", info.LockedUntil).Debug("organization locked")

	posting := false
	defer func() {
		if err != nil && posting {
			logger.WithError(err).Warn("posting failed, leaving organization lock to expire")
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rerr := o.locker.Release(releaseCtx, req.OrganizationID); rerr != nil {
			logger.WithError(rerr).Error("failed to release organization lock")
		}
	}()

	res, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	maps, err := o.weighGroups(ctx, res.groups)
	if err != nil {
		return nil, err
	}

	posting = true
	return o.allocate(ctx, req, res.org, res.crawled, res.groups, maps)
}

// allocate posts the donation and applies the organization updates
func (o *Orchestrator) allocate(ctx context.Context, req DonationRequest, org *store.Organization, crawled bool,
	groups []oracle.DependencyGroup, maps []oracle.WeightMap) (*allocation.Summary, error) {

	ts := req.Time(o.now)
	summary, err := o.engine.Distribute(ctx, allocation.Allocation{
		OrganizationID: req.OrganizationID,
		Amount:         req.Amount,
		Redistributed:  req.RedistributedDonation,
		Description:    req.Description,
		Timestamp:      ts,
		WeightMaps:     maps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to distribute donation: %w", err)
	}

	err = o.engine.Finalize(ctx, allocation.Outcome{
		OrganizationID:       req.OrganizationID,
		Amount:               req.Amount,
		Redistributed:        req.RedistributedDonation,
		ManuallyBilled:       org.ManuallyBilled,
		Crawled:              crawled,
		TotalDependencies:    allocation.TotalPackages(maps),
		TopLevelDependencies: topLevelCount(groups),
		Timestamp:            ts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize donation: %w", err)
	}

	observability.FromContext(ctx).WithFields(logrus.Fields{
		"distributed":    summary.Distributed,
		"total_packages": summary.TotalPackages,
		"postings":       summary.Postings,
	}).Info("donation finalized")
	return summary, nil
}

// resolve finds the dependency groups a donation is spread over. A targeted
// donation yields one group holding the package's latest specifier and never
// crawls.
func (o *Orchestrator) resolve(ctx context.Context, req DonationRequest) (*resolution, error) {
	org, err := o.store.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ValidationError{Field: "organizationId", Message: "unknown organization", Err: err}
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	if req.Targeted() {
		group, err := o.targetGroup(ctx, req.TargetPackageID)
		if err != nil {
			return nil, err
		}
		return &resolution{org: org, groups: []oracle.DependencyGroup{group}}, nil
	}

	groups, err := o.crawlGroups(ctx, org)
	if err != nil {
		return nil, err
	}
	return &resolution{org: org, groups: groups, crawled: true}, nil
}

func (o *Orchestrator) targetGroup(ctx context.Context, packageID string) (oracle.DependencyGroup, error) {
	pkg, err := o.store.GetPackage(ctx, packageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return oracle.DependencyGroup{}, &ValidationError{Field: "targetPackageId", Message: "unknown package", Err: err}
		}
		return oracle.DependencyGroup{}, fmt.Errorf("failed to get package: %w", err)
	}
	if pkg.Name == "" || pkg.Language == "" || pkg.Registry == "" {
		return oracle.DependencyGroup{}, &ValidationError{
			Field:   "targetPackageId",
			Message: fmt.Sprintf("package %s is missing its name, language or registry", packageID),
		}
	}

	spec, err := o.oracle.LatestSpec(ctx, pkg.Name, pkg.Ecosystem())
	if err != nil {
		return oracle.DependencyGroup{}, fmt.Errorf("failed to build latest spec for %s: %w", pkg.Name, err)
	}
	return oracle.DependencyGroup{Language: pkg.Language, Registry: pkg.Registry, Deps: []string{spec}}, nil
}

func (o *Orchestrator) crawlGroups(ctx context.Context, org *store.Organization) ([]oracle.DependencyGroup, error) {
	if org.InstallationID == 0 {
		return nil, &ValidationError{Field: "installationId", Message: fmt.Sprintf("organization %s has no code host installation", org.ID)}
	}

	patterns, err := o.oracle.SupportedManifestPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest patterns: %w", err)
	}

	manifests, err := o.newCrawler().ManifestsForOrg(ctx, crawler.Org{Name: org.Name, InstallationID: org.InstallationID}, patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to crawl %s: %w", org.Name, err)
	}
	if len(manifests) == 0 {
		observability.FromContext(ctx).Info("no manifests found")
		return nil, nil
	}

	groups, err := o.oracle.ExtractDependencies(ctx, manifests)
	if err != nil {
		return nil, fmt.Errorf("failed to extract dependencies: %w", err)
	}
	return mergeGroups(groups), nil
}

// weighGroups computes every group's weight map concurrently. The result is
// aligned with groups.
func (o *Orchestrator) weighGroups(ctx context.Context, groups []oracle.DependencyGroup) ([]oracle.WeightMap, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	epsilon, err := o.store.CompensationEpsilon(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read compensation epsilon: %w", err)
	}

	maps := make([]oracle.WeightMap, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		g.Go(func() error {
			excluded, err := o.store.ExclusionSet(gctx, group.Ecosystem())
			if err != nil {
				return fmt.Errorf("failed to get exclusion set for %s: %w", group.Ecosystem().Key(), err)
			}
			wm, err := oracle.Weigh(gctx, o.oracle, group, excluded, epsilon)
			if err != nil {
				return err
			}
			maps[i] = wm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return maps, nil
}

func (o *Orchestrator) observe(stage, flow string, start time.Time, err error) {
	o.metrics.StageDuration.WithLabelValues(stage).Observe(o.now().Sub(start).Seconds())
	o.metrics.DonationsTotal.WithLabelValues(flow, status(err)).Inc()
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case lock.IsAlreadyLocked(err):
		return "contended"
	case IsValidationError(err):
		return "invalid"
	default:
		return "failed"
	}
}

// mergeGroups folds groups sharing an ecosystem together so each ecosystem has
// one artifact and one weight map. Output is ordered by ecosystem key.
func mergeGroups(groups []oracle.DependencyGroup) []oracle.DependencyGroup {
	byKey := make(map[string]*oracle.DependencyGroup, len(groups))
	keys := make([]string, 0, len(groups))
	for _, g := range groups {
		key := g.Ecosystem().Key()
		existing, ok := byKey[key]
		if !ok {
			merged := oracle.DependencyGroup{Language: g.Language, Registry: g.Registry}
			byKey[key] = &merged
			keys = append(keys, key)
			existing = &merged
		}
		existing.Deps = appendUnique(existing.Deps, g.Deps...)
	}
	sort.Strings(keys)

	merged := make([]oracle.DependencyGroup, 0, len(keys))
	for _, key := range keys {
		merged = append(merged, *byKey[key])
	}
	return merged
}

func appendUnique(dst []string, values ...string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}

func topLevelCount(groups []oracle.DependencyGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Deps)
	}
	return n
}

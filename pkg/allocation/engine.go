package allocation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/flossfund/pkg/observability"
	"github.com/platinummonkey/flossfund/pkg/oracle"
)

// Posting is one ledger entry crediting a package
type Posting struct {
	ID             string    `json:"id"`
	PackageName    string    `json:"packageName"`
	OrganizationID string    `json:"organizationId"`
	Description    string    `json:"description,omitempty"`
	Amount         float64   `json:"amount"`
	Timestamp      time.Time `json:"timestamp"`
}

// UsageSnapshot records how much open source an organization used at a point in time
type UsageSnapshot struct {
	TotalDependencies    int       `json:"totalDependencies"`
	TopLevelDependencies int       `json:"topLevelDependencies"`
	Timestamp            time.Time `json:"timestamp"`
}

// LedgerWriter appends postings to package ledgers. Packages not yet stored are
// created on write.
type LedgerWriter interface {
	PostDonations(ctx context.Context, eco oracle.Ecosystem, postings []Posting) error
}

// AccountUpdater applies post-allocation changes to an organization
type AccountUpdater interface {
	AppendUsageSnapshot(ctx context.Context, organizationID string, snapshot UsageSnapshot) error
	IncrementDonated(ctx context.Context, organizationID string, amount int64) error
	DecrementRemaining(ctx context.Context, organizationID string, amount int64) error
}

// Allocation is one donation ready to be spread over weight maps. Amount is the
// raw donation in millicents.
type Allocation struct {
	OrganizationID string
	Amount         int64
	Redistributed  bool
	Description    string
	Timestamp      time.Time
	WeightMaps     []oracle.WeightMap
}

// Summary describes what Distribute posted
type Summary struct {
	Adjusted      float64
	TotalPackages int
	Groups        []GroupShare
	Distributed   int64
	Postings      int
}

// Outcome carries what Finalize needs to update the organization. Crawled is
// false for single-package donations, which take no usage snapshot.
type Outcome struct {
	OrganizationID       string
	Amount               int64
	Redistributed        bool
	ManuallyBilled       bool
	Crawled              bool
	TotalDependencies    int
	TopLevelDependencies int
	Timestamp            time.Time
}

// Engine turns donations into ledger postings and account updates
type Engine struct {
	ledger   LedgerWriter
	accounts AccountUpdater
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
	newID    func() string
}

// NewEngine creates an allocation engine
func NewEngine(ledger LedgerWriter, accounts AccountUpdater, logger logrus.FieldLogger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Engine{
		ledger:   ledger,
		accounts: accounts,
		logger:   logger,
		metrics:  metrics,
		newID:    func() string { return uuid.New().String() },
	}
}

// Distribute posts one ledger entry per weighted package. New money is fee
// adjusted first; redistributed money already was. Groups are posted
// concurrently and the first failure is returned.
func (e *Engine) Distribute(ctx context.Context, a Allocation) (*Summary, error) {
	adjusted := float64(a.Amount)
	if !a.Redistributed {
		adjusted = AdjustAmount(a.Amount)
	}

	summary := &Summary{
		Adjusted:      adjusted,
		TotalPackages: TotalPackages(a.WeightMaps),
	}
	logger := e.logger.WithFields(logrus.Fields{
		"organization_id": a.OrganizationID,
		"total_packages":  summary.TotalPackages,
	})

	if summary.TotalPackages == 0 {
		logger.Warn("No packages found; skipping distribution")
		return summary, nil
	}

	summary.Groups = Split(adjusted, a.WeightMaps)
	for _, share := range summary.Groups {
		summary.Distributed += share.Amount
		summary.Postings += share.WeightMap.Size()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, share := range summary.Groups {
		g.Go(func() error {
			return e.postGroup(gctx, a, share)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"adjusted_amount": adjusted,
		"distributed":     summary.Distributed,
		"groups":          len(summary.Groups),
	}).Info("Donation distributed")

	return summary, nil
}

func (e *Engine) postGroup(ctx context.Context, a Allocation, share GroupShare) error {
	eco := share.WeightMap.Ecosystem()

	names := make([]string, 0, share.WeightMap.Size())
	for name := range share.WeightMap.Weights {
		names = append(names, name)
	}
	sort.Strings(names)

	postings := make([]Posting, 0, len(names))
	for _, name := range names {
		postings = append(postings, Posting{
			ID:             e.newID(),
			PackageName:    name,
			OrganizationID: a.OrganizationID,
			Description:    a.Description,
			Amount:         float64(share.Amount) * share.WeightMap.Weights[name],
			Timestamp:      a.Timestamp,
		})
	}

	if err := e.ledger.PostDonations(ctx, eco, postings); err != nil {
		return fmt.Errorf("failed to post donations for %s: %w", eco.Key(), err)
	}

	e.metrics.MillicentsDistributed.Add(float64(share.Amount))
	e.metrics.LedgerPostingsTotal.WithLabelValues(eco.Language, eco.Registry).Add(float64(len(postings)))
	return nil
}

// Finalize applies the organization updates that follow a successful
// distribution: a usage snapshot when dependencies were crawled, the
// total-donated counter for new money, and the remaining balance of a manually
// billed organization. Both counters move by the raw amount, before fees.
func (e *Engine) Finalize(ctx context.Context, o Outcome) error {
	if o.Crawled {
		snapshot := UsageSnapshot{
			TotalDependencies:    o.TotalDependencies,
			TopLevelDependencies: o.TopLevelDependencies,
			Timestamp:            o.Timestamp,
		}
		if err := e.accounts.AppendUsageSnapshot(ctx, o.OrganizationID, snapshot); err != nil {
			return fmt.Errorf("failed to record usage snapshot: %w", err)
		}
	}

	if !o.Redistributed {
		if err := e.accounts.IncrementDonated(ctx, o.OrganizationID, o.Amount); err != nil {
			return fmt.Errorf("failed to update donated amount: %w", err)
		}
	}

	if o.ManuallyBilled {
		if err := e.accounts.DecrementRemaining(ctx, o.OrganizationID, o.Amount); err != nil {
			return fmt.Errorf("failed to update remaining donation: %w", err)
		}
	}

	return nil
}

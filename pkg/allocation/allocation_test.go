package allocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/flossfund/pkg/observability"
	"github.com/platinummonkey/flossfund/pkg/oracle"
)

type fakeLedger struct {
	mu       sync.Mutex
	postings map[oracle.Ecosystem][]Posting
	err      error
}

func (f *fakeLedger) PostDonations(ctx context.Context, eco oracle.Ecosystem, postings []Posting) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postings == nil {
		f.postings = map[oracle.Ecosystem][]Posting{}
	}
	f.postings[eco] = append(f.postings[eco], postings...)
	return nil
}

func (f *fakeLedger) count() int {
	n := 0
	for _, p := range f.postings {
		n += len(p)
	}
	return n
}

type fakeAccounts struct {
	snapshots   []UsageSnapshot
	donated     int64
	remaining   int64
	snapshotErr error
}

func (f *fakeAccounts) AppendUsageSnapshot(ctx context.Context, organizationID string, s UsageSnapshot) error {
	if f.snapshotErr != nil {
		return f.snapshotErr
	}
	f.snapshots = append(f.snapshots, s)
	return nil
}

func (f *fakeAccounts) IncrementDonated(ctx context.Context, organizationID string, amount int64) error {
	f.donated += amount
	return nil
}

func (f *fakeAccounts) DecrementRemaining(ctx context.Context, organizationID string, amount int64) error {
	f.remaining -= amount
	return nil
}

func uniformMap(language, registry string, n int) oracle.WeightMap {
	wm := oracle.WeightMap{Language: language, Registry: registry, Weights: map[string]float64{}}
	for i := 0; i < n; i++ {
		wm.Weights[fmt.Sprintf("%s-pkg-%d", registry, i)] = 1 / float64(n)
	}
	return wm
}

func TestAdjustAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		want   float64
	}{
		{"zero", 0, 0},
		{"negative", -500, 0},
		{"below base charge", 20, 0},
		{"one thousand dollars", 1_000_000, 1_000_000*0.96 - 30},
		{"small", 1000, 930},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AdjustAmount(tt.amount), 1e-9)
		})
	}
}

func TestSplit(t *testing.T) {
	adjusted := AdjustAmount(1_000_000)

	t.Run("proportional to package counts", func(t *testing.T) {
		maps := []oracle.WeightMap{uniformMap("javascript", "npm", 3), uniformMap("python", "pypi", 1)}
		shares := Split(adjusted, maps)
		require.Len(t, shares, 2)
		assert.Equal(t, int64(math.Floor(adjusted*3/4)), shares[0].Amount)
		assert.Equal(t, int64(math.Floor(adjusted*1/4)), shares[1].Amount)
	})

	t.Run("empty group gets nothing", func(t *testing.T) {
		maps := []oracle.WeightMap{uniformMap("javascript", "npm", 2), uniformMap("ruby", "rubygems", 0)}
		shares := Split(adjusted, maps)
		require.Len(t, shares, 1)
		assert.Equal(t, "npm", shares[0].WeightMap.Registry)
	})

	t.Run("no packages anywhere", func(t *testing.T) {
		assert.Empty(t, Split(adjusted, []oracle.WeightMap{uniformMap("go", "proxy", 0)}))
		assert.Empty(t, Split(adjusted, nil))
	})

	t.Run("share that floors to zero is skipped", func(t *testing.T) {
		maps := []oracle.WeightMap{uniformMap("javascript", "npm", 999), uniformMap("python", "pypi", 1)}
		shares := Split(500, maps)
		require.Len(t, shares, 1)
		assert.Equal(t, "npm", shares[0].WeightMap.Registry)
	})
}

func TestSplit_NeverExceedsAmount(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		amount := rng.Int63n(100_000_000) + 1
		var maps []oracle.WeightMap
		groups := rng.Intn(6) + 1
		for g := 0; g < groups; g++ {
			maps = append(maps, uniformMap("lang", fmt.Sprintf("reg%d", g), rng.Intn(50)))
		}

		for _, adjusted := range []float64{AdjustAmount(amount), float64(amount)} {
			var sum int64
			for _, share := range Split(adjusted, maps) {
				sum += share.Amount
			}
			require.LessOrEqual(t, float64(sum), adjusted, "amount=%d", amount)
			require.LessOrEqual(t, sum, amount)
			if TotalPackages(maps) > 0 {
				// at most one millicent lost per group
				require.Greater(t, float64(sum), adjusted-float64(len(maps)))
			}
		}
	}
}

func TestEngine_Distribute(t *testing.T) {
	ledger := &fakeLedger{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := NewEngine(ledger, &fakeAccounts{}, nil, metrics)

	npm := oracle.WeightMap{Language: "javascript", Registry: "npm", Weights: map[string]float64{
		"react": 0.5, "left-pad": 0.25, "lodash": 0.25,
	}}
	pypi := oracle.WeightMap{Language: "python", Registry: "pypi", Weights: map[string]float64{"requests": 1}}
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	summary, err := engine.Distribute(context.Background(), Allocation{
		OrganizationID: "org-1",
		Amount:         1_000_000,
		Description:    "March",
		Timestamp:      ts,
		WeightMaps:     []oracle.WeightMap{npm, pypi},
	})
	require.NoError(t, err)

	adjusted := AdjustAmount(1_000_000)
	npmShare := math.Floor(adjusted * 3 / 4)
	pypiShare := math.Floor(adjusted * 1 / 4)

	assert.Equal(t, 4, summary.TotalPackages)
	assert.Equal(t, int64(npmShare+pypiShare), summary.Distributed)
	assert.Equal(t, 4, summary.Postings)
	assert.Equal(t, 4, ledger.count())

	byName := map[string]Posting{}
	ids := map[string]bool{}
	for _, postings := range ledger.postings {
		for _, p := range postings {
			byName[p.PackageName] = p
			ids[p.ID] = true
			assert.Equal(t, "org-1", p.OrganizationID)
			assert.Equal(t, "March", p.Description)
			assert.Equal(t, ts, p.Timestamp)
		}
	}
	assert.Len(t, ids, 4, "posting ids are unique")
	assert.InDelta(t, npmShare*0.5, byName["react"].Amount, 1e-6)
	assert.InDelta(t, npmShare*0.25, byName["lodash"].Amount, 1e-6)
	assert.InDelta(t, pypiShare, byName["requests"].Amount, 1e-6)

	assert.Equal(t, npmShare+pypiShare, testutil.ToFloat64(metrics.MillicentsDistributed))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.LedgerPostingsTotal.WithLabelValues("javascript", "npm")))
}

func TestEngine_DistributeRedistributedSkipsFees(t *testing.T) {
	ledger := &fakeLedger{}
	engine := NewEngine(ledger, &fakeAccounts{}, nil, nil)

	summary, err := engine.Distribute(context.Background(), Allocation{
		OrganizationID: "org-1",
		Amount:         10_000,
		Redistributed:  true,
		WeightMaps:     []oracle.WeightMap{uniformMap("javascript", "npm", 4)},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(10_000), summary.Adjusted)
	assert.Equal(t, int64(10_000), summary.Distributed)
}

func TestEngine_DistributeNoPackages(t *testing.T) {
	ledger := &fakeLedger{}
	engine := NewEngine(ledger, &fakeAccounts{}, nil, nil)

	summary, err := engine.Distribute(context.Background(), Allocation{
		OrganizationID: "org-1",
		Amount:         1_000_000,
		WeightMaps:     []oracle.WeightMap{uniformMap("javascript", "npm", 0)},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalPackages)
	assert.Equal(t, 0, ledger.count())
}

func TestEngine_DistributeLedgerFailure(t *testing.T) {
	boom := errors.New("write conflict")
	engine := NewEngine(&fakeLedger{err: boom}, &fakeAccounts{}, nil, nil)

	_, err := engine.Distribute(context.Background(), Allocation{
		OrganizationID: "org-1",
		Amount:         1_000_000,
		WeightMaps:     []oracle.WeightMap{uniformMap("javascript", "npm", 2)},
	})
	assert.ErrorIs(t, err, boom)
}

func TestEngine_Finalize(t *testing.T) {
	tests := []struct {
		name          string
		outcome       Outcome
		wantSnapshots int
		wantDonated   int64
		wantRemaining int64
	}{
		{
			name:          "crawled new money",
			outcome:       Outcome{Amount: 1_000_000, Crawled: true, TotalDependencies: 40, TopLevelDependencies: 8},
			wantSnapshots: 1,
			wantDonated:   1_000_000,
		},
		{
			name:        "targeted donation takes no snapshot",
			outcome:     Outcome{Amount: 5_000},
			wantDonated: 5_000,
		},
		{
			name:          "redistributed money is not counted as donated",
			outcome:       Outcome{Amount: 5_000, Redistributed: true, Crawled: true},
			wantSnapshots: 1,
		},
		{
			name:          "manually billed decrements raw amount",
			outcome:       Outcome{Amount: 1_000_000, ManuallyBilled: true},
			wantDonated:   1_000_000,
			wantRemaining: -1_000_000,
		},
		{
			name:          "manually billed redistribution still decrements raw amount",
			outcome:       Outcome{Amount: 7_777, ManuallyBilled: true, Redistributed: true},
			wantRemaining: -7_777,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := &fakeAccounts{}
			engine := NewEngine(&fakeLedger{}, accounts, nil, nil)
			tt.outcome.OrganizationID = "org-1"

			require.NoError(t, engine.Finalize(context.Background(), tt.outcome))
			assert.Len(t, accounts.snapshots, tt.wantSnapshots)
			assert.Equal(t, tt.wantDonated, accounts.donated)
			assert.Equal(t, tt.wantRemaining, accounts.remaining)
		})
	}

	t.Run("snapshot data", func(t *testing.T) {
		accounts := &fakeAccounts{}
		engine := NewEngine(&fakeLedger{}, accounts, nil, nil)
		require.NoError(t, engine.Finalize(context.Background(), Outcome{
			OrganizationID: "org-1", Crawled: true, TotalDependencies: 40, TopLevelDependencies: 8, Redistributed: true,
		}))
		require.Len(t, accounts.snapshots, 1)
		assert.Equal(t, 40, accounts.snapshots[0].TotalDependencies)
		assert.Equal(t, 8, accounts.snapshots[0].TopLevelDependencies)
	})

	t.Run("errors propagate", func(t *testing.T) {
		boom := errors.New("db down")
		engine := NewEngine(&fakeLedger{}, &fakeAccounts{snapshotErr: boom}, nil, nil)
		assert.ErrorIs(t, engine.Finalize(context.Background(), Outcome{Crawled: true}), boom)
	})
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/flossfund/pkg/allocation"
	"github.com/platinummonkey/flossfund/pkg/observability"
	"github.com/platinummonkey/flossfund/pkg/oracle"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewPostgresStore(db, time.Minute, nil, metrics), mock, metrics
}

func TestPostgresStore_GetOrganization(t *testing.T) {
	s, mock, _ := newMockStore(t)

	t.Run("found", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "name", "installation_id", "manually_billed", "remaining_donation", "total_donated"}).
			AddRow("org-1", "acme", int64(77), true, int64(5000), int64(120))
		mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id").
			WithArgs("org-1").
			WillReturnRows(rows)

		org, err := s.GetOrganization(context.Background(), "org-1")
		require.NoError(t, err)
		assert.Equal(t, "acme", org.Name)
		assert.Equal(t, int64(77), org.InstallationID)
		assert.True(t, org.ManuallyBilled)
		assert.Equal(t, int64(5000), org.RemainingDonation)
	})

	t.Run("null installation", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "name", "installation_id", "manually_billed", "remaining_donation", "total_donated"}).
			AddRow("org-2", "beta", nil, false, int64(0), int64(0))
		mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id").
			WithArgs("org-2").
			WillReturnRows(rows)

		org, err := s.GetOrganization(context.Background(), "org-2")
		require.NoError(t, err)
		assert.Zero(t, org.InstallationID)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := s.GetOrganization(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPackage(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM packages WHERE id").
		WithArgs("pkg-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "language", "registry"}).
			AddRow("pkg-1", "left-pad", "javascript", "npm"))

	pkg, err := s.GetPackage(context.Background(), "pkg-1")
	require.NoError(t, err)
	assert.Equal(t, "left-pad", pkg.Name)
	assert.Equal(t, oracle.Ecosystem{Language: "javascript", Registry: "npm"}, pkg.Ecosystem())

	mock.ExpectQuery("SELECT (.+) FROM packages WHERE id").
		WithArgs("pkg-x").
		WillReturnError(sql.ErrNoRows)
	_, err = s.GetPackage(context.Background(), "pkg-x")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExclusionSet(t *testing.T) {
	s, mock, _ := newMockStore(t)
	eco := oracle.Ecosystem{Language: "python", Registry: "pypi"}

	mock.ExpectQuery("SELECT package_name FROM no_comp_lists").
		WithArgs("python", "pypi").
		WillReturnRows(sqlmock.NewRows([]string{"package_name"}).AddRow("pip").AddRow("setuptools"))

	excluded, err := s.ExclusionSet(context.Background(), eco)
	require.NoError(t, err)
	assert.Equal(t, []string{"pip", "setuptools"}, excluded)

	mock.ExpectQuery("SELECT package_name FROM no_comp_lists").
		WithArgs("python", "pypi").
		WillReturnRows(sqlmock.NewRows([]string{"package_name"}))

	excluded, err = s.ExclusionSet(context.Background(), eco)
	require.NoError(t, err)
	assert.NotNil(t, excluded)
	assert.Empty(t, excluded)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PostDonations(t *testing.T) {
	eco := oracle.Ecosystem{Language: "javascript", Registry: "npm"}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	postings := []allocation.Posting{
		{ID: "11111111-1111-1111-1111-111111111111", PackageName: "a", OrganizationID: "org-1", Amount: 400, Timestamp: now},
		{ID: "22222222-2222-2222-2222-222222222222", PackageName: "b", OrganizationID: "org-1", Amount: 600, Timestamp: now},
	}

	t.Run("commits", func(t *testing.T) {
		s, mock, metrics := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO packages").
			WithArgs(sqlmock.AnyArg(), "javascript", "npm").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO package_donations").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), "javascript", "npm").
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		require.NoError(t, s.PostDonations(context.Background(), eco, postings))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Equal(t, float64(1), testutil.ToFloat64(
			metrics.StorageOperationsTotal.WithLabelValues("post_donations", "postgres", "success")))
	})

	t.Run("rolls back on insert failure", func(t *testing.T) {
		s, mock, _ := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO packages").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO package_donations").WillReturnError(errors.New("constraint"))
		mock.ExpectRollback()

		err := s.PostDonations(context.Background(), eco, postings)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on short insert", func(t *testing.T) {
		s, mock, _ := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO packages").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO package_donations").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectRollback()

		err := s.PostDonations(context.Background(), eco, postings)
		assert.ErrorContains(t, err, "inserted 1 of 2")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty is a no-op", func(t *testing.T) {
		s, mock, _ := newMockStore(t)
		require.NoError(t, s.PostDonations(context.Background(), eco, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Counters(t *testing.T) {
	s, mock, _ := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE organizations SET total_donated").
		WithArgs("org-1", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.IncrementDonated(ctx, "org-1", 1000))

	mock.ExpectExec("UPDATE organizations SET remaining_donation").
		WithArgs("org-1", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.DecrementRemaining(ctx, "org-1", 1000))

	mock.ExpectExec("UPDATE organizations SET total_donated").
		WithArgs("ghost", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.IncrementDonated(ctx, "ghost", 5), ErrNotFound)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO org_usage_snapshots").
		WithArgs("org-1", 42, 7, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.AppendUsageSnapshot(ctx, "org-1", allocation.UsageSnapshot{
		TotalDependencies:    42,
		TopLevelDependencies: 7,
		Timestamp:            ts,
	}))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompensationEpsilon(t *testing.T) {
	s, mock, _ := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT value FROM config WHERE key").
		WithArgs(CompensationEpsilonKey).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("0.5"))

	epsilon, err := s.CompensationEpsilon(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, epsilon)

	// cached: no second query
	epsilon, err = s.CompensationEpsilon(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, epsilon)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompensationEpsilonMissing(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectQuery("SELECT value FROM config WHERE key").
		WithArgs(CompensationEpsilonKey).
		WillReturnError(sql.ErrNoRows)

	epsilon, err := s.CompensationEpsilon(context.Background())
	require.NoError(t, err)
	assert.Zero(t, epsilon)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompensationEpsilonInvalid(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectQuery("SELECT value FROM config WHERE key").
		WithArgs(CompensationEpsilonKey).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("abc"))

	_, err := s.CompensationEpsilon(context.Background())
	assert.ErrorContains(t, err, "invalid compensationEpsilon")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock, _ := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS organizations").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/flossfund/pkg/allocation"
	"github.com/platinummonkey/flossfund/pkg/config"
	"github.com/platinummonkey/flossfund/pkg/observability"
	"github.com/platinummonkey/flossfund/pkg/oracle"
)

const backend = "postgres"

// ErrNotFound is returned when an organization, package or config key does not exist
var ErrNotFound = errors.New("not found")

// CompensationEpsilonKey names the config row holding the smallest compensable
// share in millicents
const CompensationEpsilonKey = "compensationEpsilon"

// Organization is the projection of an organization the pipeline needs
type Organization struct {
	ID                string
	Name              string
	InstallationID    int64
	ManuallyBilled    bool
	RemainingDonation int64
	TotalDonated      int64
}

// Package is the projection of a package the pipeline needs
type Package struct {
	ID       string
	Name     string
	Language string
	Registry string
}

// Ecosystem returns the package's (language, registry) pair
func (p Package) Ecosystem() oracle.Ecosystem {
	return oracle.Ecosystem{Language: p.Language, Registry: p.Registry}
}

// PostgresStore keeps organizations, packages and their ledgers in PostgreSQL
type PostgresStore struct {
	db      *sql.DB
	logger  logrus.FieldLogger
	metrics *observability.Metrics
	config  *lru.LRU[string, string]
}

// Open connects to PostgreSQL and verifies the connection
func Open(cfg config.StorageConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.PostgresMaxConns)
	db.SetMaxIdleConns(cfg.PostgresMinConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PostgresTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// NewPostgresStore wraps an open database. Config values are cached for configTTL.
func NewPostgresStore(db *sql.DB, configTTL time.Duration, logger logrus.FieldLogger, metrics *observability.Metrics) *PostgresStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	if configTTL <= 0 {
		configTTL = 15 * time.Minute
	}
	return &PostgresStore{
		db:      db,
		logger:  logger,
		metrics: metrics,
		config:  lru.NewLRU[string, string](128, nil, configTTL),
	}
}

// Migrate creates the store's tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// GetOrganization fetches an organization by id
func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	query := `
		SELECT id, name, installation_id, manually_billed, remaining_donation, total_donated
		FROM organizations WHERE id = $1
	`

	var (
		org            Organization
		installationID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&org.ID, &org.Name, &installationID, &org.ManuallyBilled, &org.RemainingDonation, &org.TotalDonated,
	)
	s.metrics.RecordStorageOperation("get_organization", backend, ignoreNoRows(err))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	org.InstallationID = installationID.Int64
	return &org, nil
}

// GetPackage fetches a package by id
func (s *PostgresStore) GetPackage(ctx context.Context, id string) (*Package, error) {
	var pkg Package
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, language, registry FROM packages WHERE id = $1", id,
	).Scan(&pkg.ID, &pkg.Name, &pkg.Language, &pkg.Registry)
	s.metrics.RecordStorageOperation("get_package", backend, ignoreNoRows(err))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return &pkg, nil
}

// ExclusionSet returns the packages of an ecosystem that must not be compensated
func (s *PostgresStore) ExclusionSet(ctx context.Context, eco oracle.Ecosystem) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT package_name FROM no_comp_lists WHERE language = $1 AND registry = $2 ORDER BY package_name",
		eco.Language, eco.Registry,
	)
	if err != nil {
		s.metrics.RecordStorageOperation("exclusion_set", backend, err)
		return nil, fmt.Errorf("failed to query exclusion set: %w", err)
	}
	defer rows.Close()

	excluded := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan exclusion: %w", err)
		}
		excluded = append(excluded, name)
	}
	err = rows.Err()
	s.metrics.RecordStorageOperation("exclusion_set", backend, err)
	if err != nil {
		return nil, fmt.Errorf("failed to read exclusion set: %w", err)
	}
	return excluded, nil
}

// PostDonations appends ledger entries for one ecosystem in a single transaction,
// creating any package that does not exist yet
func (s *PostgresStore) PostDonations(ctx context.Context, eco oracle.Ecosystem, postings []allocation.Posting) (err error) {
	if len(postings) == 0 {
		return nil
	}
	defer func() { s.metrics.RecordStorageOperation("post_donations", backend, err) }()

	var (
		ids          = make([]string, len(postings))
		names        = make([]string, len(postings))
		orgIDs       = make([]string, len(postings))
		descriptions = make([]string, len(postings))
		amounts      = make([]float64, len(postings))
		timestamps   = make([]int64, len(postings))
	)
	for i, p := range postings {
		ids[i] = p.ID
		names[i] = p.PackageName
		orgIDs[i] = p.OrganizationID
		descriptions[i] = p.Description
		amounts[i] = p.Amount
		timestamps[i] = p.Timestamp.UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	upsertPackages := `
		INSERT INTO packages (name, language, registry)
		SELECT DISTINCT unnest($1::text[]), $2, $3
		ON CONFLICT (name, language, registry) DO NOTHING
	`
	if _, err = tx.ExecContext(ctx, upsertPackages, pq.Array(names), eco.Language, eco.Registry); err != nil {
		return fmt.Errorf("failed to upsert packages: %w", err)
	}

	insertDonations := `
		INSERT INTO package_donations (id, package_id, org_id, description, amount, donated_at)
		SELECT d.id::uuid, p.id, d.org_id, NULLIF(d.description, ''), d.amount, to_timestamp(d.ts / 1000.0)
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::float8[], $6::bigint[])
			AS d(id, name, org_id, description, amount, ts)
		JOIN packages p ON p.name = d.name AND p.language = $7 AND p.registry = $8
	`
	result, err := tx.ExecContext(ctx, insertDonations,
		pq.Array(ids), pq.Array(names), pq.Array(orgIDs), pq.Array(descriptions),
		pq.Array(amounts), pq.Array(timestamps),
		eco.Language, eco.Registry,
	)
	if err != nil {
		return fmt.Errorf("failed to insert donations: %w", err)
	}
	if n, rerr := result.RowsAffected(); rerr == nil && n != int64(len(postings)) {
		return fmt.Errorf("inserted %d of %d donations for %s", n, len(postings), eco.Key())
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AppendUsageSnapshot records an organization's open source usage
func (s *PostgresStore) AppendUsageSnapshot(ctx context.Context, organizationID string, snapshot allocation.UsageSnapshot) error {
	ts := snapshot.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_usage_snapshots (org_id, total_dependencies, top_level_dependencies, created_at)
		VALUES ($1, $2, $3, $4)
	`, organizationID, snapshot.TotalDependencies, snapshot.TopLevelDependencies, ts)
	s.metrics.RecordStorageOperation("append_usage_snapshot", backend, err)
	if err != nil {
		return fmt.Errorf("failed to append usage snapshot: %w", err)
	}
	return nil
}

// IncrementDonated adds amount to the organization's total donated
func (s *PostgresStore) IncrementDonated(ctx context.Context, organizationID string, amount int64) error {
	return s.adjustCounter(ctx, "increment_donated",
		"UPDATE organizations SET total_donated = total_donated + $2 WHERE id = $1", organizationID, amount)
}

// DecrementRemaining subtracts amount from a manually billed organization's balance
func (s *PostgresStore) DecrementRemaining(ctx context.Context, organizationID string, amount int64) error {
	return s.adjustCounter(ctx, "decrement_remaining",
		"UPDATE organizations SET remaining_donation = remaining_donation - $2 WHERE id = $1", organizationID, amount)
}

func (s *PostgresStore) adjustCounter(ctx context.Context, op, query, organizationID string, amount int64) error {
	result, err := s.db.ExecContext(ctx, query, organizationID, amount)
	s.metrics.RecordStorageOperation(op, backend, err)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("organization %s: %w", organizationID, ErrNotFound)
	}
	return nil
}

// ConfigValue reads a value from the config table, caching it for the store's TTL
func (s *PostgresStore) ConfigValue(ctx context.Context, key string) (string, error) {
	if v, ok := s.config.Get(key); ok {
		return v, nil
	}

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = $1", key).Scan(&value)
	s.metrics.RecordStorageOperation("config_value", backend, ignoreNoRows(err))
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("config %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config %s: %w", key, err)
	}

	s.config.Add(key, value)
	return value, nil
}

// CompensationEpsilon returns the smallest share worth compensating, or 0 when unset
func (s *PostgresStore) CompensationEpsilon(ctx context.Context) (float64, error) {
	raw, err := s.ConfigValue(ctx, CompensationEpsilonKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	epsilon, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", CompensationEpsilonKey, raw, err)
	}
	return epsilon, nil
}

func ignoreNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

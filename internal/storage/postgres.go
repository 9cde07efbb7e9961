package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(url string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	-- Verification records
	CREATE TABLE IF NOT EXISTS carbon_verifications (
		id UUID PRIMARY KEY,
		submission_fingerprint TEXT NOT NULL UNIQUE,
		polygon JSONB NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		verified BOOLEAN NOT NULL,
		reason TEXT,
		ndvi_start DOUBLE PRECISION,
		ndvi_end DOUBLE PRECISION,
		ndvi_change DOUBLE PRECISION,
		area_ha DOUBLE PRECISION,
		carbon_credits DOUBLE PRECISION CHECK (carbon_credits IS NULL OR carbon_credits > 0),
		plot_image_key TEXT,
		claim_status TEXT CHECK (claim_status IN ('unclaimed', 'claim_pending', 'claimed', 'claim_failed')),
		claim_tx_hash TEXT,
		pending_tx_hash TEXT,
		claim_wallet TEXT,
		claim_attempts INTEGER NOT NULL DEFAULT 0,
		claim_updated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (period_start <= period_end),
		CHECK (verified = (claim_status IS NOT NULL)),
		CHECK (claim_status IS NULL OR (claim_status = 'claimed') = (claim_tx_hash IS NOT NULL))
	);

	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		last_used_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_verifications_claim ON carbon_verifications(claim_status, claim_updated_at);
	CREATE INDEX IF NOT EXISTS idx_verifications_created ON carbon_verifications(created_at, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("database migrations complete")
	return nil
}

// pgColumns selects the shared columns with Postgres-specific casts.
var pgColumns = strings.NewReplacer("id, ", "id::text, ", "polygon,", "polygon::text,").Replace(verificationColumns)

// CreateVerification inserts a new record. A second record with the same
// fingerprint fails with ErrDuplicateFingerprint.
func (s *PostgresStore) CreateVerification(ctx context.Context, v *Verification) error {
	polygon, err := encodePolygon(v.Polygon)
	if err != nil {
		return err
	}
	if v.ID == "" {
		v.ID = generateID()
	}
	now := time.Now().UTC()
	v.CreatedAt = now
	v.ClaimUpdatedAt = now

	query := `
		INSERT INTO carbon_verifications (
			id, submission_fingerprint, polygon, period_start, period_end, verified, reason,
			ndvi_start, ndvi_end, ndvi_change, area_ha, carbon_credits, plot_image_key,
			claim_status, claim_attempts, claim_updated_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, $15, $15)
	`
	_, err = s.db.ExecContext(ctx, query,
		v.ID, v.Fingerprint, polygon, v.PeriodStart, v.PeriodEnd, v.Verified, nullString(v.Reason),
		nullFloat(v.NDVIStart), nullFloat(v.NDVIEnd), nullFloat(v.NDVIChange), nullFloat(v.AreaHa), nullFloat(v.CarbonCredits),
		nullString(v.PlotImageKey), nullString(string(v.ClaimStatus)), now,
	)
	return mapError(err, ErrNotFound, ErrDuplicateFingerprint)
}

// GetVerification retrieves a record by ID
func (s *PostgresStore) GetVerification(ctx context.Context, id string) (*Verification, error) {
	query := `SELECT ` + pgColumns + `, created_at, claim_updated_at FROM carbon_verifications WHERE id::text = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// GetVerificationByFingerprint retrieves a record by submission fingerprint
func (s *PostgresStore) GetVerificationByFingerprint(ctx context.Context, fingerprint string) (*Verification, error) {
	query := `SELECT ` + pgColumns + `, created_at, claim_updated_at FROM carbon_verifications WHERE submission_fingerprint = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, fingerprint))
}

// ListVerifications lists records newest first with cursor-based pagination
func (s *PostgresStore) ListVerifications(ctx context.Context, filter VerificationFilter, pagination PaginationParams) (*PaginatedResult[Verification], error) {
	limit := defaultLimit(pagination.Limit)

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Verified != nil {
		conds = append(conds, "verified = "+arg(*filter.Verified))
	}
	if filter.ClaimStatus != ClaimNone {
		conds = append(conds, "claim_status = "+arg(string(filter.ClaimStatus)))
	}
	if pagination.Cursor != "" {
		p := arg(pagination.Cursor)
		conds = append(conds, fmt.Sprintf(
			"(created_at, id::text) < (SELECT created_at, id::text FROM carbon_verifications WHERE id::text = %s)", p))
	}

	query := `SELECT ` + pgColumns + `, created_at, claim_updated_at FROM carbon_verifications`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id::text DESC LIMIT ` + arg(limit+1)

	records, err := s.queryMany(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	var nextCursor string
	if hasMore && len(records) > 0 {
		nextCursor = records[len(records)-1].ID
	}

	return &PaginatedResult[Verification]{
		Data:       records,
		HasMore:    hasMore,
		NextCursor: nextCursor,
	}, nil
}

// CompareAndSetClaimStatus performs the claim status CAS as one conditional UPDATE
func (s *PostgresStore) CompareAndSetClaimStatus(ctx context.Context, id string, expected, next ClaimStatus, update ClaimUpdate) error {
	if err := checkTransition(expected, next, update); err != nil {
		return err
	}

	var txHash sql.NullString
	if next == ClaimClaimed {
		txHash = nullString(update.TxHash)
	}
	attempts := 0
	if update.IncrementAttempts {
		attempts = 1
	}

	query := `
		UPDATE carbon_verifications SET
			claim_status = $1,
			claim_tx_hash = $2,
			pending_tx_hash = CASE WHEN $3::boolean THEN NULL ELSE COALESCE(NULLIF($4::text, ''), pending_tx_hash) END,
			claim_wallet = COALESCE(NULLIF($5::text, ''), claim_wallet),
			claim_attempts = claim_attempts + $6,
			claim_updated_at = NOW()
		WHERE id::text = $7 AND claim_status = $8
		  AND (NOT $9::boolean OR COALESCE(pending_tx_hash, '') = $10::text)
		  AND (NOT $11::boolean OR claim_updated_at = $12::timestamptz)
	`
	checkPending, pending := update.expectPending()
	res, err := s.db.ExecContext(ctx, query,
		string(next), txHash,
		next == ClaimClaimed || update.ClearPendingTx, update.PendingTxHash,
		update.Wallet, attempts,
		id, string(expected),
		checkPending, pending,
		!update.ExpectUpdatedAt.IsZero(), update.ExpectUpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating claim status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current sql.NullString
	err = s.db.QueryRowContext(ctx, "SELECT claim_status FROM carbon_verifications WHERE id::text = $1", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading claim status: %w", err)
	}
	if ClaimStatus(current.String) == expected {
		return fmt.Errorf("%w: %s record changed since it was read", ErrConflict, expected)
	}
	return fmt.Errorf("%w: expected %s, found %s", ErrConflict, expected, current.String)
}

// ListReconcilable returns records the reconciliation sweep should inspect
func (s *PostgresStore) ListReconcilable(ctx context.Context, pendingBefore time.Time, limit int) ([]Verification, error) {
	query := `
		SELECT ` + pgColumns + `, created_at, claim_updated_at
		FROM carbon_verifications
		WHERE claim_updated_at < $1
		  AND (claim_status = 'claim_pending' OR (claim_status = 'unclaimed' AND pending_tx_hash IS NOT NULL))
		ORDER BY claim_updated_at
		LIMIT $2
	`
	return s.queryMany(ctx, query, pendingBefore.UTC(), defaultBatch(limit))
}

func (s *PostgresStore) scan(row rowScanner) (*Verification, error) {
	var r verificationRow
	var createdAt time.Time
	var claimUpdatedAt sql.NullTime
	if err := row.Scan(append(r.dest(), &createdAt, &claimUpdatedAt)...); err != nil {
		return nil, err
	}
	v, err := r.toModel()
	if err != nil {
		return nil, err
	}
	v.CreatedAt = createdAt.UTC()
	if claimUpdatedAt.Valid {
		v.ClaimUpdatedAt = claimUpdatedAt.Time.UTC()
	}
	return v, nil
}

func (s *PostgresStore) scanOne(row *sql.Row) (*Verification, error) {
	v, err := s.scan(row)
	if err != nil {
		return nil, mapError(err, ErrNotFound, ErrDuplicateFingerprint)
	}
	return v, nil
}

func (s *PostgresStore) queryMany(ctx context.Context, query string, args ...any) ([]Verification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Verification
	for rows.Next() {
		v, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *v)
	}
	return records, rows.Err()
}

// CreateAPIKey creates a new API key
func (s *PostgresStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	key := generateAPIKey()
	hash := hashAPIKey(key)
	id := generateID()
	_, err := s.db.ExecContext(ctx, "INSERT INTO api_keys (id, key_hash, name) VALUES ($1, $2, $3)", id, hash, name)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates an API key
func (s *PostgresStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	hash := hashAPIKey(key)
	var ak APIKey
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, "SELECT id::text, key_hash, name, created_at FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL", hash).Scan(
		&ak.ID, &ak.KeyHash, &ak.Name, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ak.CreatedAt = createdAt.Format(time.RFC3339)
	// Update last used
	_, _ = s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = NOW() WHERE id::text = $1", ak.ID)
	return &ak, nil
}

// ListAPIKeys lists all API keys
func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id::text, name, created_at, last_used_at FROM api_keys WHERE revoked_at IS NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var createdAt time.Time
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &createdAt, &lastUsed); err != nil {
			return nil, err
		}
		k.CreatedAt = createdAt.Format(time.RFC3339)
		if lastUsed.Valid {
			k.LastUsedAt = lastUsed.Time.Format(time.RFC3339)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes an API key
func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE api_keys SET revoked_at = NOW() WHERE id::text = $1", id)
	return err
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers; claim CAS relies on it.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	-- Verification records
	CREATE TABLE IF NOT EXISTS carbon_verifications (
		id TEXT PRIMARY KEY,
		submission_fingerprint TEXT NOT NULL UNIQUE,
		polygon TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		verified INTEGER NOT NULL,
		reason TEXT,
		ndvi_start REAL,
		ndvi_end REAL,
		ndvi_change REAL,
		area_ha REAL,
		carbon_credits REAL CHECK (carbon_credits IS NULL OR carbon_credits > 0),
		plot_image_key TEXT,
		claim_status TEXT CHECK (claim_status IN ('unclaimed', 'claim_pending', 'claimed', 'claim_failed')),
		claim_tx_hash TEXT,
		pending_tx_hash TEXT,
		claim_wallet TEXT,
		claim_attempts INTEGER NOT NULL DEFAULT 0,
		claim_updated_at INTEGER,
		created_at INTEGER NOT NULL,
		CHECK (period_start <= period_end),
		CHECK ((verified = 1) = (claim_status IS NOT NULL)),
		CHECK (claim_status IS NULL OR (claim_status = 'claimed') = (claim_tx_hash IS NOT NULL))
	);

	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TEXT DEFAULT (datetime('now')),
		last_used_at TEXT,
		revoked_at TEXT
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

// CreateVerification inserts a new record. A second record with the same
// fingerprint fails with ErrDuplicateFingerprint.
func (s *SQLiteStore) CreateVerification(ctx context.Context, v *Verification) error {
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		v.ID, v.Fingerprint, polygon, v.PeriodStart, v.PeriodEnd, v.Verified, nullString(v.Reason),
		nullFloat(v.NDVIStart), nullFloat(v.NDVIEnd), nullFloat(v.NDVIChange), nullFloat(v.AreaHa), nullFloat(v.CarbonCredits),
		nullString(v.PlotImageKey), nullString(string(v.ClaimStatus)), now.UnixMicro(), now.UnixMicro(),
	)
	return mapError(err, ErrNotFound, ErrDuplicateFingerprint)
}

// GetVerification retrieves a record by ID
func (s *SQLiteStore) GetVerification(ctx context.Context, id string) (*Verification, error) {
	query := `SELECT ` + verificationColumns + `, created_at, claim_updated_at FROM carbon_verifications WHERE id = ?`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// GetVerificationByFingerprint retrieves a record by submission fingerprint
func (s *SQLiteStore) GetVerificationByFingerprint(ctx context.Context, fingerprint string) (*Verification, error) {
	query := `SELECT ` + verificationColumns + `, created_at, claim_updated_at FROM carbon_verifications WHERE submission_fingerprint = ?`
	return s.scanOne(s.db.QueryRowContext(ctx, query, fingerprint))
}

// ListVerifications lists records newest first with cursor-based pagination
func (s *SQLiteStore) ListVerifications(ctx context.Context, filter VerificationFilter, pagination PaginationParams) (*PaginatedResult[Verification], error) {
	limit := defaultLimit(pagination.Limit)

	var conds []string
	var args []any
	if filter.Verified != nil {
		conds = append(conds, "verified = ?")
		args = append(args, *filter.Verified)
	}
	if filter.ClaimStatus != ClaimNone {
		conds = append(conds, "claim_status = ?")
		args = append(args, string(filter.ClaimStatus))
	}
	if pagination.Cursor != "" {
		conds = append(conds, `(created_at < (SELECT created_at FROM carbon_verifications WHERE id = ?)
			OR (created_at = (SELECT created_at FROM carbon_verifications WHERE id = ?) AND id < ?))`)
		args = append(args, pagination.Cursor, pagination.Cursor, pagination.Cursor)
	}

	query := `SELECT ` + verificationColumns + `, created_at, claim_updated_at FROM carbon_verifications`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

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
func (s *SQLiteStore) CompareAndSetClaimStatus(ctx context.Context, id string, expected, next ClaimStatus, update ClaimUpdate) error {
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
			claim_status = ?,
			claim_tx_hash = ?,
			pending_tx_hash = CASE WHEN ? THEN NULL ELSE COALESCE(NULLIF(?, ''), pending_tx_hash) END,
			claim_wallet = COALESCE(NULLIF(?, ''), claim_wallet),
			claim_attempts = claim_attempts + ?,
			claim_updated_at = ?
		WHERE id = ? AND claim_status = ?
		  AND (NOT ? OR COALESCE(pending_tx_hash, '') = ?)
		  AND (NOT ? OR claim_updated_at = ?)
	`
	checkPending, pending := update.expectPending()
	res, err := s.db.ExecContext(ctx, query,
		string(next), txHash,
		next == ClaimClaimed || update.ClearPendingTx, update.PendingTxHash,
		update.Wallet, attempts, time.Now().UTC().UnixMicro(),
		id, string(expected),
		checkPending, pending,
		!update.ExpectUpdatedAt.IsZero(), update.ExpectUpdatedAt.UTC().UnixMicro(),
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
	err = s.db.QueryRowContext(ctx, "SELECT claim_status FROM carbon_verifications WHERE id = ?", id).Scan(&current)
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
func (s *SQLiteStore) ListReconcilable(ctx context.Context, pendingBefore time.Time, limit int) ([]Verification, error) {
	query := `
		SELECT ` + verificationColumns + `, created_at, claim_updated_at
		FROM carbon_verifications
		WHERE claim_updated_at < ?
		  AND (claim_status = 'claim_pending' OR (claim_status = 'unclaimed' AND pending_tx_hash IS NOT NULL))
		ORDER BY claim_updated_at
		LIMIT ?
	`
	return s.queryMany(ctx, query, pendingBefore.UTC().UnixMicro(), defaultBatch(limit))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scan(row rowScanner) (*Verification, error) {
	var r verificationRow
	var createdAt int64
	var claimUpdatedAt sql.NullInt64
	if err := row.Scan(append(r.dest(), &createdAt, &claimUpdatedAt)...); err != nil {
		return nil, err
	}
	v, err := r.toModel()
	if err != nil {
		return nil, err
	}
	v.CreatedAt = time.UnixMicro(createdAt).UTC()
	if claimUpdatedAt.Valid {
		v.ClaimUpdatedAt = time.UnixMicro(claimUpdatedAt.Int64).UTC()
	}
	return v, nil
}

func (s *SQLiteStore) scanOne(row *sql.Row) (*Verification, error) {
	v, err := s.scan(row)
	if err != nil {
		return nil, mapError(err, ErrNotFound, ErrDuplicateFingerprint)
	}
	return v, nil
}

func (s *SQLiteStore) queryMany(ctx context.Context, query string, args ...any) ([]Verification, error) {
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
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	key := generateAPIKey()
	hash := hashAPIKey(key)
	id := generateID()
	_, err := s.db.ExecContext(ctx, "INSERT INTO api_keys (id, key_hash, name, created_at) VALUES (?, ?, ?, datetime('now'))", id, hash, name)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates an API key
func (s *SQLiteStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	hash := hashAPIKey(key)
	var ak APIKey
	err := s.db.QueryRowContext(ctx, "SELECT id, key_hash, name, created_at FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL", hash).Scan(
		&ak.ID, &ak.KeyHash, &ak.Name, &ak.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// Update last used
	_, _ = s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = datetime('now') WHERE id = ?", ak.ID)
	return &ak, nil
}

// ListAPIKeys lists all API keys
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at, last_used_at FROM api_keys WHERE revoked_at IS NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed sql.NullString
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			k.LastUsedAt = lastUsed.String
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes an API key
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE api_keys SET revoked_at = datetime('now') WHERE id = ?", id)
	return err
}

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/terraverify/terraverify/internal/config"
)

// VerificationStore handles verification record operations
type VerificationStore interface {
	CreateVerification(ctx context.Context, v *Verification) error
	GetVerification(ctx context.Context, id string) (*Verification, error)
	GetVerificationByFingerprint(ctx context.Context, fingerprint string) (*Verification, error)
	ListVerifications(ctx context.Context, filter VerificationFilter, pagination PaginationParams) (*PaginatedResult[Verification], error)

	// CompareAndSetClaimStatus moves a record from expected to next in a single
	// conditional write. It returns ErrConflict when the current status is not
	// expected (or an Expect* condition of update fails) and ErrNotFound when
	// the record does not exist.
	CompareAndSetClaimStatus(ctx context.Context, id string, expected, next ClaimStatus, update ClaimUpdate) error

	// ListReconcilable returns records whose claim fields were last touched
	// before pendingBefore and that are either ClaimPending or Unclaimed with a
	// pending transaction still attached.
	ListReconcilable(ctx context.Context, pendingBefore time.Time, limit int) ([]Verification, error)
}

// APIKeyStore handles API key operations
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (key string, err error)
	ValidateAPIKey(ctx context.Context, key string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// Store combines all storage interfaces with lifecycle methods.
// Domain services define their own minimal interfaces based on their actual usage.
type Store interface {
	VerificationStore
	APIKeyStore

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}

// ClaimStatus is the token claim state of a verified record.
type ClaimStatus string

// Claim statuses. Unverified records carry ClaimNone.
const (
	ClaimNone      ClaimStatus = ""
	ClaimUnclaimed ClaimStatus = "unclaimed"
	ClaimPending   ClaimStatus = "claim_pending"
	ClaimClaimed   ClaimStatus = "claimed"
	ClaimFailed    ClaimStatus = "claim_failed"
)

// Valid reports whether s is one of the claimable statuses.
func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimUnclaimed, ClaimPending, ClaimClaimed, ClaimFailed:
		return true
	}
	return false
}

// Verification is a persisted verification outcome for one plot and period.
type Verification struct {
	ID          string
	Polygon     [][]float64 // closed ring of [lon, lat]
	PeriodStart string      // YYYY-MM-DD
	PeriodEnd   string      // YYYY-MM-DD
	Verified    bool
	Reason      string

	// Present only when Verified
	NDVIStart     *float64
	NDVIEnd       *float64
	NDVIChange    *float64
	AreaHa        *float64
	CarbonCredits *float64

	PlotImageKey string

	ClaimStatus    ClaimStatus
	ClaimTxHash    string
	PendingTxHash  string
	ClaimWallet    string
	ClaimAttempts  int
	ClaimUpdatedAt time.Time

	Fingerprint string
	CreatedAt   time.Time
}

// ClaimUpdate carries the claim fields written alongside a status change.
type ClaimUpdate struct {
	TxHash            string // required when moving to ClaimClaimed
	PendingTxHash     string // recorded when non-empty
	ClearPendingTx    bool
	Wallet            string // recorded when non-empty
	IncrementAttempts bool

	// Optional conditions on the row as it was read. When set, the write
	// only applies if the pending hash and last claim update are unchanged.
	ExpectPendingTx *string
	ExpectUpdatedAt time.Time
}

// expectPending returns the guard flag and value for ExpectPendingTx.
func (u ClaimUpdate) expectPending() (bool, string) {
	if u.ExpectPendingTx == nil {
		return false, ""
	}
	return true, *u.ExpectPendingTx
}

// APIKey represents an API key
type APIKey struct {
	ID         string
	Name       string
	KeyHash    string
	CreatedAt  string
	LastUsedAt string
	RevokedAt  string
}

// VerificationFilter contains filter options for listing verifications
type VerificationFilter struct {
	Verified    *bool
	ClaimStatus ClaimStatus
}

// PaginationParams contains pagination options
type PaginationParams struct {
	Limit  int
	Cursor string
}

// PaginatedResult contains paginated results
type PaginatedResult[T any] struct {
	Data       []T
	HasMore    bool
	NextCursor string
}

// New creates a new store based on configuration
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// checkTransition validates a CAS request before it reaches the database.
func checkTransition(expected, next ClaimStatus, update ClaimUpdate) error {
	if !expected.Valid() || !next.Valid() {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, expected, next)
	}
	if expected == ClaimClaimed {
		return fmt.Errorf("%w: claimed is terminal", ErrInvalidTransition)
	}
	if next == ClaimClaimed && update.TxHash == "" {
		return fmt.Errorf("%w: claimed requires a transaction hash", ErrInvalidTransition)
	}
	return nil
}

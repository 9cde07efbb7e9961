package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// generateID generates a new UUID
func generateID() string {
	return uuid.New().String()
}

// generateAPIKey generates a new API key
func generateAPIKey() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return "tv_key_" + hex.EncodeToString(b)
}

// hashAPIKey hashes an API key for storage
func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func encodePolygon(polygon [][]float64) (string, error) {
	b, err := json.Marshal(polygon)
	if err != nil {
		return "", fmt.Errorf("encoding polygon: %w", err)
	}
	return string(b), nil
}

func decodePolygon(s string) ([][]float64, error) {
	var polygon [][]float64
	if err := json.Unmarshal([]byte(s), &polygon); err != nil {
		return nil, fmt.Errorf("decoding polygon: %w", err)
	}
	return polygon, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

// verificationRow holds nullable columns shared by both backends.
type verificationRow struct {
	id            string
	fingerprint   string
	polygon       string
	periodStart   string
	periodEnd     string
	verified      bool
	reason        sql.NullString
	ndviStart     sql.NullFloat64
	ndviEnd       sql.NullFloat64
	ndviChange    sql.NullFloat64
	areaHa        sql.NullFloat64
	carbonCredits sql.NullFloat64
	plotImageKey  sql.NullString
	claimStatus   sql.NullString
	claimTxHash   sql.NullString
	pendingTxHash sql.NullString
	claimWallet   sql.NullString
	claimAttempts int
}

func (r *verificationRow) dest() []any {
	return []any{
		&r.id, &r.fingerprint, &r.polygon, &r.periodStart, &r.periodEnd, &r.verified, &r.reason,
		&r.ndviStart, &r.ndviEnd, &r.ndviChange, &r.areaHa, &r.carbonCredits, &r.plotImageKey,
		&r.claimStatus, &r.claimTxHash, &r.pendingTxHash, &r.claimWallet, &r.claimAttempts,
	}
}

func (r *verificationRow) toModel() (*Verification, error) {
	polygon, err := decodePolygon(r.polygon)
	if err != nil {
		return nil, err
	}
	return &Verification{
		ID:            r.id,
		Fingerprint:   r.fingerprint,
		Polygon:       polygon,
		PeriodStart:   r.periodStart,
		PeriodEnd:     r.periodEnd,
		Verified:      r.verified,
		Reason:        r.reason.String,
		NDVIStart:     floatPtr(r.ndviStart),
		NDVIEnd:       floatPtr(r.ndviEnd),
		NDVIChange:    floatPtr(r.ndviChange),
		AreaHa:        floatPtr(r.areaHa),
		CarbonCredits: floatPtr(r.carbonCredits),
		PlotImageKey:  r.plotImageKey.String,
		ClaimStatus:   ClaimStatus(r.claimStatus.String),
		ClaimTxHash:   r.claimTxHash.String,
		PendingTxHash: r.pendingTxHash.String,
		ClaimWallet:   r.claimWallet.String,
		ClaimAttempts: r.claimAttempts,
	}, nil
}

// verificationColumns is the select list matching verificationRow.dest.
const verificationColumns = `id, submission_fingerprint, polygon, period_start, period_end, verified, reason,
	ndvi_start, ndvi_end, ndvi_change, area_ha, carbon_credits, plot_image_key,
	claim_status, claim_tx_hash, pending_tx_hash, claim_wallet, claim_attempts`

func defaultLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}

func defaultBatch(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

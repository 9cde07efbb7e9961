// Package idempotency derives submission fingerprints and resolves them to
// existing verification records.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/terraverify/terraverify/internal/storage"
	"github.com/terraverify/terraverify/internal/validation"
)

// Fingerprint returns a stable hash of a validated submission. The ring is
// hashed in input order; an open ring and its closed form hash equally because
// validation closes it first.
func Fingerprint(req validation.PlotRequest) string {
	var b strings.Builder
	b.WriteString("v1|")
	for i, p := range req.Polygon {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.FormatFloat(p.Lon, 'g', -1, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(p.Lat, 'g', -1, 64))
	}
	b.WriteByte('|')
	b.WriteString(req.StartDate())
	b.WriteByte('|')
	b.WriteString(req.EndDate())

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Lookup is the store operation the guard depends on.
type Lookup interface {
	GetVerificationByFingerprint(ctx context.Context, fingerprint string) (*storage.Verification, error)
}

// Guard answers whether a fingerprint already has a record. The store's
// unique constraint stays authoritative; the cache only saves lookups.
type Guard struct {
	store Lookup
	cache *expirable.LRU[string, string]
}

// Option configures a Guard.
type Option func(*Guard)

// WithCache memoizes fingerprint hits for ttl, holding at most size entries.
func WithCache(size int, ttl time.Duration) Option {
	return func(g *Guard) {
		if size > 0 {
			g.cache = expirable.NewLRU[string, string](size, nil, ttl)
		}
	}
}

// NewGuard creates a guard over store.
func NewGuard(store Lookup, opts ...Option) *Guard {
	g := &Guard{store: store}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Resolve returns the record ID for fingerprint, if one exists.
func (g *Guard) Resolve(ctx context.Context, fingerprint string) (string, bool, error) {
	if g.cache != nil {
		if id, ok := g.cache.Get(fingerprint); ok {
			return id, true, nil
		}
	}

	v, err := g.store.GetVerificationByFingerprint(ctx, fingerprint)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolving fingerprint: %w", err)
	}

	g.Remember(fingerprint, v.ID)
	return v.ID, true, nil
}

// Remember records that fingerprint belongs to id.
func (g *Guard) Remember(fingerprint, id string) {
	if g.cache != nil {
		g.cache.Add(fingerprint, id)
	}
}

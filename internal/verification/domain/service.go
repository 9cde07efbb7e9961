package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/terraverify/terraverify/internal/blobs"
	"github.com/terraverify/terraverify/internal/idempotency"
	"github.com/terraverify/terraverify/internal/observability/metrics"
	"github.com/terraverify/terraverify/internal/storage"
	"github.com/terraverify/terraverify/internal/validation"
	"github.com/terraverify/terraverify/internal/verifier"
)

// Common errors returned by the submission service.
var (
	ErrNotFound           = errors.New("verification not found")
	ErrPlotNotFound       = errors.New("plot image not found")
	ErrServiceUnavailable = errors.New("verification service unavailable")
)

// VerificationStore defines the storage operations needed by the submission pipeline.
type VerificationStore interface {
	CreateVerification(ctx context.Context, v *storage.Verification) error
	GetVerification(ctx context.Context, id string) (*storage.Verification, error)
	GetVerificationByFingerprint(ctx context.Context, fingerprint string) (*storage.Verification, error)
	ListVerifications(ctx context.Context, filter storage.VerificationFilter, pagination storage.PaginationParams) (*storage.PaginatedResult[storage.Verification], error)
}

// Verifier is the verification service adapter.
type Verifier interface {
	RequestVerification(ctx context.Context, req validation.PlotRequest) verifier.Outcome
}

// Guard resolves submission fingerprints to existing records.
type Guard interface {
	Resolve(ctx context.Context, fingerprint string) (string, bool, error)
	Remember(fingerprint, id string)
}

type service struct {
	store    VerificationStore
	verifier Verifier
	guard    Guard
	blobs    blobs.Store
	retry    RetryConfig
	logger   *slog.Logger
}

// NewService creates a new submission service.
func NewService(store VerificationStore, v Verifier, guard Guard, blobStore blobs.Store, retry RetryConfig, logger *slog.Logger) *service {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 500 * time.Millisecond
	}
	if blobStore == nil {
		blobStore = blobs.Noop{}
	}
	return &service{
		store:    store,
		verifier: v,
		guard:    guard,
		blobs:    blobStore,
		retry:    retry,
		logger:   logger,
	}
}

// Submit validates a plot, returns the existing record for a repeated
// submission, and otherwise verifies and persists a new record. Validation
// errors return before any network call; service errors are never persisted.
func (s *service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	plot, err := validation.ValidatePlot(req.Coordinates, req.StartDate, req.EndDate)
	if err != nil {
		metrics.Submission("invalid")
		return nil, err
	}

	fingerprint := idempotency.Fingerprint(*plot)
	existing, err := s.lookup(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		metrics.Submission("existing")
		return &SubmitResult{Record: existing}, nil
	}

	outcome, err := s.verify(ctx, *plot)
	if err != nil {
		metrics.Submission("unavailable")
		return nil, err
	}

	record := newRecord(plot, fingerprint, outcome)
	if v, ok := outcome.(verifier.Verified); ok && len(v.PlotImage) > 0 {
		record.PlotImageKey = s.storePlot(ctx, record.ID, v.PlotImage)
	}

	err = s.store.CreateVerification(ctx, record)
	if errors.Is(err, storage.ErrDuplicateFingerprint) {
		// A concurrent identical submission won the insert.
		s.discardPlot(ctx, record)
		winner, err := s.store.GetVerificationByFingerprint(ctx, fingerprint)
		if err != nil {
			return nil, fmt.Errorf("loading winning record: %w", err)
		}
		s.guard.Remember(fingerprint, winner.ID)
		metrics.Submission("existing")
		return &SubmitResult{Record: winner}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating verification: %w", err)
	}

	s.guard.Remember(fingerprint, record.ID)
	metrics.Submission("created")
	return &SubmitResult{Record: record, Created: true}, nil
}

func (s *service) lookup(ctx context.Context, fingerprint string) (*storage.Verification, error) {
	id, found, err := s.guard.Resolve(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	record, err := s.store.GetVerification(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading existing record: %w", err)
	}
	return record, nil
}

// verify calls the service, retrying service errors with exponential backoff.
func (s *service) verify(ctx context.Context, plot validation.PlotRequest) (verifier.Outcome, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.retry.MaxAttempts-1)), ctx)

	var (
		outcome verifier.Outcome
		lastErr *verifier.ServiceError
		attempt int
	)
	op := func() error {
		attempt++
		o := s.verifier.RequestVerification(ctx, plot)
		metrics.VerifierCall(verifier.String(o))
		if se, ok := o.(*verifier.ServiceError); ok {
			lastErr = se
			return se
		}
		outcome = o
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("verification service call failed, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if lastErr == nil {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrServiceUnavailable, attempt, lastErr)
	}
	return outcome, nil
}

// discardPlot removes the image stored for a record that was never created.
func (s *service) discardPlot(ctx context.Context, record *storage.Verification) {
	if record.PlotImageKey == "" {
		return
	}
	if err := s.blobs.Delete(ctx, record.PlotImageKey); err != nil {
		s.logger.Warn("failed to remove unused plot image", "key", record.PlotImageKey, "error", err)
	}
}

// storePlot saves the plot image and returns its key, or "" if it could not
// be stored. A missing image never fails the submission.
func (s *service) storePlot(ctx context.Context, id string, image []byte) string {
	key := blobs.PlotKey(id)
	err := s.blobs.Put(ctx, key, image, "image/png")
	switch {
	case errors.Is(err, blobs.ErrDisabled):
		return ""
	case err != nil:
		s.logger.Warn("failed to store plot image", "verification_id", id, "error", err)
		return ""
	}
	return key
}

func newRecord(plot *validation.PlotRequest, fingerprint string, outcome verifier.Outcome) *storage.Verification {
	record := &storage.Verification{
		ID:          uuid.New().String(),
		Polygon:     plot.Coordinates(),
		PeriodStart: plot.StartDate(),
		PeriodEnd:   plot.EndDate(),
		Fingerprint: fingerprint,
	}

	switch o := outcome.(type) {
	case verifier.Verified:
		record.Verified = true
		record.NDVIStart = &o.NDVIStart
		record.NDVIEnd = &o.NDVIEnd
		record.NDVIChange = &o.NDVIChange
		record.AreaHa = &o.AreaHa
		record.CarbonCredits = &o.CarbonCredits
		record.ClaimStatus = storage.ClaimUnclaimed
	case verifier.NotVerified:
		record.Reason = o.Reason
	}
	return record
}

// Get returns a record by ID.
func (s *service) Get(ctx context.Context, id string) (*storage.Verification, error) {
	record, err := s.store.GetVerification(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting verification: %w", err)
	}
	return record, nil
}

// List returns records newest first.
func (s *service) List(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error) {
	result, err := s.store.ListVerifications(ctx, storage.VerificationFilter{
		Verified:    filter.Verified,
		ClaimStatus: filter.ClaimStatus,
	}, storage.PaginationParams{
		Limit:  pagination.Limit,
		Cursor: pagination.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("listing verifications: %w", err)
	}
	return &ListResult{
		Records:    result.Data,
		HasMore:    result.HasMore,
		NextCursor: result.NextCursor,
	}, nil
}

// PlotImage returns the stored plot image of a record.
func (s *service) PlotImage(ctx context.Context, id string) ([]byte, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.PlotImageKey == "" {
		return nil, ErrPlotNotFound
	}
	image, err := s.blobs.Get(ctx, record.PlotImageKey)
	if errors.Is(err, blobs.ErrNotFound) {
		return nil, ErrPlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading plot image: %w", err)
	}
	return image, nil
}

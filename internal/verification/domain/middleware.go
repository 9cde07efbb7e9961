package domain

import (
	"context"
	"log/slog"
	"time"

	"github.com/terraverify/terraverify/internal/storage"
)

// loggingService is the interface required for logging middleware.
type loggingService interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	Get(ctx context.Context, id string) (*storage.Verification, error)
	List(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error)
	PlotImage(ctx context.Context, id string) ([]byte, error)
}

// LoggingMiddleware returns a service middleware that logs all operations.
func LoggingMiddleware(logger *slog.Logger) func(loggingService) *loggingMiddleware {
	return func(next loggingService) *loggingMiddleware {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   loggingService
	logger *slog.Logger
}

func (m *loggingMiddleware) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	start := time.Now()
	result, err := m.next.Submit(ctx, req)
	attrs := []any{
		"vertices", len(req.Coordinates),
		"start_date", req.StartDate,
		"end_date", req.EndDate,
		"duration", time.Since(start),
		"error", err,
	}
	if result != nil {
		attrs = append(attrs,
			"verification_id", result.Record.ID,
			"verified", result.Record.Verified,
			"created", result.Created,
		)
	}
	m.logger.Info("Submit", attrs...)
	return result, err
}

func (m *loggingMiddleware) Get(ctx context.Context, id string) (*storage.Verification, error) {
	start := time.Now()
	record, err := m.next.Get(ctx, id)
	m.logger.Debug("Get",
		"verification_id", id,
		"duration", time.Since(start),
		"error", err,
	)
	return record, err
}

func (m *loggingMiddleware) List(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error) {
	start := time.Now()
	result, err := m.next.List(ctx, filter, pagination)
	m.logger.Debug("List",
		"claim_status", filter.ClaimStatus,
		"limit", pagination.Limit,
		"duration", time.Since(start),
		"error", err,
	)
	return result, err
}

func (m *loggingMiddleware) PlotImage(ctx context.Context, id string) ([]byte, error) {
	start := time.Now()
	image, err := m.next.PlotImage(ctx, id)
	m.logger.Debug("PlotImage",
		"verification_id", id,
		"size", len(image),
		"duration", time.Since(start),
		"error", err,
	)
	return image, err
}

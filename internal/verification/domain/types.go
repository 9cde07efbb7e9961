// Package domain contains the business logic for plot verification
// submissions.
package domain

import (
	"time"

	"github.com/terraverify/terraverify/internal/storage"
)

// SubmitRequest is a plot submission as received from a client.
type SubmitRequest struct {
	Coordinates [][]float64 // [lon, lat] pairs, open or closed
	StartDate   string      // YYYY-MM-DD
	EndDate     string      // YYYY-MM-DD
}

// SubmitResult is the record a submission resolved to. Created is false when
// an earlier identical submission already produced the record.
type SubmitResult struct {
	Record  *storage.Verification
	Created bool
}

// ListFilter contains filter options for listing records.
type ListFilter struct {
	Verified    *bool
	ClaimStatus storage.ClaimStatus
}

// PaginationParams contains pagination options.
type PaginationParams struct {
	Limit  int
	Cursor string
}

// ListResult contains paginated list results.
type ListResult struct {
	Records    []storage.Verification
	HasMore    bool
	NextCursor string
}

// RetryConfig bounds calls to the verification service.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

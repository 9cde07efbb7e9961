// Package blobs stores plot images returned by the verification service.
package blobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/terraverify/terraverify/internal/config"
)

var (
	// ErrNotFound indicates the requested blob does not exist.
	ErrNotFound = errors.New("blob not found")
	// ErrDisabled is returned by Put when no blob backend is configured.
	ErrDisabled = errors.New("blob storage disabled")
	// ErrInvalidKey indicates an empty key or one with a path traversal segment.
	ErrInvalidKey = errors.New("invalid blob key")
)

// Store persists opaque blobs by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns ErrNotFound if the blob does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, key string) error
}

// New creates the blob store selected by cfg.Type.
func New(ctx context.Context, cfg config.BlobsConfig, logger *slog.Logger) (Store, error) {
	logger = logger.With("system", "blobs", "type", cfg.Type)

	switch cfg.Type {
	case "", "none":
		return Noop{}, nil
	case "filesystem":
		logger.Info("using filesystem blob storage", "path", cfg.BasePath)
		return NewFilesystem(cfg.BasePath)
	case "s3":
		logger.Info("using s3 blob storage", "bucket", cfg.S3.Bucket, "region", cfg.S3.Region)
		return NewS3(ctx, cfg.S3)
	case "azure":
		logger.Info("using azure blob storage", "container", cfg.Azure.Container)
		return NewAzure(ctx, cfg.Azure, logger)
	default:
		return nil, fmt.Errorf("unsupported blob storage type: %s", cfg.Type)
	}
}

// PlotKey returns the key under which a record's plot image is stored.
func PlotKey(verificationID string) string {
	return "plots/" + verificationID + ".png"
}

func validateKey(key string) error {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Noop discards writes.
type Noop struct{}

// Put implements Store.
func (Noop) Put(context.Context, string, []byte, string) error { return ErrDisabled }

// Get implements Store.
func (Noop) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }

// Delete implements Store.
func (Noop) Delete(context.Context, string) error { return nil }

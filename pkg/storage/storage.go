// Package storage provides the blob store used for assignment, submission
// and resource attachments.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/pkg/config"
)

// BlobStore uploads and removes binary attachments.
type BlobStore interface {
	// Upload stores data at path and returns its public URL.
	Upload(ctx context.Context, data []byte, path, contentType string) (string, error)
	Delete(ctx context.Context, path string) error
	URL(path string) string
}

// New builds the configured blob store driver.
func New(cfg config.BlobConfig, logger *zap.Logger) (BlobStore, error) {
	switch cfg.Driver {
	case config.BlobAzure:
		return NewAzureBlobStorage(AzureConfig{
			AccountName: cfg.AccountName,
			SASToken:    cfg.SASToken,
			Container:   cfg.Container,
		}, logger), nil
	case config.BlobLocal, "":
		var signer *SignedURLSigner
		if cfg.SignedURLSecret != "" {
			signer = NewSignedURLSigner(cfg.SignedURLSecret, cfg.SignedURLTTL)
		}
		return NewLocalStorage(cfg.LocalDir, cfg.PublicBaseURL, signer)
	}
	return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
}

// CleanPath normalises a blob path and rejects ones escaping the root.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("blob path required")
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" || cleaned == "." || strings.HasPrefix(p, "../") || strings.Contains(p, "/../") {
		return "", fmt.Errorf("invalid blob path %q", p)
	}
	return cleaned, nil
}

package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage persists blobs on disk under a base directory and serves them
// through signed URLs.
type LocalStorage struct {
	baseDir string
	baseURL string
	signer  *SignedURLSigner
}

// NewLocalStorage ensures the base directory exists and returns a handle.
// signer may be nil, in which case URLs are unsigned.
func NewLocalStorage(baseDir, baseURL string, signer *SignedURLSigner) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./blobs"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir, baseURL: strings.TrimRight(baseURL, "/"), signer: signer}, nil
}

// Upload implements BlobStore.
func (s *LocalStorage) Upload(ctx context.Context, data []byte, name, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, err := CleanPath(name)
	if err != nil {
		return "", err
	}
	target := s.resolve(rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("prepare blob directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return s.URL(rel), nil
}

// Delete implements BlobStore. Missing blobs are not an error.
func (s *LocalStorage) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := CleanPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(s.resolve(rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// URL implements BlobStore.
func (s *LocalStorage) URL(name string) string {
	rel, err := CleanPath(name)
	if err != nil {
		return ""
	}
	u := s.baseURL + "/" + rel
	if s.signer == nil {
		return u
	}
	token, _, err := s.signer.Sign(rel)
	if err != nil {
		return u
	}
	return u + "?token=" + url.QueryEscape(token)
}

// Open verifies a download token for name and returns a read handle.
func (s *LocalStorage) Open(name, token string) (*os.File, error) {
	rel, err := CleanPath(name)
	if err != nil {
		return nil, err
	}
	if s.signer != nil {
		signed, _, err := s.signer.Verify(token, false)
		if err != nil {
			return nil, err
		}
		if signed != rel {
			return nil, fmt.Errorf("token does not match blob")
		}
	}
	file, err := os.Open(s.resolve(rel))
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return file, nil
}

func (s *LocalStorage) resolve(rel string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(rel))
}

package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// AzureConfig identifies the storage account and container. Endpoint
// overrides the account URL and is mainly used against emulators.
type AzureConfig struct {
	AccountName string
	SASToken    string
	Container   string
	Endpoint    string
}

// AzureBlobStorage stores blobs in an Azure Storage container authorised by a
// SAS token. The client is built lazily on first use; missing credentials
// surface as a configuration error that is logged once.
type AzureBlobStorage struct {
	cfg    AzureConfig
	logger *zap.Logger

	once    sync.Once
	client  *azblob.Client
	initErr error
}

// NewAzureBlobStorage returns the Azure driver.
func NewAzureBlobStorage(cfg AzureConfig, logger *zap.Logger) *AzureBlobStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Container == "" {
		cfg.Container = "learn-admin-files"
	}
	cfg.SASToken = strings.TrimPrefix(cfg.SASToken, "?")
	if cfg.Endpoint == "" && cfg.AccountName != "" {
		cfg.Endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}
	return &AzureBlobStorage{cfg: cfg, logger: logger}
}

func (s *AzureBlobStorage) getClient() (*azblob.Client, error) {
	s.once.Do(func() {
		var missing []string
		if s.cfg.AccountName == "" {
			missing = append(missing, "AZURE_STORAGE_ACCOUNT_NAME")
		}
		if s.cfg.SASToken == "" {
			missing = append(missing, "AZURE_STORAGE_SAS_TOKEN")
		}
		if len(missing) > 0 {
			s.initErr = appErrors.Clone(appErrors.ErrConfiguration, "blob storage configuration missing: "+strings.Join(missing, ", "))
			s.logger.Error("blob storage not configured", zap.Strings("missing", missing))
			return
		}
		opts := &azblob.ClientOptions{ClientOptions: policy.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		}}
		client, err := azblob.NewClientWithNoCredential(strings.TrimRight(s.cfg.Endpoint, "/")+"/?"+s.cfg.SASToken, opts)
		if err != nil {
			s.initErr = appErrors.Wrap(err, appErrors.ErrConfiguration.Code, appErrors.ErrConfiguration.Status, "invalid blob storage endpoint")
			s.logger.Error("blob storage client", zap.Error(err))
			return
		}
		s.client = client
	})
	return s.client, s.initErr
}

// Upload implements BlobStore. The container must already exist.
func (s *AzureBlobStorage) Upload(ctx context.Context, data []byte, name, contentType string) (string, error) {
	rel, err := CleanPath(name)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid blob path")
	}
	client, err := s.getClient()
	if err != nil {
		return "", err
	}

	container := client.ServiceClient().NewContainerClient(s.cfg.Container)
	if _, err := container.GetProperties(ctx, nil); err != nil {
		return "", s.classify(err, "check container")
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uploadedAt := time.Now().UTC().Format(time.RFC3339)
	fileName := rel[strings.LastIndex(rel, "/")+1:]
	_, err = client.UploadBuffer(ctx, s.cfg.Container, rel, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		Metadata:    map[string]*string{"fileName": &fileName, "uploadedAt": &uploadedAt},
	})
	if err != nil {
		return "", s.classify(err, "upload blob")
	}
	s.logger.Debug("blob uploaded", zap.String("path", rel), zap.Int("bytes", len(data)))
	return s.URL(rel), nil
}

// Delete implements BlobStore. A blob that is already gone is not an error.
func (s *AzureBlobStorage) Delete(ctx context.Context, name string) error {
	rel, err := CleanPath(name)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid blob path")
	}
	client, err := s.getClient()
	if err != nil {
		return err
	}
	if _, err := client.DeleteBlob(ctx, s.cfg.Container, rel, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return s.classify(err, "delete blob")
	}
	return nil
}

// URL implements BlobStore. The URL carries the SAS query.
func (s *AzureBlobStorage) URL(name string) string {
	rel, err := CleanPath(name)
	if err != nil {
		return ""
	}
	client, err := s.getClient()
	if err != nil {
		return ""
	}
	return client.ServiceClient().NewContainerClient(s.cfg.Container).NewBlockBlobClient(rel).URL()
}

func (s *AzureBlobStorage) classify(err error, op string) error {
	switch {
	case bloberror.HasCode(err, bloberror.ContainerNotFound, bloberror.ResourceNotFound):
		return appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status,
			fmt.Sprintf("blob container %q does not exist", s.cfg.Container))
	case bloberror.HasCode(err, bloberror.AuthorizationPermissionMismatch, bloberror.AuthorizationFailure,
		bloberror.InsufficientAccountPermissions, bloberror.AuthenticationFailed):
		return appErrors.Wrap(err, appErrors.ErrPermissionDenied.Code, appErrors.ErrPermissionDenied.Status,
			"blob storage permission denied: SAS token needs write and create rights")
	}
	return fmt.Errorf("%s: %w", op, err)
}

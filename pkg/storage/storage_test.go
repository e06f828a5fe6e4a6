package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/classroom-sync/pkg/config"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

func TestCleanPath(t *testing.T) {
	p, err := CleanPath("assignments//c1/a1/s1/1700000000000_hw.pdf")
	require.NoError(t, err)
	assert.Equal(t, "assignments/c1/a1/s1/1700000000000_hw.pdf", p)

	for _, bad := range []string{"", "  ", "../etc/passwd", "a/../../b"} {
		_, err := CleanPath(bad)
		assert.Error(t, err, bad)
	}
}

func TestLocalStorageUploadSignedURLAndDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir, "http://localhost:8080/files/", NewSignedURLSigner("secret", time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	link, err := store.Upload(ctx, []byte("hello"), "resources/c1/notes.txt", "text/plain")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link, "http://localhost:8080/files/resources/c1/notes.txt?token="))

	u, err := url.Parse(link)
	require.NoError(t, err)
	f, err := store.Open("resources/c1/notes.txt", u.Query().Get("token"))
	require.NoError(t, err)
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "hello", string(body))

	_, err = store.Open("resources/c1/other.txt", u.Query().Get("token"))
	assert.Error(t, err)

	require.NoError(t, store.Delete(ctx, "resources/c1/notes.txt"))
	require.NoError(t, store.Delete(ctx, "resources/c1/notes.txt"))
	_, err = store.Open("resources/c1/notes.txt", u.Query().Get("token"))
	assert.Error(t, err)
}

func TestNewSelectsDriver(t *testing.T) {
	local, err := New(config.BlobConfig{Driver: config.BlobLocal, LocalDir: t.TempDir(), PublicBaseURL: "http://x"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, local)

	azure, err := New(config.BlobConfig{Driver: config.BlobAzure}, nil)
	require.NoError(t, err)
	assert.IsType(t, &AzureBlobStorage{}, azure)

	_, err = New(config.BlobConfig{Driver: "ftp"}, nil)
	assert.Error(t, err)
}

func TestAzureBlobStorageMissingCredentials(t *testing.T) {
	store := NewAzureBlobStorage(AzureConfig{AccountName: "acct"}, nil)
	_, err := store.Upload(context.Background(), []byte("x"), "a/b.txt", "text/plain")
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrConfiguration)
	assert.Contains(t, err.Error(), "AZURE_STORAGE_SAS_TOKEN")

	assert.ErrorIs(t, store.Delete(context.Background(), "a/b.txt"), appErrors.ErrConfiguration)
	assert.Empty(t, store.URL("a/b.txt"))
}

type fakeAzure struct {
	mu          sync.Mutex
	container   int
	putStatus   int
	putCode     string
	uploads     map[string]string
	contentType string
}

func (f *fakeAzure) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("x-ms-request-id", "req-1")
	w.Header().Set("x-ms-version", "2023-11-03")
	switch {
	case r.Method == http.MethodGet && r.URL.Query().Get("restype") == "container":
		if f.container != http.StatusOK {
			w.Header().Set("x-ms-error-code", "ContainerNotFound")
		}
		w.WriteHeader(f.container)
	case r.Method == http.MethodPut:
		if f.putStatus != http.StatusCreated {
			w.Header().Set("x-ms-error-code", f.putCode)
			w.WriteHeader(f.putStatus)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.uploads[r.URL.Path] = string(body)
		f.contentType = r.Header.Get("x-ms-blob-content-type")
		w.Header().Set("ETag", `"0x1"`)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodDelete:
		w.Header().Set("x-ms-error-code", "BlobNotFound")
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func newFakeAzure(t *testing.T, fake *fakeAzure) *AzureBlobStorage {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewAzureBlobStorage(AzureConfig{
		AccountName: "acct",
		SASToken:    "?sv=2023-11-03&sig=abc",
		Container:   "files",
		Endpoint:    srv.URL + "/acct",
	}, nil)
}

func TestAzureBlobStorageUpload(t *testing.T) {
	fake := &fakeAzure{container: http.StatusOK, putStatus: http.StatusCreated, uploads: map[string]string{}}
	store := newFakeAzure(t, fake)

	link, err := store.Upload(context.Background(), []byte("pdf-bytes"), "resources/c1/1_notes.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Contains(t, link, "/acct/files/resources/c1/1_notes.pdf")
	assert.Contains(t, link, "sig=abc")
	assert.Equal(t, "pdf-bytes", fake.uploads["/acct/files/resources/c1/1_notes.pdf"])
	assert.Equal(t, "application/pdf", fake.contentType)

	require.NoError(t, store.Delete(context.Background(), "resources/c1/1_notes.pdf"))
}

func TestAzureBlobStorageClassifiesFailures(t *testing.T) {
	missing := newFakeAzure(t, &fakeAzure{container: http.StatusNotFound, uploads: map[string]string{}})
	_, err := missing.Upload(context.Background(), []byte("x"), "a/b.txt", "")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	denied := newFakeAzure(t, &fakeAzure{
		container: http.StatusOK,
		putStatus: http.StatusForbidden,
		putCode:   "AuthorizationPermissionMismatch",
		uploads:   map[string]string{},
	})
	_, err = denied.Upload(context.Background(), []byte("x"), "a/b.txt", "")
	assert.ErrorIs(t, err, appErrors.ErrPermissionDenied)
}

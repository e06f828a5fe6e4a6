package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/storage"
)

// Upload is a file attached to a mutation.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// FileName returns the base name of the upload without directory parts.
func (u *Upload) FileName() string {
	if u == nil {
		return ""
	}
	return path.Base(strings.ReplaceAll(strings.TrimSpace(u.Name), "\\", "/"))
}

func (u *Upload) empty() bool {
	return u == nil || len(u.Data) == 0 || u.FileName() == "" || u.FileName() == "." || u.FileName() == "/"
}

// MutationDeps are the collaborators shared by every mutation service.
// Mutations write through the store and never touch dashboard state; the
// change feed carries their effects back to the engines.
type MutationDeps struct {
	Store     docstore.Store
	Blobs     storage.BlobStore
	Validator *validator.Validate
	Logger    *zap.Logger
	Metrics   *MetricsService
	Now       func() time.Time
}

type mutationBase struct {
	store     docstore.Store
	blobs     storage.BlobStore
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	now       func() time.Time
}

func newMutationBase(deps MutationDeps) mutationBase {
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return mutationBase{
		store:     deps.Store,
		blobs:     deps.Blobs,
		validator: deps.Validator,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		now:       deps.Now,
	}
}

// observe records the outcome of an operation. Use with defer and a named
// error result.
func (b *mutationBase) observe(op string, start time.Time, errp *error) {
	err := *errp
	b.metrics.ObserveMutation(op, err, time.Since(start))
	if err != nil {
		b.logger.Sugar().Warnw("mutation failed", "operation", op, "error", err)
	}
}

func (b *mutationBase) validate(payload interface{}, message string) error {
	if err := b.validator.Struct(payload); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message)
	}
	return nil
}

// stampedPath builds "{prefix}/{unixMillis}_{name}".
func (b *mutationBase) stampedPath(prefix string, file *Upload) string {
	return fmt.Sprintf("%s/%d_%s", prefix, b.now().UnixMilli(), file.FileName())
}

// upload stores the file and returns its URL. Store errors already carry
// their classification.
func (b *mutationBase) upload(ctx context.Context, blobPath string, file *Upload) (string, error) {
	if b.blobs == nil {
		return "", appErrors.Clone(appErrors.ErrConfiguration, "blob storage is not configured")
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := b.blobs.Upload(ctx, file.Data, blobPath, contentType)
	if err != nil {
		return "", err
	}
	return url, nil
}

// orphaned logs a blob left behind by a failed document write.
func (b *mutationBase) orphaned(blobPath string, err error) {
	b.logger.Sugar().Warnw("document write failed after upload, blob orphaned", "path", blobPath, "error", err)
}

func (b *mutationBase) course(ctx context.Context, courseID string) (*models.Course, error) {
	doc, err := b.store.Get(ctx, models.CollectionCourses, courseID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	course, err := models.Decode[models.Course](*doc, b.validator)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "malformed course")
	}
	return &course, nil
}

// ownedCourse loads a course and checks the teacher teaches it.
func (b *mutationBase) ownedCourse(ctx context.Context, teacherID, courseID string) (*models.Course, error) {
	course, err := b.course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if course.TeacherID != teacherID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "course belongs to another teacher")
	}
	return course, nil
}

func writeError(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, message)
	}
	if errors.Is(err, docstore.ErrNotFound) {
		return appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, message)
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func decodeDocs[T models.Entity](docs []docstore.Document, validate *validator.Validate, logger *zap.Logger) []T {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := models.Decode[T](doc, validate)
		if err != nil {
			logger.Sugar().Warnw("skipping malformed document", "collection", doc.Collection, "id", doc.ID, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	"github.com/noah-isme/classroom-sync/pkg/jobs"
)

const jobTypeProfileName = "profile_name"

type nameRequest struct {
	userID  string
	deliver func(string)
}

// ProfileDirectory resolves student display names on a worker pool so the
// dashboard engines never block on profile reads. Names are cached when a
// cache is configured.
type ProfileDirectory struct {
	store     docstore.Store
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	ttl       time.Duration
	queue     *jobs.Queue
}

// NewProfileDirectory builds the directory and its queue. Call Start before use.
func NewProfileDirectory(store docstore.Store, cache *CacheService, validate *validator.Validate, logger *zap.Logger, workers int, ttl time.Duration) *ProfileDirectory {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &ProfileDirectory{store: store, cache: cache, validator: validate, logger: logger, ttl: ttl}
	d.queue = jobs.NewQueue("profile-names", d.handle, jobs.QueueConfig{Workers: workers, Logger: logger})
	return d
}

// Start launches the workers.
func (d *ProfileDirectory) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Stop waits for the workers to exit.
func (d *ProfileDirectory) Stop() {
	d.queue.Stop()
}

// LookupName implements syncengine.NameLookup. deliver always runs off the
// caller's goroutine, with the user id when no profile name is recorded.
// When the queue buffer is full the job waits for room on its own goroutine.
func (d *ProfileDirectory) LookupName(userID string, deliver func(string)) error {
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    jobTypeProfileName,
		Payload: nameRequest{userID: userID, deliver: deliver},
	}
	err := d.queue.TryEnqueue(job)
	if !errors.Is(err, jobs.ErrQueueFull) {
		return err
	}
	go func() {
		if err := d.queue.Enqueue(job); err != nil {
			d.logger.Sugar().Debugw("profile lookup abandoned", "user_id", userID, "error", err)
		}
	}()
	return nil
}

func profileCacheKey(userID string) string {
	return "profile_name:" + userID
}

func (d *ProfileDirectory) handle(ctx context.Context, job jobs.Job) error {
	req, ok := job.Payload.(nameRequest)
	if !ok {
		return fmt.Errorf("unexpected payload %T", job.Payload)
	}
	name, err := d.Name(ctx, req.userID)
	req.deliver(name)
	return err
}

// Name reads the display name synchronously.
func (d *ProfileDirectory) Name(ctx context.Context, userID string) (string, error) {
	var cached string
	if hit, _ := d.cache.Get(ctx, profileCacheKey(userID), &cached); hit && cached != "" {
		return cached, nil
	}

	doc, err := d.store.Get(ctx, models.CollectionProfiles, userID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return userID, nil
		}
		return userID, fmt.Errorf("load profile %s: %w", userID, err)
	}
	profile, err := models.Decode[models.Profile](*doc, d.validator)
	if err != nil {
		d.logger.Sugar().Warnw("malformed profile", "user_id", userID, "error", err)
		return userID, nil
	}
	name := profile.DisplayName()
	if err := d.cache.Set(ctx, profileCacheKey(userID), name, d.ttl); err != nil {
		d.logger.Sugar().Warnw("profile cache write failed", "user_id", userID, "error", err)
	}
	return name, nil
}

package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// AuthEvent is an authentication-state transition that re-runs role resolution.
type AuthEvent string

const (
	AuthSignedIn       AuthEvent = "signed_in"
	AuthSignedOut      AuthEvent = "signed_out"
	AuthTokenRefreshed AuthEvent = "token_refreshed"
)

// RoleState is the resolver's view of one principal.
type RoleState struct {
	Loading  bool             `json:"loading"`
	Resolved bool             `json:"resolved"`
	Role     *models.UserRole `json:"role"`
}

// RoleListener is told about every completed resolution whose role differs
// from the previous one, and about sign-outs (role nil).
type RoleListener func(principalID string, role *models.UserRole)

type principalState struct {
	inflight int
	resolved bool
	role     *models.UserRole
	lastErr  error
	ready    chan struct{}
}

type roleCacheEntry struct {
	Role  models.UserRole `json:"role"`
	Found bool            `json:"found"`
}

// IdentityService resolves the dashboard role of a principal from its role
// record and tracks the loading state of each resolution.
type IdentityService struct {
	store     docstore.Store
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	ttl       time.Duration

	mu        sync.Mutex
	states    map[string]*principalState
	listeners []RoleListener
}

// NewIdentityService constructs the resolver. cache may be nil.
func NewIdentityService(store docstore.Store, cache *CacheService, validate *validator.Validate, logger *zap.Logger, ttl time.Duration) *IdentityService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityService{
		store:     store,
		cache:     cache,
		validator: validate,
		logger:    logger,
		ttl:       ttl,
		states:    make(map[string]*principalState),
	}
}

// OnChange registers a listener.
func (s *IdentityService) OnChange(fn RoleListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func roleCacheKey(principalID string) string {
	return "role:" + principalID
}

func (s *IdentityService) stateLocked(principalID string) *principalState {
	st, ok := s.states[principalID]
	if !ok {
		st = &principalState{ready: make(chan struct{})}
		s.states[principalID] = st
	}
	return st
}

// Resolve looks the role up and records it. A missing role record yields a
// nil role without error.
func (s *IdentityService) Resolve(ctx context.Context, principalID string) (*models.UserRole, error) {
	if principalID == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "principal required")
	}

	s.mu.Lock()
	st := s.stateLocked(principalID)
	st.inflight++
	s.mu.Unlock()

	var (
		role *models.UserRole
		err  error
	)
	defer func() {
		s.finish(principalID, st, role, err)
	}()

	role, err = s.lookup(ctx, principalID)
	return role, err
}

func (s *IdentityService) finish(principalID string, st *principalState, role *models.UserRole, err error) {
	s.mu.Lock()
	if s.states[principalID] != st {
		// signed out while the lookup was in flight
		s.mu.Unlock()
		return
	}
	st.inflight--
	if err != nil {
		st.lastErr = err
		if !st.resolved && st.inflight == 0 {
			// wake waiters; the next attempt gets a fresh channel
			close(st.ready)
			st.ready = make(chan struct{})
		}
		s.mu.Unlock()
		return
	}
	st.lastErr = nil
	changed := !st.resolved || !sameRole(st.role, role)
	st.role = role
	if !st.resolved {
		st.resolved = true
		close(st.ready)
	}
	listeners := append([]RoleListener(nil), s.listeners...)
	s.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(principalID, role)
		}
	}
}

func (s *IdentityService) lookup(ctx context.Context, principalID string) (*models.UserRole, error) {
	var cached roleCacheEntry
	if hit, _ := s.cache.Get(ctx, roleCacheKey(principalID), &cached); hit {
		if !cached.Found {
			return nil, nil
		}
		role := cached.Role
		return &role, nil
	}

	doc, err := s.store.Get(ctx, models.CollectionUserRoles, principalID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			s.persistRole(ctx, principalID, roleCacheEntry{})
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role")
	}

	record, err := models.Decode[models.RoleRecord](*doc, s.validator)
	if err != nil {
		s.logger.Sugar().Warnw("ignoring malformed role record", "user_id", principalID, "error", err)
		return nil, nil
	}
	s.persistRole(ctx, principalID, roleCacheEntry{Role: record.Role, Found: true})
	role := record.Role
	return &role, nil
}

func (s *IdentityService) persistRole(ctx context.Context, principalID string, entry roleCacheEntry) {
	if err := s.cache.Set(ctx, roleCacheKey(principalID), entry, s.ttl); err != nil {
		s.logger.Sugar().Warnw("role cache write failed", "user_id", principalID, "error", err)
	}
}

// Wait blocks until the principal's first resolution completes, starting one
// if none has run yet.
func (s *IdentityService) Wait(ctx context.Context, principalID string) (*models.UserRole, error) {
	s.mu.Lock()
	st, ok := s.states[principalID]
	if ok && st.resolved {
		role := st.role
		s.mu.Unlock()
		return role, nil
	}
	inflight := ok && st.inflight > 0
	var ready chan struct{}
	if ok {
		ready = st.ready
	}
	s.mu.Unlock()

	if !inflight {
		return s.Resolve(ctx, principalID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ready:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok = s.states[principalID]
	if !ok {
		return nil, nil
	}
	if !st.resolved && st.lastErr != nil {
		return nil, st.lastErr
	}
	return st.role, nil
}

// State reports whether a lookup is in flight and the last resolved role.
func (s *IdentityService) State(principalID string) RoleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[principalID]
	if !ok {
		return RoleState{}
	}
	return RoleState{Loading: st.inflight > 0, Resolved: st.resolved, Role: st.role}
}

// HandleAuthEvent re-runs the lookup on sign-in and token refresh. Sign-out
// forgets the principal and drops its cached role.
func (s *IdentityService) HandleAuthEvent(ctx context.Context, principalID string, ev AuthEvent) (*models.UserRole, error) {
	switch ev {
	case AuthSignedOut:
		s.Forget(ctx, principalID)
		return nil, nil
	case AuthTokenRefreshed:
		_ = s.cache.Invalidate(ctx, roleCacheKey(principalID))
	}
	return s.Resolve(ctx, principalID)
}

// Forget drops all state for the principal and notifies listeners.
func (s *IdentityService) Forget(ctx context.Context, principalID string) {
	_ = s.cache.Invalidate(ctx, roleCacheKey(principalID))
	s.mu.Lock()
	if st, ok := s.states[principalID]; ok && !st.resolved {
		close(st.ready)
	}
	delete(s.states, principalID)
	listeners := append([]RoleListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(principalID, nil)
	}
}

func sameRole(a, b *models.UserRole) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/syncengine"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// Toast levels.
const (
	ToastSuccess = "success"
	ToastError   = "error"
)

// Session event kinds.
const (
	SessionEventToast   = "toast"
	SessionEventLoading = "loading"
)

// Toast is the user-visible outcome of one mutation.
type Toast struct {
	Operation string    `json:"operation"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	At        time.Time `json:"at"`
}

// SessionEvent is pushed to a session's stream alongside engine events.
type SessionEvent struct {
	Kind    string          `json:"kind"`
	Toast   *Toast          `json:"toast,omitempty"`
	Loading map[string]bool `json:"loading,omitempty"`
}

// Session is one open dashboard: a sync engine bound to a principal plus the
// per-operation loading flags of the mutations issued through it.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	engine   syncengine.Engine
	logger   *zap.Logger
	now      func() time.Time
	lastSeen atomic.Int64

	mu       sync.Mutex
	loading  map[string]int
	watchers map[int]chan SessionEvent
	nextW    int
	closed   bool
}

// Engine returns the session's sync engine.
func (s *Session) Engine() syncengine.Engine { return s.engine }

// Identity returns the principal the session is bound to.
func (s *Session) Identity() syncengine.Identity { return s.engine.Identity() }

// Loading reports the operations currently in flight.
func (s *Session) Loading() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingLocked()
}

func (s *Session) loadingLocked() map[string]bool {
	out := make(map[string]bool, len(s.loading))
	for op, n := range s.loading {
		if n > 0 {
			out[op] = true
		}
	}
	return out
}

// Track runs a mutation with its loading flag raised. The flag is cleared
// whatever the outcome and a toast is pushed to the session's stream.
func (s *Session) Track(operation string, fn func() error) (err error) {
	s.touch()
	s.setLoading(operation, 1)
	defer func() {
		s.setLoading(operation, -1)
		toast := &Toast{Operation: operation, Level: ToastSuccess, Message: "ok", At: s.now()}
		if err != nil {
			appErr := appErrors.FromError(err)
			toast.Level = ToastError
			toast.Message = appErr.Message
			toast.Code = appErr.Code
		}
		s.broadcast(SessionEvent{Kind: SessionEventToast, Toast: toast})
	}()
	return fn()
}

func (s *Session) setLoading(operation string, delta int) {
	s.mu.Lock()
	s.loading[operation] += delta
	if s.loading[operation] <= 0 {
		delete(s.loading, operation)
	}
	snapshot := s.loadingLocked()
	s.mu.Unlock()
	s.broadcast(SessionEvent{Kind: SessionEventLoading, Loading: snapshot})
}

func (s *Session) broadcast(ev SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("session watcher buffer full, dropping event", zap.String("kind", ev.Kind))
		}
	}
}

// Watch subscribes to toasts and loading changes. The channel closes with the
// session or when cancel runs.
func (s *Session) Watch() (<-chan SessionEvent, func()) {
	ch := make(chan SessionEvent, 32)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextW
	s.nextW++
	s.watchers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if existing, ok := s.watchers[id]; ok {
				close(existing)
				delete(s.watchers, id)
			}
		})
	}
}

func (s *Session) touch() {
	s.lastSeen.Store(s.now().UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastSeen.Load()).UTC()
}

func (s *Session) close() {
	s.engine.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
}

type engineFactory func(ctx context.Context, id syncengine.Identity, opts syncengine.Options) (syncengine.Engine, error)

// DashboardServiceConfig tunes session housekeeping.
type DashboardServiceConfig struct {
	IdleTTL         time.Duration
	JanitorInterval time.Duration
}

// DashboardServiceParams groups constructor dependencies.
type DashboardServiceParams struct {
	Identity *IdentityService
	Engine   syncengine.Options
	Metrics  *MetricsService
	Logger   *zap.Logger
	Config   DashboardServiceConfig
}

// DashboardService opens, looks up and closes dashboard sessions. Opening
// waits for role resolution; a role change or sign-out closes the
// principal's sessions so a new engine is built for the new identity.
type DashboardService struct {
	identity  *IdentityService
	opts      syncengine.Options
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       DashboardServiceConfig
	now       func() time.Time
	newEngine engineFactory

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewDashboardService constructs DashboardService.
func NewDashboardService(params DashboardServiceParams) *DashboardService {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := params.Config
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	opts := params.Engine
	if opts.Observer == nil && params.Metrics != nil {
		opts.Observer = params.Metrics
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	base, cancel := context.WithCancel(context.Background())
	s := &DashboardService{
		identity:  params.Identity,
		opts:      opts,
		metrics:   params.Metrics,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newEngine: syncengine.New,
		base:      base,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
	}
	if s.identity != nil {
		s.identity.OnChange(s.onRoleChange)
	}
	return s
}

// Start runs the idle-session janitor until ctx ends or Shutdown is called.
func (s *DashboardService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.base.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Open resolves the principal's role and starts a dashboard engine for it.
func (s *DashboardService) Open(ctx context.Context, principalID string) (*Session, error) {
	if s.identity == nil {
		return nil, appErrors.Clone(appErrors.ErrConfiguration, "identity resolver not configured")
	}
	role, err := s.identity.Wait(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, appErrors.Clone(appErrors.ErrNoRole, "no role assigned to this account")
	}
	return s.open(principalID, *role)
}

func (s *DashboardService) open(principalID string, role models.UserRole) (*Session, error) {
	engine, err := s.newEngine(s.base, syncengine.Identity{UserID: principalID, Role: role}, s.opts)
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open dashboard")
	}
	now := s.now()
	session := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		engine:    engine,
		logger:    s.logger,
		now:       s.now,
		loading:   make(map[string]int),
		watchers:  make(map[int]chan SessionEvent),
	}
	session.touch()

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	s.metrics.SessionOpened()
	s.logger.Sugar().Infow("dashboard opened", "session_id", session.ID, "user_id", principalID, "role", role)
	return session, nil
}

// Get returns the principal's session. Sessions of other principals are
// reported as not found.
func (s *DashboardService) Get(principalID, sessionID string) (*Session, error) {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok || session.Identity().UserID != principalID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "dashboard session not found")
	}
	select {
	case <-session.engine.Done():
		s.remove(sessionID)
		return nil, appErrors.Clone(appErrors.ErrSessionClosed, "dashboard session closed")
	default:
	}
	session.touch()
	return session, nil
}

// Close tears the session down, releasing every subscription.
func (s *DashboardService) Close(principalID, sessionID string) error {
	if _, err := s.Get(principalID, sessionID); err != nil {
		return err
	}
	s.remove(sessionID)
	return nil
}

// CloseAll closes every session of the principal.
func (s *DashboardService) CloseAll(principalID string) int {
	return s.closeWhere(func(sess *Session) bool { return sess.Identity().UserID == principalID })
}

// Sessions lists the ids of the principal's open sessions.
func (s *DashboardService) Sessions(principalID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for id, sess := range s.sessions {
		if sess.Identity().UserID == principalID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sweep closes sessions idle longer than the configured TTL and sessions
// whose engine already stopped.
func (s *DashboardService) Sweep() int {
	cutoff := s.now().Add(-s.cfg.IdleTTL)
	return s.closeWhere(func(sess *Session) bool {
		select {
		case <-sess.engine.Done():
			return true
		default:
		}
		return sess.idleSince().Before(cutoff)
	})
}

// Shutdown closes every session and stops the janitor.
func (s *DashboardService) Shutdown() {
	s.cancel()
	s.closeWhere(func(*Session) bool { return true })
	s.wg.Wait()
}

func (s *DashboardService) onRoleChange(principalID string, role *models.UserRole) {
	n := s.closeWhere(func(sess *Session) bool {
		id := sess.Identity()
		return id.UserID == principalID && (role == nil || id.Role != *role)
	})
	if n > 0 {
		s.logger.Sugar().Infow("closed dashboards after identity change", "user_id", principalID, "sessions", n)
	}
}

func (s *DashboardService) closeWhere(match func(*Session) bool) int {
	s.mu.Lock()
	var victims []*Session
	for id, sess := range s.sessions {
		if match(sess) {
			victims = append(victims, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, sess := range victims {
		s.shut(sess)
	}
	return len(victims)
}

func (s *DashboardService) remove(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if ok {
		s.shut(sess)
	}
}

func (s *DashboardService) shut(sess *Session) {
	sess.close()
	s.metrics.SessionClosed()
	s.logger.Sugar().Infow("dashboard closed", "session_id", sess.ID, "user_id", sess.Identity().UserID)
}

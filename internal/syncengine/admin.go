package syncengine

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
)

// AdminCollections are the collections totalled on the admin dashboard.
var AdminCollections = []string{
	models.CollectionCourses,
	models.CollectionEnrollments,
	models.CollectionProfiles,
	models.CollectionAssignments,
	models.CollectionSubmissions,
	models.CollectionAlerts,
}

// AdminEngine holds collection totals. Counts are refreshed whenever the
// alerts feed moves, which is the admin's own write path.
type AdminEngine struct {
	*loop
	counts map[string]int
	alerts alertFeed
}

// NewAdminEngine starts the admin dashboard engine.
func NewAdminEngine(ctx context.Context, id Identity, opts Options) (*AdminEngine, error) {
	e := &AdminEngine{
		loop:   newLoop(ctx, id, string(models.RoleAdmin), opts),
		counts: make(map[string]int),
	}
	e.alerts.limit = e.opts.AlertLimit
	if err := e.run(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *AdminEngine) start(ctx context.Context) error {
	e.refresh(ctx)
	return e.acquire(ctx, Key{Collection: models.CollectionAlerts}, docstore.NewQuery(models.CollectionAlerts).Ordered(models.FieldCreatedAt, true))
}

// Refresh recounts every collection on the loop.
func (e *AdminEngine) Refresh() {
	e.post(func() { e.refresh(e.ctx) })
}

func (e *AdminEngine) refresh(ctx context.Context) {
	for _, c := range AdminCollections {
		n, err := e.opts.Store.Count(ctx, docstore.NewQuery(c))
		if err != nil {
			e.logger.Warn("count collection", zap.String("collection", c), zap.Error(err))
			continue
		}
		e.counts[c] = n
	}
}

func (e *AdminEngine) apply(ctx context.Context, ev event) {
	if ev.key.Collection != models.CollectionAlerts {
		return
	}
	handleAlerts(e.loop, &e.alerts, ev.batch)
	if !ev.batch.Initial {
		e.refresh(ctx)
	}
}

func (e *AdminEngine) dismiss(string)      {}
func (e *AdminEngine) selectCourse(string) {}

func (e *AdminEngine) view() *Snapshot {
	counts := make(map[string]int, len(e.counts))
	for k, v := range e.counts {
		counts[k] = v
	}
	return &Snapshot{Alerts: e.alerts.list(), Admin: &AdminView{Counts: counts}}
}

package syncengine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/aggregate"
	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
)

// StudentEngine syncs the student dashboard.
type StudentEngine struct {
	*loop

	enrollments bucket[models.Enrollment]
	courses     bucket[models.Course]
	attendance  bucket[models.AttendanceRecord]
	byCourse    map[string][]models.AttendanceRecord

	topics        scoped[models.Topic]
	assignments   scoped[models.Assignment]
	submissions   scoped[models.Submission]
	grades        scoped[models.Grade]
	announcements scoped[models.Announcement]

	// course id -> last fetch error
	failed map[string]string

	alerts    alertFeed
	dismissed aggregate.Dismissed
	selected  string
}

// NewStudentEngine opens the student subscriptions for id and starts the
// engine loop. The engine lives until Close or until ctx is cancelled.
func NewStudentEngine(ctx context.Context, id Identity, opts Options) (*StudentEngine, error) {
	e := &StudentEngine{
		loop:          newLoop(ctx, id, string(models.RoleStudent), opts),
		enrollments:   make(bucket[models.Enrollment]),
		courses:       make(bucket[models.Course]),
		attendance:    make(bucket[models.AttendanceRecord]),
		byCourse:      make(map[string][]models.AttendanceRecord),
		topics:        make(scoped[models.Topic]),
		assignments:   make(scoped[models.Assignment]),
		submissions:   make(scoped[models.Submission]),
		grades:        make(scoped[models.Grade]),
		announcements: make(scoped[models.Announcement]),
		failed:        make(map[string]string),
		dismissed:     aggregate.Dismissed{},
	}
	e.alerts.limit = e.opts.AlertLimit
	if err := e.run(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *StudentEngine) courseSpecs() []ScopedQuery {
	me := e.id.UserID
	return []ScopedQuery{
		{Collection: models.CollectionTopics, Build: func(c string) docstore.Query {
			return docstore.NewQuery(models.CollectionTopics, docstore.Eq(models.FieldCourseID, c))
		}},
		{Collection: models.CollectionAssignments, Build: func(c string) docstore.Query {
			return docstore.NewQuery(models.CollectionAssignments, docstore.Eq(models.FieldCourseID, c))
		}},
		{Collection: models.CollectionSubmissions, Build: func(c string) docstore.Query {
			return docstore.NewQuery(models.CollectionSubmissions, docstore.Eq(models.FieldCourseID, c), docstore.Eq(models.FieldStudentID, me))
		}},
		{Collection: models.CollectionGrades, Build: func(c string) docstore.Query {
			return docstore.NewQuery(models.CollectionGrades, docstore.Eq(models.FieldCourseID, c), docstore.Eq(models.FieldStudentID, me))
		}},
		{Collection: models.CollectionAnnouncements, Build: func(c string) docstore.Query {
			return docstore.NewQuery(models.CollectionAnnouncements, docstore.Eq(models.FieldCourseID, c))
		}},
	}
}

func (e *StudentEngine) start(ctx context.Context) error {
	me := docstore.Eq(models.FieldStudentID, e.id.UserID)
	if err := e.acquire(ctx, Key{Collection: models.CollectionEnrollments}, docstore.NewQuery(models.CollectionEnrollments, me)); err != nil {
		return err
	}
	if err := e.acquire(ctx, Key{Collection: models.CollectionAttendance}, docstore.NewQuery(models.CollectionAttendance, me)); err != nil {
		return err
	}
	return e.acquire(ctx, Key{Collection: models.CollectionAlerts}, docstore.NewQuery(models.CollectionAlerts).Ordered(models.FieldCreatedAt, true))
}

func (e *StudentEngine) apply(ctx context.Context, ev event) {
	switch ev.key.Collection {
	case models.CollectionEnrollments:
		merge(e.loop, e.enrollments, ev.batch)
		e.syncCourses(ctx)
	case models.CollectionAttendance:
		merge(e.loop, e.attendance, ev.batch)
		// rebuilt wholesale from the full materialized set on every batch
		e.byCourse = aggregate.GroupAttendance(values(e.attendance, attendanceStamp, attendanceID, false))
	case models.CollectionAlerts:
		handleAlerts(e.loop, &e.alerts, ev.batch)
	case models.CollectionTopics:
		merge(e.loop, e.topics.get(ev.key.Scope), ev.batch)
	case models.CollectionAssignments:
		merge(e.loop, e.assignments.get(ev.key.Scope), ev.batch)
	case models.CollectionSubmissions:
		merge(e.loop, e.submissions.get(ev.key.Scope), ev.batch)
	case models.CollectionGrades:
		merge(e.loop, e.grades.get(ev.key.Scope), ev.batch)
	case models.CollectionAnnouncements:
		merge(e.loop, e.announcements.get(ev.key.Scope), ev.batch)
	}
}

// syncCourses re-diffs the per-course subscriptions against the enrolled
// course set, drops the buckets of courses that left and fetches every
// enrolled course that is not loaded yet.
func (e *StudentEngine) syncCourses(ctx context.Context) {
	set := make(map[string]struct{}, len(e.enrollments))
	for _, en := range e.enrollments {
		set[en.CourseID] = struct{}{}
	}
	_, removed := e.reconcile(ctx, e.courseSpecs(), sortedKeys(set))
	for _, c := range removed {
		delete(e.courses, c)
		delete(e.failed, c)
		delete(e.pending, courseKey(c))
		delete(e.topics, c)
		delete(e.assignments, c)
		delete(e.submissions, c)
		delete(e.grades, c)
		delete(e.announcements, c)
		if e.selected == c {
			e.selected = ""
		}
	}
	for _, c := range sortedKeys(e.registry.scopes) {
		e.ensureCourse(ctx, c)
	}
}

func courseKey(id string) Key {
	return Key{Collection: models.CollectionCourses, Scope: id}
}

// ensureCourse starts a fetch unless the course is loaded or already being
// read. The course counts as pending until the fetch finishes.
func (e *StudentEngine) ensureCourse(ctx context.Context, id string) {
	if _, ok := e.courses[id]; ok {
		return
	}
	key := courseKey(id)
	if _, inflight := e.pending[key]; inflight {
		return
	}
	e.pending[key] = struct{}{}
	go e.fetchCourse(ctx, id)
}

func (e *StudentEngine) fetchCourse(ctx context.Context, id string) {
	doc, err := e.opts.Store.Get(ctx, models.CollectionCourses, id)
	if err != nil {
		transient := !errors.Is(err, docstore.ErrNotFound)
		e.post(func() { e.courseFetched(ctx, id, models.Course{}, err, transient) })
		return
	}
	course, err := models.Decode[models.Course](*doc, e.opts.Validate)
	e.post(func() { e.courseFetched(ctx, id, course, err, false) })
}

// courseFetched records a finished fetch. Transient store failures are
// retried after RetryDelay; missing or invalid courses wait for the next
// enrollment batch.
func (e *StudentEngine) courseFetched(ctx context.Context, id string, course models.Course, err error, transient bool) {
	delete(e.pending, courseKey(id))
	if _, live := e.registry.scopes[id]; !live {
		return
	}
	if err == nil {
		delete(e.failed, id)
		e.courses[id] = course
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	e.logger.Warn("fetch enrolled course", zap.String("course_id", id), zap.Error(err))
	e.failed[id] = err.Error()
	if transient {
		time.AfterFunc(e.opts.RetryDelay, func() {
			e.post(func() { e.ensureCourse(ctx, id) })
		})
	}
}

func (e *StudentEngine) courseErrors() []SyncError {
	if len(e.failed) == 0 {
		return nil
	}
	out := make([]SyncError, 0, len(e.failed))
	for _, id := range sortedKeys(e.failed) {
		out = append(out, SyncError{Collection: models.CollectionCourses, ID: id, Message: e.failed[id]})
	}
	return out
}

func (e *StudentEngine) enrolledIn(courseID string) bool {
	for _, en := range e.enrollments {
		if en.CourseID == courseID {
			return true
		}
	}
	return false
}

func (e *StudentEngine) dismiss(id string) {
	e.dismissed = e.dismissed.With(id)
}

func (e *StudentEngine) selectCourse(id string) {
	if id == "" || e.enrolledIn(id) {
		e.selected = id
	}
}

func (e *StudentEngine) view() *Snapshot {
	records := values(e.attendance, attendanceStamp, attendanceID, false)
	view := &StudentView{
		OverallAttendance:  aggregate.OverallAttendance(records),
		AttendanceByCourse: aggregate.CourseAttendance(e.byCourse),
		Courses:            make([]StudentCourse, 0, len(e.courses)),
	}
	for _, c := range values(e.courses, courseStamp, courseID, false) {
		subs := aggregate.CurrentSubmissions(values(e.submissions[c.ID], submissionStamp, submissionID, false))
		grades := aggregate.CurrentGrades(values(e.grades[c.ID], gradeStamp, gradeID, false))
		view.Courses = append(view.Courses, StudentCourse{
			Course:               c,
			AttendancePercentage: view.AttendanceByCourse[c.ID],
			Attendance:           append([]models.AttendanceRecord(nil), e.byCourse[c.ID]...),
			Topics:               values(e.topics[c.ID], topicStamp, topicID, false),
			Assignments:          aggregate.PairAssignments(values(e.assignments[c.ID], assignmentStamp, assignmentID, false), subs, grades),
			Announcements:        aggregate.VisibleAnnouncements(values(e.announcements[c.ID], announcementStamp, announcementID, true), e.dismissed),
		})
	}
	return &Snapshot{
		SelectedCourse: e.selected,
		Alerts:         e.alerts.list(),
		Errors:         e.courseErrors(),
		Student:        view,
	}
}

package syncengine

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/aggregate"
	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
)

// Snapshot is an immutable view of one dashboard at a version. Readers must
// not modify it.
type Snapshot struct {
	Version        uint64          `json:"version"`
	Role           models.UserRole `json:"role"`
	UserID         string          `json:"user_id"`
	Loading        bool            `json:"loading"`
	Subscriptions  int             `json:"subscriptions"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SelectedCourse string          `json:"selected_course,omitempty"`
	Alerts         []models.Alert  `json:"alerts"`
	Errors         []SyncError     `json:"errors,omitempty"`
	Student        *StudentView    `json:"student,omitempty"`
	Teacher        *TeacherView    `json:"teacher,omitempty"`
	Admin          *AdminView      `json:"admin,omitempty"`
}

// SyncError reports a document the engine could not load. It clears once a
// later read succeeds.
type SyncError struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Message    string `json:"message"`
}

// StudentView is the student dashboard state.
type StudentView struct {
	OverallAttendance  int             `json:"overall_attendance"`
	AttendanceByCourse map[string]int  `json:"attendance_by_course"`
	Courses            []StudentCourse `json:"courses"`
}

// StudentCourse is one enrolled course with its derived state.
type StudentCourse struct {
	models.Course
	AttendancePercentage int                        `json:"attendance_percentage"`
	Attendance           []models.AttendanceRecord  `json:"attendance"`
	Topics               []models.Topic             `json:"topics"`
	Assignments          []aggregate.AssignmentView `json:"assignments"`
	Announcements        []models.Announcement      `json:"announcements"`
}

// Course returns the enrolled course with the given id.
func (v *StudentView) Course(id string) (StudentCourse, bool) {
	for _, c := range v.Courses {
		if c.ID == id {
			return c, true
		}
	}
	return StudentCourse{}, false
}

// TeacherView is the teacher dashboard state.
type TeacherView struct {
	TotalStudents int             `json:"total_students"`
	Courses       []TeacherCourse `json:"courses"`
}

// TeacherCourse is one taught course with its derived state.
type TeacherCourse struct {
	models.Course
	EnrollmentCount int                   `json:"enrollment_count"`
	Students        []StudentRef          `json:"students"`
	Topics          []models.Topic        `json:"topics"`
	Assignments     []TeacherAssignment   `json:"assignments"`
	Submissions     []SubmissionRow       `json:"submissions"`
	Announcements   []models.Announcement `json:"announcements"`
	Resources       []models.Resource     `json:"resources"`
}

// Course returns the taught course with the given id.
func (v *TeacherView) Course(id string) (TeacherCourse, bool) {
	for _, c := range v.Courses {
		if c.ID == id {
			return c, true
		}
	}
	return TeacherCourse{}, false
}

// SearchResources filters one course's resources, or every course's when
// courseID is empty.
func (v *TeacherView) SearchResources(courseID, query, kind string) []models.Resource {
	var pool []models.Resource
	for _, c := range v.Courses {
		if courseID == "" || c.ID == courseID {
			pool = append(pool, c.Resources...)
		}
	}
	return aggregate.FilterResources(pool, query, kind)
}

// StudentRef is an enrolled student with the resolved display name.
type StudentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TeacherAssignment carries the per-assignment submission count.
type TeacherAssignment struct {
	models.Assignment
	SubmissionCount int `json:"submission_count"`
}

// SubmissionRow is the current submission of one student for one assignment.
type SubmissionRow struct {
	models.Submission
	StudentName string        `json:"student_name"`
	Grade       *models.Grade `json:"grade,omitempty"`
}

// AdminView holds collection totals.
type AdminView struct {
	Counts map[string]int `json:"counts"`
}

// bucket is one materialized collection keyed by document id.
type bucket[T models.Entity] map[string]T

// merge folds a batch into b. Entries outside the batch are kept; an initial
// batch replaces the bucket since it carries the full matching set.
func merge[T models.Entity](l *loop, b bucket[T], batch docstore.Batch) {
	if batch.Initial {
		clear(b)
	}
	for _, d := range batch.Removed {
		delete(b, d.ID)
	}
	for _, set := range [][]docstore.Document{batch.Added, batch.Modified} {
		for _, d := range set {
			v, err := models.Decode[T](d, l.opts.Validate)
			if err != nil {
				l.logger.Warn("dropping invalid document", zap.String("collection", d.Collection), zap.String("id", d.ID), zap.Error(err))
				delete(b, d.ID)
				continue
			}
			b[d.ID] = v
		}
	}
}

// scoped groups buckets by course id.
type scoped[T models.Entity] map[string]bucket[T]

func (s scoped[T]) get(scope string) bucket[T] {
	b, ok := s[scope]
	if !ok {
		b = make(bucket[T])
		s[scope] = b
	}
	return b
}

// values returns the bucket contents ordered by stamp, then id.
func values[T models.Entity](b bucket[T], stamp func(T) *time.Time, id func(T) string, desc bool) []T {
	out := make([]T, 0, len(b))
	for _, v := range b {
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := stamp(out[i]), stamp(out[j])
		if ti != nil && tj != nil && !ti.Equal(*tj) {
			if desc {
				return ti.After(*tj)
			}
			return ti.Before(*tj)
		}
		if (ti == nil) != (tj == nil) {
			return ti != nil
		}
		return id(out[i]) < id(out[j])
	})
	return out
}

func topicStamp(t models.Topic) *time.Time                 { return t.CreatedAt }
func topicID(t models.Topic) string                        { return t.ID }
func assignmentStamp(a models.Assignment) *time.Time       { return a.CreatedAt }
func assignmentID(a models.Assignment) string              { return a.ID }
func announcementStamp(a models.Announcement) *time.Time   { return a.CreatedAt }
func announcementID(a models.Announcement) string          { return a.ID }
func resourceStamp(r models.Resource) *time.Time           { return r.CreatedAt }
func resourceID(r models.Resource) string                  { return r.ID }
func attendanceStamp(r models.AttendanceRecord) *time.Time { return r.CreatedAt }
func attendanceID(r models.AttendanceRecord) string        { return r.ID }
func courseStamp(c models.Course) *time.Time               { return c.CreatedAt }
func courseID(c models.Course) string                      { return c.ID }
func submissionStamp(s models.Submission) *time.Time       { return s.SubmittedAt }
func submissionID(s models.Submission) string              { return s.ID }
func gradeStamp(g models.Grade) *time.Time                 { return g.CreatedAt }
func gradeID(g models.Grade) string                        { return g.ID }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// alertFeed keeps the most recent alerts addressed to the principal.
type alertFeed struct {
	items []models.Alert
	limit int
}

func (f *alertFeed) push(a models.Alert) {
	f.items = append([]models.Alert{a}, f.items...)
	if len(f.items) > f.limit {
		f.items = f.items[:f.limit]
	}
}

func (f *alertFeed) list() []models.Alert {
	return append([]models.Alert(nil), f.items...)
}

// handleAlerts notifies watchers of alerts appended after the initial batch.
// The initial batch only establishes the baseline.
func handleAlerts(l *loop, feed *alertFeed, batch docstore.Batch) {
	if batch.Initial {
		return
	}
	for _, d := range batch.Added {
		alert, err := models.Decode[models.Alert](d, nil)
		if err != nil {
			l.logger.Warn("dropping invalid alert", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		if !alert.For(l.id.UserID, l.id.Role) {
			continue
		}
		feed.push(alert)
		a := alert
		l.notify(Event{Kind: EventAlert, Version: l.version, Alert: &a})
	}
}

package syncengine

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/aggregate"
	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
)

// TeacherEngine syncs the teacher dashboard.
type TeacherEngine struct {
	*loop

	courses bucket[models.Course]

	enrollments   scoped[models.Enrollment]
	topics        scoped[models.Topic]
	assignments   scoped[models.Assignment]
	submissions   scoped[models.Submission]
	grades        scoped[models.Grade]
	resources     scoped[models.Resource]
	announcements scoped[models.Announcement]

	names     map[string]string
	requested map[string]struct{}

	alerts   alertFeed
	selected string
}

// NewTeacherEngine opens the teacher subscriptions for id and starts the
// engine loop.
func NewTeacherEngine(ctx context.Context, id Identity, opts Options) (*TeacherEngine, error) {
	e := &TeacherEngine{
		loop:          newLoop(ctx, id, string(models.RoleTeacher), opts),
		courses:       make(bucket[models.Course]),
		enrollments:   make(scoped[models.Enrollment]),
		topics:        make(scoped[models.Topic]),
		assignments:   make(scoped[models.Assignment]),
		submissions:   make(scoped[models.Submission]),
		grades:        make(scoped[models.Grade]),
		resources:     make(scoped[models.Resource]),
		announcements: make(scoped[models.Announcement]),
		names:         make(map[string]string),
		requested:     make(map[string]struct{}),
	}
	e.alerts.limit = e.opts.AlertLimit
	if err := e.run(e); err != nil {
		return nil, err
	}
	return e, nil
}

func byCourse(collection string) ScopedQuery {
	return ScopedQuery{Collection: collection, Build: func(c string) docstore.Query {
		return docstore.NewQuery(collection, docstore.Eq(models.FieldCourseID, c))
	}}
}

func (e *TeacherEngine) courseSpecs() []ScopedQuery {
	return []ScopedQuery{
		byCourse(models.CollectionEnrollments),
		byCourse(models.CollectionTopics),
		byCourse(models.CollectionAssignments),
		byCourse(models.CollectionSubmissions),
		byCourse(models.CollectionGrades),
		byCourse(models.CollectionResources),
		byCourse(models.CollectionAnnouncements),
	}
}

func (e *TeacherEngine) start(ctx context.Context) error {
	q := docstore.NewQuery(models.CollectionCourses, docstore.Eq(models.FieldTeacherID, e.id.UserID))
	if err := e.acquire(ctx, Key{Collection: models.CollectionCourses}, q); err != nil {
		return err
	}
	return e.acquire(ctx, Key{Collection: models.CollectionAlerts}, docstore.NewQuery(models.CollectionAlerts).Ordered(models.FieldCreatedAt, true))
}

func (e *TeacherEngine) apply(ctx context.Context, ev event) {
	scope := ev.key.Scope
	switch ev.key.Collection {
	case models.CollectionCourses:
		merge(e.loop, e.courses, ev.batch)
		e.syncCourses(ctx)
	case models.CollectionAlerts:
		handleAlerts(e.loop, &e.alerts, ev.batch)
	case models.CollectionEnrollments:
		b := e.enrollments.get(scope)
		merge(e.loop, b, ev.batch)
		for _, en := range b {
			e.requestName(en.StudentID)
		}
	case models.CollectionTopics:
		merge(e.loop, e.topics.get(scope), ev.batch)
	case models.CollectionAssignments:
		merge(e.loop, e.assignments.get(scope), ev.batch)
	case models.CollectionSubmissions:
		b := e.submissions.get(scope)
		merge(e.loop, b, ev.batch)
		for _, s := range b {
			e.requestName(s.StudentID)
		}
	case models.CollectionGrades:
		merge(e.loop, e.grades.get(scope), ev.batch)
	case models.CollectionResources:
		merge(e.loop, e.resources.get(scope), ev.batch)
	case models.CollectionAnnouncements:
		merge(e.loop, e.announcements.get(scope), ev.batch)
	}
}

func (e *TeacherEngine) syncCourses(ctx context.Context) {
	_, removed := e.reconcile(ctx, e.courseSpecs(), sortedKeys(e.courses))
	for _, c := range removed {
		delete(e.enrollments, c)
		delete(e.topics, c)
		delete(e.assignments, c)
		delete(e.submissions, c)
		delete(e.grades, c)
		delete(e.resources, c)
		delete(e.announcements, c)
		if e.selected == c {
			e.selected = ""
		}
	}
}

// requestName resolves a student's display name once. Missing profiles fall
// back to the student id. A lookup that cannot be scheduled is retried on the
// next enrollment or submission batch naming the student.
func (e *TeacherEngine) requestName(studentID string) {
	if _, ok := e.requested[studentID]; ok {
		return
	}
	if e.opts.Names == nil {
		e.requested[studentID] = struct{}{}
		e.names[studentID] = studentID
		return
	}
	err := e.opts.Names.LookupName(studentID, func(name string) {
		e.post(func() { e.names[studentID] = name })
	})
	if err != nil {
		e.logger.Warn("profile lookup not scheduled", zap.String("student_id", studentID), zap.Error(err))
		return
	}
	e.requested[studentID] = struct{}{}
}

func (e *TeacherEngine) name(studentID string) string {
	if n, ok := e.names[studentID]; ok && n != "" {
		return n
	}
	return studentID
}

func (e *TeacherEngine) dismiss(string) {}

func (e *TeacherEngine) selectCourse(id string) {
	if _, ok := e.courses[id]; ok || id == "" {
		e.selected = id
	}
}

func (e *TeacherEngine) view() *Snapshot {
	enrollByCourse := make(map[string][]models.Enrollment, len(e.enrollments))
	for c, b := range e.enrollments {
		enrollByCourse[c] = values(b, func(en models.Enrollment) *time.Time { return en.CreatedAt }, func(en models.Enrollment) string { return en.ID }, false)
	}
	counts, total := aggregate.EnrollmentTotals(enrollByCourse)

	view := &TeacherView{TotalStudents: total, Courses: make([]TeacherCourse, 0, len(e.courses))}
	for _, c := range values(e.courses, courseStamp, courseID, false) {
		students := make([]StudentRef, 0, len(enrollByCourse[c.ID]))
		for _, en := range enrollByCourse[c.ID] {
			students = append(students, StudentRef{ID: en.StudentID, Name: e.name(en.StudentID)})
		}

		subs := values(e.submissions[c.ID], submissionStamp, submissionID, false)
		subCounts := aggregate.SubmissionCounts(subs)
		assignments := values(e.assignments[c.ID], assignmentStamp, assignmentID, false)
		tas := make([]TeacherAssignment, 0, len(assignments))
		for _, a := range assignments {
			tas = append(tas, TeacherAssignment{Assignment: a, SubmissionCount: subCounts[a.ID]})
		}

		view.Courses = append(view.Courses, TeacherCourse{
			Course:          c,
			EnrollmentCount: counts[c.ID],
			Students:        students,
			Topics:          values(e.topics[c.ID], topicStamp, topicID, false),
			Assignments:     tas,
			Submissions:     e.submissionRows(subs, values(e.grades[c.ID], gradeStamp, gradeID, false)),
			Announcements:   values(e.announcements[c.ID], announcementStamp, announcementID, true),
			Resources:       values(e.resources[c.ID], resourceStamp, resourceID, true),
		})
	}
	return &Snapshot{
		SelectedCourse: e.selected,
		Alerts:         e.alerts.list(),
		Teacher:        view,
	}
}

// submissionRows keeps the latest submission per (assignment, student) and
// attaches its current grade.
func (e *TeacherEngine) submissionRows(subs []models.Submission, grades []models.Grade) []SubmissionRow {
	type key struct{ assignment, student string }
	grouped := make(map[key][]models.Submission)
	for _, s := range subs {
		k := key{s.AssignmentID, s.StudentID}
		grouped[k] = append(grouped[k], s)
	}
	current := aggregate.CurrentGrades(grades)

	rows := make([]SubmissionRow, 0, len(grouped))
	for _, candidates := range grouped {
		latest, _ := aggregate.Latest(candidates, submissionStamp, submissionID)
		row := SubmissionRow{Submission: latest, StudentName: e.name(latest.StudentID)}
		if g, ok := current[latest.ID]; ok {
			grade := g
			row.Grade = &grade
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].AssignmentID != rows[j].AssignmentID {
			return rows[i].AssignmentID < rows[j].AssignmentID
		}
		return rows[i].StudentID < rows[j].StudentID
	})
	return rows
}

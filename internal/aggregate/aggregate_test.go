package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/classroom-sync/internal/models"
)

func TestAttendancePercentage(t *testing.T) {
	assert.Equal(t, 0, AttendancePercentage(0, 0))
	assert.Equal(t, 0, AttendancePercentage(3, 0))
	assert.Equal(t, 100, AttendancePercentage(4, 4))
	assert.Equal(t, 50, AttendancePercentage(1, 2))
	for total := 1; total <= 25; total++ {
		for present := 0; present <= total; present++ {
			pct := AttendancePercentage(present, total)
			assert.GreaterOrEqual(t, pct, 0)
			assert.LessOrEqual(t, pct, 100)
		}
	}
}

func TestOverallAttendanceCountsLateAsNotPresent(t *testing.T) {
	records := []models.AttendanceRecord{
		{ID: "a1", CourseID: "c1", Status: models.AttendancePresent},
		{ID: "a2", CourseID: "c1", Status: models.AttendancePresent},
		{ID: "a3", CourseID: "c2", Status: models.AttendanceLate},
	}
	assert.Equal(t, 67, OverallAttendance(records))

	perCourse := CourseAttendance(GroupAttendance(records))
	assert.Equal(t, map[string]int{"c1": 100, "c2": 0}, perCourse)
}

func TestAssignmentStatusIsExclusive(t *testing.T) {
	submissions := map[string]models.Submission{
		"a2": {ID: "s2", AssignmentID: "a2"},
		"a3": {ID: "s3", AssignmentID: "a3"},
	}
	grades := map[string]models.Grade{"s3": {ID: "g3", SubmissionID: "s3", Grade: "A"}}

	assert.Equal(t, StatePending, AssignmentStatus("a1", submissions, grades))
	assert.Equal(t, StateAwaitingGrade, AssignmentStatus("a2", submissions, grades))
	assert.Equal(t, StateGraded, AssignmentStatus("a3", submissions, grades))

	// a grade keyed by an unrelated submission never marks an assignment graded
	grades["s9"] = models.Grade{ID: "g9", SubmissionID: "s9"}
	assert.Equal(t, StateAwaitingGrade, AssignmentStatus("a2", submissions, grades))

	views := PairAssignments([]models.Assignment{{ID: "a1"}, {ID: "a3"}}, submissions, grades)
	require.Len(t, views, 2)
	assert.Nil(t, views[0].Submission)
	require.NotNil(t, views[1].Grade)
	assert.Equal(t, "A", views[1].Grade.Grade)
}

func TestCurrentSubmissionsPicksLatest(t *testing.T) {
	early := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	subs := []models.Submission{
		{ID: "s-late", AssignmentID: "a1", StudentID: "st", SubmittedAt: &late},
		{ID: "s-early", AssignmentID: "a1", StudentID: "st", SubmittedAt: &early},
		{ID: "s-none", AssignmentID: "a1", StudentID: "st"},
	}
	current := CurrentSubmissions(subs)
	assert.Equal(t, "s-late", current["a1"].ID)

	tied := []models.Grade{
		{ID: "g1", SubmissionID: "s1", CreatedAt: &early},
		{ID: "g2", SubmissionID: "s1", CreatedAt: &early},
	}
	assert.Equal(t, "g2", CurrentGrades(tied)["s1"].ID)

	_, ok := Latest([]models.Grade{}, func(g models.Grade) *time.Time { return g.CreatedAt }, func(g models.Grade) string { return g.ID })
	assert.False(t, ok)
}

func TestResourceMatches(t *testing.T) {
	cases := []struct {
		name     string
		resource models.Resource
		want     bool
	}{
		{"name match", models.Resource{Name: "CS Notes", Type: "pdf"}, true},
		{"tag match", models.Resource{Name: "Week 1", Tags: []string{"physics", "CS101"}, Type: "PDF"}, true},
		{"type mismatch", models.Resource{Name: "cs slides", Type: "pptx"}, false},
		{"query mismatch", models.Resource{Name: "Biology", Tags: []string{"lab"}, Type: "pdf"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResourceMatches(tc.resource, "cs", "pdf"))
		})
	}

	all := []models.Resource{{Name: "a", Type: "pdf"}, {Name: "b", Type: "docx"}}
	assert.Len(t, FilterResources(all, "", ""), 2)
	assert.Len(t, FilterResources(all, "", "PD"), 1)
}

func TestDismissIsIdempotent(t *testing.T) {
	var dismissed Dismissed
	once := dismissed.With("n1")
	twice := once.With("n1")
	assert.Equal(t, once, twice)
	assert.Len(t, twice, 1)
	assert.Empty(t, dismissed)

	anns := []models.Announcement{{ID: "n1", Title: "Exam"}, {ID: "n2", Title: "Lab"}}
	visible := VisibleAnnouncements(anns, twice)
	require.Len(t, visible, 1)
	assert.Equal(t, "n2", visible[0].ID)
}

func TestTeacherTotals(t *testing.T) {
	counts, total := EnrollmentTotals(map[string][]models.Enrollment{
		"c1": {{ID: "e1"}, {ID: "e2"}},
		"c2": {{ID: "e3"}},
	})
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, counts["c1"])

	subs := SubmissionCounts([]models.Submission{
		{AssignmentID: "a1", StudentID: "s1"},
		{AssignmentID: "a1", StudentID: "s1"},
		{AssignmentID: "a1", StudentID: "s2"},
	})
	assert.Equal(t, 2, subs["a1"])
}

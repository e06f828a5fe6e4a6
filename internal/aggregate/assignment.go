package aggregate

import (
	"time"

	"github.com/noah-isme/classroom-sync/internal/models"
)

// AssignmentState is the submission/grade status of one assignment for one student.
type AssignmentState string

const (
	StatePending       AssignmentState = "pending"
	StateAwaitingGrade AssignmentState = "awaiting_grade"
	StateGraded        AssignmentState = "graded"
)

// AssignmentView pairs an assignment with its current submission and grade.
type AssignmentView struct {
	models.Assignment
	Status     AssignmentState    `json:"status"`
	Submission *models.Submission `json:"submission,omitempty"`
	Grade      *models.Grade      `json:"grade,omitempty"`
}

// Latest picks the most recent candidate by timestamp. Ties and missing
// timestamps fall back to the greater id so the choice is stable.
func Latest[T any](candidates []T, stamp func(T) *time.Time, id func(T) string) (T, bool) {
	var best T
	if len(candidates) == 0 {
		return best, false
	}
	best = candidates[0]
	for _, c := range candidates[1:] {
		if newer(stamp(c), id(c), stamp(best), id(best)) {
			best = c
		}
	}
	return best, true
}

func newer(a *time.Time, aID string, b *time.Time, bID string) bool {
	switch {
	case a != nil && b == nil:
		return true
	case a == nil && b != nil:
		return false
	case a != nil && b != nil && !a.Equal(*b):
		return a.After(*b)
	}
	return aID > bID
}

// CurrentSubmissions keys the latest submission per assignment id.
func CurrentSubmissions(subs []models.Submission) map[string]models.Submission {
	byAssignment := make(map[string][]models.Submission)
	for _, s := range subs {
		byAssignment[s.AssignmentID] = append(byAssignment[s.AssignmentID], s)
	}
	out := make(map[string]models.Submission, len(byAssignment))
	for key, candidates := range byAssignment {
		if s, ok := Latest(candidates, func(s models.Submission) *time.Time { return s.SubmittedAt }, func(s models.Submission) string { return s.ID }); ok {
			out[key] = s
		}
	}
	return out
}

// CurrentGrades keys the latest grade per submission id.
func CurrentGrades(grades []models.Grade) map[string]models.Grade {
	bySubmission := make(map[string][]models.Grade)
	for _, g := range grades {
		bySubmission[g.SubmissionID] = append(bySubmission[g.SubmissionID], g)
	}
	out := make(map[string]models.Grade, len(bySubmission))
	for key, candidates := range bySubmission {
		if g, ok := Latest(candidates, func(g models.Grade) *time.Time { return g.CreatedAt }, func(g models.Grade) string { return g.ID }); ok {
			out[key] = g
		}
	}
	return out
}

// AssignmentStatus derives exactly one state from the presence of a
// submission keyed by the assignment id and a grade keyed by that
// submission's id.
func AssignmentStatus(assignmentID string, submissions map[string]models.Submission, grades map[string]models.Grade) AssignmentState {
	sub, ok := submissions[assignmentID]
	if !ok {
		return StatePending
	}
	if _, graded := grades[sub.ID]; graded {
		return StateGraded
	}
	return StateAwaitingGrade
}

// PairAssignments builds the student's assignment list.
func PairAssignments(assignments []models.Assignment, submissions map[string]models.Submission, grades map[string]models.Grade) []AssignmentView {
	out := make([]AssignmentView, 0, len(assignments))
	for _, a := range assignments {
		view := AssignmentView{Assignment: a, Status: AssignmentStatus(a.ID, submissions, grades)}
		if sub, ok := submissions[a.ID]; ok {
			s := sub
			view.Submission = &s
			if g, ok := grades[sub.ID]; ok {
				gr := g
				view.Grade = &gr
			}
		}
		out = append(out, view)
	}
	return out
}

// SubmissionCounts counts current submissions per assignment, one per student.
func SubmissionCounts(subs []models.Submission) map[string]int {
	seen := make(map[string]map[string]struct{})
	for _, s := range subs {
		students, ok := seen[s.AssignmentID]
		if !ok {
			students = make(map[string]struct{})
			seen[s.AssignmentID] = students
		}
		students[s.StudentID] = struct{}{}
	}
	out := make(map[string]int, len(seen))
	for id, students := range seen {
		out[id] = len(students)
	}
	return out
}

// EnrollmentTotals returns the enrollment count per course and their sum.
func EnrollmentTotals(byCourse map[string][]models.Enrollment) (map[string]int, int) {
	counts := make(map[string]int, len(byCourse))
	total := 0
	for courseID, rows := range byCourse {
		counts[courseID] = len(rows)
		total += len(rows)
	}
	return counts, total
}

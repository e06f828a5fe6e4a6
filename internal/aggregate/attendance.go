// Package aggregate holds the pure derivations computed over dashboard view
// state: attendance percentages, assignment status pairing, resource search,
// visible announcements and teacher totals.
package aggregate

import (
	"math"

	"github.com/noah-isme/classroom-sync/internal/models"
)

// AttendancePercentage returns round(present/total*100), or 0 when total is 0.
func AttendancePercentage(present, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(present) / float64(total) * 100))
}

// CountPresent returns the number of present records and the total. Late
// and absent both count against the percentage.
func CountPresent(records []models.AttendanceRecord) (present, total int) {
	for _, r := range records {
		if r.Status == models.AttendancePresent {
			present++
		}
	}
	return present, len(records)
}

// OverallAttendance is the attendance percentage over every record.
func OverallAttendance(records []models.AttendanceRecord) int {
	return AttendancePercentage(CountPresent(records))
}

// GroupAttendance buckets records by course id.
func GroupAttendance(records []models.AttendanceRecord) map[string][]models.AttendanceRecord {
	out := make(map[string][]models.AttendanceRecord)
	for _, r := range records {
		out[r.CourseID] = append(out[r.CourseID], r)
	}
	return out
}

// CourseAttendance is the attendance percentage of each course bucket.
func CourseAttendance(grouped map[string][]models.AttendanceRecord) map[string]int {
	out := make(map[string]int, len(grouped))
	for courseID, records := range grouped {
		out[courseID] = OverallAttendance(records)
	}
	return out
}

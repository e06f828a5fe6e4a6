package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/export"
)

// Export formats.
const (
	FormatCSV = "csv"
	// FormatQuotedCSV quotes fields per RFC 4180 for spreadsheet imports.
	FormatQuotedCSV = "rfc4180"
	FormatPDF       = "pdf"
)

// AttendanceHeaders is the column order of attendance exports.
var AttendanceHeaders = []string{"student_id", "session_date", "status"}

// SaveAttendanceRequest records one session for every enrolled student.
// Students missing from Marks are recorded present.
type SaveAttendanceRequest struct {
	CourseID    string                             `json:"course_id" validate:"required"`
	TopicID     string                             `json:"topic_id" validate:"required"`
	SessionDate string                             `json:"session_date" validate:"required"`
	Marks       map[string]models.AttendanceStatus `json:"marks"`
}

// AttendanceSaveResult reports how many records were written.
type AttendanceSaveResult struct {
	CourseID string `json:"course_id"`
	Recorded int    `json:"recorded"`
}

// ExportFile is a rendered attendance export.
type ExportFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// AttendanceService records and exports attendance.
type AttendanceService struct {
	mutationBase
	csv    *export.CSVExporter
	quoted *export.CSVExporter
	pdf    *export.PDFExporter
}

// NewAttendanceService constructs AttendanceService.
func NewAttendanceService(deps MutationDeps) *AttendanceService {
	return &AttendanceService{
		mutationBase: newMutationBase(deps),
		csv:          export.NewRawCSVExporter(),
		quoted:       export.NewCSVExporter(),
		pdf:          export.NewPDFExporter(),
	}
}

// Save writes one record per enrolled student in parallel. It succeeds only
// when every write succeeds; otherwise a single error is returned without
// per-student detail.
func (s *AttendanceService) Save(ctx context.Context, teacherID string, req SaveAttendanceRequest) (result *AttendanceSaveResult, err error) {
	defer s.observe("save_attendance", time.Now(), &err)

	req.SessionDate = strings.TrimSpace(req.SessionDate)
	if err := s.validate(req, "choose course, date, and lecture"); err != nil {
		return nil, err
	}
	for student, status := range req.Marks {
		if !status.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid attendance status %q for %s", status, student))
		}
	}
	if _, err := s.ownedCourse(ctx, teacherID, req.CourseID); err != nil {
		return nil, err
	}

	docs, err := s.store.Query(ctx, docstore.NewQuery(models.CollectionEnrollments, docstore.Eq(models.FieldCourseID, req.CourseID)))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrolled students")
	}
	enrollments := decodeDocs[models.Enrollment](docs, s.validator, s.logger)

	var g errgroup.Group
	for _, e := range enrollments {
		studentID := e.StudentID
		status := req.Marks[studentID]
		if status == "" {
			status = models.AttendancePresent
		}
		g.Go(func() error {
			_, err := s.store.Add(ctx, models.CollectionAttendance, docstore.Fields{
				models.FieldCourseID:  req.CourseID,
				"topic_id":            req.TopicID,
				models.FieldStudentID: studentID,
				"status":              string(status),
				"session_date":        req.SessionDate,
				models.FieldCreatedAt: docstore.ServerTimestamp,
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record attendance")
	}
	return &AttendanceSaveResult{CourseID: req.CourseID, Recorded: len(enrollments)}, nil
}

// Export renders the course's attendance records as CSV, quoted CSV or PDF.
func (s *AttendanceService) Export(ctx context.Context, teacherID, courseID, format string) (*ExportFile, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV && format != FormatQuotedCSV && format != FormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv, rfc4180 or pdf")
	}
	course, err := s.ownedCourse(ctx, teacherID, courseID)
	if err != nil {
		return nil, err
	}

	docs, err := s.store.Query(ctx, docstore.NewQuery(models.CollectionAttendance, docstore.Eq(models.FieldCourseID, courseID)).
		Ordered(models.FieldCreatedAt, false))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}
	records := decodeDocs[models.AttendanceRecord](docs, s.validator, s.logger)
	data := AttendanceDataset(records)

	name := "attendance_" + courseID
	switch format {
	case FormatPDF:
		out, err := s.pdf.Render(data, fmt.Sprintf("Attendance %s (%s)", course.Code, course.Name))
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &ExportFile{Name: name + ".pdf", ContentType: "application/pdf", Data: out}, nil
	default:
		exporter := s.csv
		if format == FormatQuotedCSV {
			exporter = s.quoted
		}
		out, err := exporter.Render(data)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &ExportFile{Name: name + ".csv", ContentType: "text/csv;charset=utf-8", Data: out}, nil
	}
}

// AttendanceDataset maps records onto the export columns.
func AttendanceDataset(records []models.AttendanceRecord) export.Dataset {
	rows := make([]map[string]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, map[string]string{
			"student_id":   r.StudentID,
			"session_date": r.SessionDate,
			"status":       string(r.Status),
		})
	}
	return export.Dataset{Headers: AttendanceHeaders, Rows: rows}
}

package models

// Document store collections.
const (
	CollectionCourses       = "courses"
	CollectionEnrollments   = "enrollments"
	CollectionTopics        = "topics"
	CollectionAttendance    = "attendance"
	CollectionAssignments   = "assignments"
	CollectionSubmissions   = "assignment_submissions"
	CollectionGrades        = "grades"
	CollectionAnnouncements = "announcements"
	CollectionAlerts        = "alerts"
	CollectionResources     = "resources"
	CollectionProfiles      = "profiles"
	CollectionUserRoles     = "user_roles"
	CollectionCredentials   = "credentials"
	CollectionRefreshTokens = "refresh_tokens"
)

// Common document fields used in predicates.
const (
	FieldCourseID   = "course_id"
	FieldStudentID  = "student_id"
	FieldTeacherID  = "teacher_id"
	FieldCourseCode = "course_code"
	FieldCreatedAt  = "created_at"
)

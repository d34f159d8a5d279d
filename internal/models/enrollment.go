package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses. Completed and cancelled are terminal.
const (
	EnrollmentStatusActive         EnrollmentStatus = "active"
	EnrollmentStatusPendingPayment EnrollmentStatus = "pending_payment"
	EnrollmentStatusCompleted      EnrollmentStatus = "completed"
	EnrollmentStatusCancelled      EnrollmentStatus = "cancelled"
)

// Valid reports whether the status is one of the known values.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusActive, EnrollmentStatusPendingPayment, EnrollmentStatusCompleted, EnrollmentStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition may leave the status.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusCancelled
}

// CanTransition reports whether the state machine permits moving to the target status.
func (s EnrollmentStatus) CanTransition(to EnrollmentStatus) bool {
	switch s {
	case EnrollmentStatusPendingPayment:
		return to == EnrollmentStatusActive || to == EnrollmentStatusCancelled
	case EnrollmentStatusActive:
		return to == EnrollmentStatusCompleted || to == EnrollmentStatusCancelled
	case EnrollmentStatusCompleted, EnrollmentStatusCancelled:
		return false
	default:
		return false
	}
}

// Enrollment links a student to a course with progress and lifecycle status.
type Enrollment struct {
	ID          string           `db:"id" json:"id"`
	StudentID   string           `db:"student_id" json:"student_id"`
	CourseID    string           `db:"course_id" json:"course_id"`
	Status      EnrollmentStatus `db:"status" json:"status"`
	Progress    int              `db:"progress" json:"progress"`
	EnrolledAt  time.Time        `db:"enrolled_at" json:"enrolled_at"`
	CompletedAt *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

// EnrollmentWithCourse enriches Enrollment with course summary data for the
// student-facing "my courses" listing.
type EnrollmentWithCourse struct {
	Enrollment
	CourseTitle    string      `db:"course_title" json:"course_title"`
	CourseCategory string      `db:"course_category" json:"course_category"`
	CourseLevel    CourseLevel `db:"course_level" json:"course_level"`
	InstructorName string      `db:"instructor_name" json:"instructor_name"`
}

// EnrollmentWithStudent enriches Enrollment with student identity for the
// teacher/admin roster view.
type EnrollmentWithStudent struct {
	Enrollment
	StudentName  string `db:"student_name" json:"student_name"`
	StudentEmail string `db:"student_email" json:"student_email"`
}

// RosterSummary aggregates a course roster.
type RosterSummary struct {
	Total           int     `json:"total"`
	Active          int     `json:"active"`
	Completed       int     `json:"completed"`
	AverageProgress float64 `json:"average_progress"`
}

// CourseRoster is the roster payload returned to teachers and admins.
type CourseRoster struct {
	CourseID string                  `json:"course_id"`
	Students []EnrollmentWithStudent `json:"students"`
	Summary  RosterSummary           `json:"summary"`
}

// StudentStats aggregates a student's enrollments.
type StudentStats struct {
	TotalEnrollments int     `db:"total_enrollments" json:"total_enrollments"`
	ActiveCount      int     `db:"active_count" json:"active_count"`
	CompletedCount   int     `db:"completed_count" json:"completed_count"`
	AverageProgress  float64 `db:"average_progress" json:"average_progress"`
}

// EnrollmentResult is returned by the enroll operation; RequiresPayment tells
// the caller to redirect to the payment collaborator.
type EnrollmentResult struct {
	Enrollment      EnrollmentWithCourse `json:"enrollment"`
	RequiresPayment bool                 `json:"requires_payment"`
	AlreadyEnrolled bool                 `json:"already_enrolled"`
}

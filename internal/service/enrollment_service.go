package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/learnspace/learnspace-api/internal/models"
	appErrors "github.com/learnspace/learnspace-api/pkg/errors"
	"github.com/learnspace/learnspace-api/pkg/export"
)

type enrollmentRepository interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error)
	FindWithCourseByID(ctx context.Context, id string) (*models.EnrollmentWithCourse, error)
	Create(ctx context.Context, enrollment *models.Enrollment) error
	UpdateProgress(ctx context.Context, id string, progress int, status models.EnrollmentStatus, completedAt *time.Time) error
	UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus) error
	ListByStudent(ctx context.Context, studentID string, status models.EnrollmentStatus) ([]models.EnrollmentWithCourse, error)
	ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentWithStudent, error)
	StudentStats(ctx context.Context, studentID string) (*models.StudentStats, error)
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

type certificateIssuer interface {
	EnqueueIssuance(enrollmentID string) error
}

type rosterExporter interface {
	Render(data export.Dataset) ([]byte, error)
}

// EnrollRequest describes an enrollment creation payload.
type EnrollRequest struct {
	CourseID string `json:"course_id" validate:"required"`
}

// UpdateProgressRequest carries a progress value between 0 and 100.
type UpdateProgressRequest struct {
	Progress *int `json:"progress" validate:"required,gte=0,lte=100"`
}

// EnrollmentService orchestrates the enrollment lifecycle: enrolling,
// progress tracking, payment confirmation, cancellation and roster views.
type EnrollmentService struct {
	repo      enrollmentRepository
	courses   courseReader
	certs     certificateIssuer
	mirror    *EnrollmentMirror
	exporter  rosterExporter
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, courses courseReader, certs certificateIssuer, mirror *EnrollmentMirror, exporter rosterExporter, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{repo: repo, courses: courses, certs: certs, mirror: mirror, exporter: exporter, metrics: metrics, validator: validate, logger: logger}
}

// Enroll registers a student on a course. Free courses activate immediately;
// paid courses start in pending_payment. Enrolling twice is idempotent and
// returns the existing enrollment whatever its status; cancelled and completed
// are terminal, so a repeat enroll never resurrects them.
func (s *EnrollmentService) Enroll(ctx context.Context, studentID string, req EnrollRequest) (*models.EnrollmentResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	course, err := s.courses.FindByID(ctx, req.CourseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if !course.Published {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}

	existing, err := s.repo.FindByStudentAndCourse(ctx, studentID, req.CourseID)
	if err != nil && err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
	}
	if existing != nil {
		detail, err := s.repo.FindWithCourseByID(ctx, existing.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
		}
		s.metrics.RecordEnrollment("idempotent")
		return &models.EnrollmentResult{
			Enrollment:      *detail,
			RequiresPayment: existing.Status == models.EnrollmentStatusPendingPayment,
			AlreadyEnrolled: true,
		}, nil
	}

	status := models.EnrollmentStatusActive
	if !course.IsFree() {
		status = models.EnrollmentStatusPendingPayment
	}
	enrollment := &models.Enrollment{
		StudentID:  studentID,
		CourseID:   req.CourseID,
		Status:     status,
		Progress:   0,
		EnrolledAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		// The unique (student_id, course_id) constraint backstops concurrent
		// enrolls; treat the loser of the race as an idempotent repeat.
		if isUniqueViolation(err) {
			return s.Enroll(ctx, studentID, req)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	detail, err := s.repo.FindWithCourseByID(ctx, enrollment.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	s.mirror.Refresh(ctx, studentID)
	s.metrics.RecordEnrollment(string(status))
	return &models.EnrollmentResult{
		Enrollment:      *detail,
		RequiresPayment: status == models.EnrollmentStatusPendingPayment,
	}, nil
}

// UpdateProgress records a new progress value for an active enrollment.
// Reaching 100 completes the enrollment and queues certificate issuance.
func (s *EnrollmentService) UpdateProgress(ctx context.Context, id, actorID string, actorRole models.UserRole, req UpdateProgressRequest) (*models.EnrollmentWithCourse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid progress payload")
	}
	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeProgressUpdate(ctx, enrollment, actorID, actorRole); err != nil {
		return nil, err
	}
	switch enrollment.Status {
	case models.EnrollmentStatusActive:
	case models.EnrollmentStatusPendingPayment:
		return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment awaiting payment")
	default:
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("enrollment is %s", enrollment.Status))
	}

	progress := *req.Progress
	status := models.EnrollmentStatusActive
	var completedAt *time.Time
	if progress == 100 {
		status = models.EnrollmentStatusCompleted
		now := time.Now().UTC()
		completedAt = &now
	}
	if err := s.repo.UpdateProgress(ctx, id, progress, status, completedAt); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update progress")
	}

	if status == models.EnrollmentStatusCompleted {
		s.metrics.RecordCompletion()
		if s.certs != nil {
			if err := s.certs.EnqueueIssuance(id); err != nil {
				s.logger.Error("failed to queue certificate issuance", zap.String("enrollment_id", id), zap.Error(err))
			}
		}
	}

	detail, err := s.repo.FindWithCourseByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	s.mirror.Refresh(ctx, enrollment.StudentID)
	return detail, nil
}

// Cancel moves an enrollment to cancelled. Students may cancel their own
// enrollments; admins may cancel any.
func (s *EnrollmentService) Cancel(ctx context.Context, id, actorID string, actorRole models.UserRole) (*models.EnrollmentWithCourse, error) {
	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorRole != models.RoleAdmin && enrollment.StudentID != actorID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot cancel another student's enrollment")
	}
	if !enrollment.Status.CanTransition(models.EnrollmentStatusCancelled) {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("cannot cancel a %s enrollment", enrollment.Status))
	}
	if err := s.repo.UpdateStatus(ctx, id, models.EnrollmentStatusCancelled); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel enrollment")
	}
	detail, err := s.repo.FindWithCourseByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	s.mirror.Refresh(ctx, enrollment.StudentID)
	return detail, nil
}

// ConfirmPayment activates a pending enrollment after the payment provider
// confirms. Confirming an already-active enrollment is a no-op.
func (s *EnrollmentService) ConfirmPayment(ctx context.Context, id string) (*models.EnrollmentWithCourse, error) {
	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	switch enrollment.Status {
	case models.EnrollmentStatusActive:
		return s.repoDetail(ctx, id)
	case models.EnrollmentStatusPendingPayment:
	default:
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("cannot confirm payment for a %s enrollment", enrollment.Status))
	}
	if err := s.repo.UpdateStatus(ctx, id, models.EnrollmentStatusActive); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to activate enrollment")
	}
	detail, err := s.repoDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mirror.Refresh(ctx, enrollment.StudentID)
	return detail, nil
}

// MyCourses returns a student's enrollments with course summaries. The
// unfiltered listing is served from the Redis mirror when possible.
func (s *EnrollmentService) MyCourses(ctx context.Context, studentID string, status models.EnrollmentStatus) ([]models.EnrollmentWithCourse, error) {
	if status != "" && !status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %q", status))
	}
	if status == "" && s.mirror != nil {
		enrollments, err := s.mirror.Snapshot(ctx, studentID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
		}
		return enrollments, nil
	}
	enrollments, err := s.repo.ListByStudent(ctx, studentID, status)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	return enrollments, nil
}

// CourseStudents returns the roster for a course. Teachers see only their own
// courses; admins see any.
func (s *EnrollmentService) CourseStudents(ctx context.Context, courseID, actorID string, actorRole models.UserRole) (*models.CourseRoster, error) {
	if err := s.authorizeRosterAccess(ctx, courseID, actorID, actorRole); err != nil {
		return nil, err
	}
	start := time.Now()
	students, err := s.repo.ListByCourse(ctx, courseID)
	s.metrics.ObserveDBQuery("enrollment_course_roster", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list course students")
	}
	return &models.CourseRoster{
		CourseID: courseID,
		Students: students,
		Summary:  summarizeRoster(students),
	}, nil
}

// StudentStats aggregates enrollment counts and average progress for a student.
func (s *EnrollmentService) StudentStats(ctx context.Context, studentID string) (*models.StudentStats, error) {
	start := time.Now()
	stats, err := s.repo.StudentStats(ctx, studentID)
	s.metrics.ObserveDBQuery("enrollment_student_stats", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate student stats")
	}
	return stats, nil
}

// ExportRoster renders the course roster as CSV for download.
func (s *EnrollmentService) ExportRoster(ctx context.Context, courseID, actorID string, actorRole models.UserRole) ([]byte, string, error) {
	roster, err := s.CourseStudents(ctx, courseID, actorID, actorRole)
	if err != nil {
		return nil, "", err
	}
	headers := []string{"student_name", "student_email", "status", "progress", "enrolled_at", "completed_at"}
	rows := make([]map[string]string, 0, len(roster.Students))
	for _, entry := range roster.Students {
		completed := ""
		if entry.CompletedAt != nil {
			completed = entry.CompletedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, map[string]string{
			"student_name":  entry.StudentName,
			"student_email": entry.StudentEmail,
			"status":        string(entry.Status),
			"progress":      fmt.Sprintf("%d", entry.Progress),
			"enrolled_at":   entry.EnrolledAt.UTC().Format(time.RFC3339),
			"completed_at":  completed,
		})
	}
	payload, err := s.exporter.Render(export.Dataset{Headers: headers, Rows: rows})
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster export")
	}
	filename := fmt.Sprintf("roster-%s-%s.csv", courseID, time.Now().UTC().Format("20060102"))
	return payload, filename, nil
}

func (s *EnrollmentService) loadEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

func (s *EnrollmentService) repoDetail(ctx context.Context, id string) (*models.EnrollmentWithCourse, error) {
	detail, err := s.repo.FindWithCourseByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

func (s *EnrollmentService) authorizeProgressUpdate(ctx context.Context, enrollment *models.Enrollment, actorID string, actorRole models.UserRole) error {
	switch actorRole {
	case models.RoleAdmin:
		return nil
	case models.RoleStudent:
		if enrollment.StudentID != actorID {
			return appErrors.Clone(appErrors.ErrForbidden, "cannot update another student's progress")
		}
		return nil
	case models.RoleTeacher:
		course, err := s.courses.FindByID(ctx, enrollment.CourseID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
		}
		if course.InstructorID != actorID {
			return appErrors.Clone(appErrors.ErrForbidden, "not the instructor of this course")
		}
		return nil
	default:
		return appErrors.Clone(appErrors.ErrForbidden, "forbidden")
	}
}

func (s *EnrollmentService) authorizeRosterAccess(ctx context.Context, courseID, actorID string, actorRole models.UserRole) error {
	course, err := s.courses.FindByID(ctx, courseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	switch actorRole {
	case models.RoleAdmin:
		return nil
	case models.RoleTeacher:
		if course.InstructorID != actorID {
			return appErrors.Clone(appErrors.ErrForbidden, "not the instructor of this course")
		}
		return nil
	default:
		return appErrors.Clone(appErrors.ErrForbidden, "forbidden")
	}
}

func summarizeRoster(students []models.EnrollmentWithStudent) models.RosterSummary {
	summary := models.RosterSummary{Total: len(students)}
	var progressSum, counted int
	for _, entry := range students {
		switch entry.Status {
		case models.EnrollmentStatusActive:
			summary.Active++
		case models.EnrollmentStatusCompleted:
			summary.Completed++
		}
		if entry.Status != models.EnrollmentStatusCancelled {
			progressSum += entry.Progress
			counted++
		}
	}
	if counted > 0 {
		summary.AverageProgress = float64(progressSum) / float64(counted)
	}
	return summary
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/learnspace/learnspace-api/internal/models"
)

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `id, student_id, course_id, status, progress, enrolled_at, completed_at`

const enrollmentCourseJoin = `SELECT e.id, e.student_id, e.course_id, e.status, e.progress, e.enrolled_at, e.completed_at,
        c.title AS course_title, c.category AS course_category, c.level AS course_level,
        COALESCE(u.full_name, '') AS instructor_name
        FROM enrollments e
        JOIN courses c ON c.id = e.course_id
        LEFT JOIN users u ON u.id = c.instructor_id`

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindByStudentAndCourse returns the enrollment for a (student, course) pair.
// The pair is unique, so at most one row can match.
func (r *EnrollmentRepository) FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE student_id = $1 AND course_id = $2 LIMIT 1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, studentID, courseID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindWithCourseByID returns an enrollment joined with course summary data.
func (r *EnrollmentRepository) FindWithCourseByID(ctx context.Context, id string) (*models.EnrollmentWithCourse, error) {
	query := enrollmentCourseJoin + ` WHERE e.id = $1`
	var detail models.EnrollmentWithCourse
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Create persists a new enrollment record. The enrollments table carries a
// UNIQUE (student_id, course_id) constraint as a backstop against races.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = time.Now().UTC()
	}
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusActive
	}
	const query = `INSERT INTO enrollments (id, student_id, course_id, status, progress, enrolled_at, completed_at)
        VALUES (:id, :student_id, :course_id, :status, :progress, :enrolled_at, :completed_at)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// UpdateProgress persists the progress value together with the derived status
// and completion timestamp in a single write.
func (r *EnrollmentRepository) UpdateProgress(ctx context.Context, id string, progress int, status models.EnrollmentStatus, completedAt *time.Time) error {
	const query = `UPDATE enrollments SET progress = $2, status = $3, completed_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, progress, status, completedAt); err != nil {
		return fmt.Errorf("update enrollment progress: %w", err)
	}
	return nil
}

// UpdateStatus updates the lifecycle status of an enrollment.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus) error {
	const query = `UPDATE enrollments SET status = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	return nil
}

// ListByStudent returns a student's enrollments joined with course summaries,
// optionally filtered by status.
func (r *EnrollmentRepository) ListByStudent(ctx context.Context, studentID string, status models.EnrollmentStatus) ([]models.EnrollmentWithCourse, error) {
	query := enrollmentCourseJoin + ` WHERE e.student_id = $1`
	args := []interface{}{studentID}
	if status != "" {
		query += fmt.Sprintf(" AND e.status = $%d", len(args)+1)
		args = append(args, status)
	}
	query += " ORDER BY e.enrolled_at DESC"

	var enrollments []models.EnrollmentWithCourse
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, fmt.Errorf("list student enrollments: %w", err)
	}
	return enrollments, nil
}

// ListByCourse returns a course roster joined with student identity.
func (r *EnrollmentRepository) ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentWithStudent, error) {
	const query = `SELECT e.id, e.student_id, e.course_id, e.status, e.progress, e.enrolled_at, e.completed_at,
        u.full_name AS student_name, u.email AS student_email
        FROM enrollments e
        JOIN users u ON u.id = e.student_id
        WHERE e.course_id = $1
        ORDER BY e.enrolled_at ASC`
	var enrollments []models.EnrollmentWithStudent
	if err := r.db.SelectContext(ctx, &enrollments, query, courseID); err != nil {
		return nil, fmt.Errorf("list course enrollments: %w", err)
	}
	return enrollments, nil
}

// StudentStats aggregates a student's enrollments in a single query.
// AverageProgress is 0 when the student has no enrollments.
func (r *EnrollmentRepository) StudentStats(ctx context.Context, studentID string) (*models.StudentStats, error) {
	const query = `SELECT COUNT(*) AS total_enrollments,
        COUNT(*) FILTER (WHERE status = 'active') AS active_count,
        COUNT(*) FILTER (WHERE status = 'completed') AS completed_count,
        COALESCE(AVG(progress), 0) AS average_progress
        FROM enrollments WHERE student_id = $1`
	var stats models.StudentStats
	if err := r.db.GetContext(ctx, &stats, query, studentID); err != nil {
		if err == sql.ErrNoRows {
			return &models.StudentStats{}, nil
		}
		return nil, fmt.Errorf("aggregate student stats: %w", err)
	}
	return &stats, nil
}

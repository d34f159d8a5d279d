package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/learnspace/learnspace-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestEnrollmentRepositoryFindByStudentAndCourse(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "student_id", "course_id", "status", "progress", "enrolled_at", "completed_at"}).
		AddRow("enr-1", "stu-1", "crs-1", models.EnrollmentStatusActive, 40, time.Now(), nil)
	mock.ExpectQuery(`SELECT id, student_id, course_id, status, progress, enrolled_at, completed_at FROM enrollments WHERE student_id = \$1 AND course_id = \$2`).
		WithArgs("stu-1", "crs-1").
		WillReturnRows(rows)

	enrollment, err := repo.FindByStudentAndCourse(context.Background(), "stu-1", "crs-1")
	require.NoError(t, err)
	require.Equal(t, "enr-1", enrollment.ID)
	require.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	require.Equal(t, 40, enrollment.Progress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateDefaultsIDAndTimestamp(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec(`INSERT INTO enrollments`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	enrollment := &models.Enrollment{StudentID: "stu-1", CourseID: "crs-1", Status: models.EnrollmentStatusPendingPayment}
	err := repo.Create(context.Background(), enrollment)
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.ID)
	require.False(t, enrollment.EnrolledAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateProgress(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	completedAt := time.Now().UTC()
	mock.ExpectExec(`UPDATE enrollments SET progress = \$2, status = \$3, completed_at = \$4 WHERE id = \$1`).
		WithArgs("enr-1", 100, models.EnrollmentStatusCompleted, completedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateProgress(context.Background(), "enr-1", 100, models.EnrollmentStatusCompleted, &completedAt)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryListByStudentFiltersStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "student_id", "course_id", "status", "progress", "enrolled_at", "completed_at", "course_title", "course_category", "course_level", "instructor_name"}).
		AddRow("enr-1", "stu-1", "crs-1", models.EnrollmentStatusActive, 10, time.Now(), nil, "Intro to Go", "programming", "beginner", "Dina Pratama")
	mock.ExpectQuery(`FROM enrollments e\s+JOIN courses c ON c.id = e.course_id`).
		WithArgs("stu-1", models.EnrollmentStatusActive).
		WillReturnRows(rows)

	enrollments, err := repo.ListByStudent(context.Background(), "stu-1", models.EnrollmentStatusActive)
	require.NoError(t, err)
	require.Len(t, enrollments, 1)
	require.Equal(t, "Intro to Go", enrollments[0].CourseTitle)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryStudentStats(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"total_enrollments", "active_count", "completed_count", "average_progress"}).
		AddRow(4, 2, 1, 52.5)
	mock.ExpectQuery(`SELECT COUNT\(\*\) AS total_enrollments`).
		WithArgs("stu-1").
		WillReturnRows(rows)

	stats, err := repo.StudentStats(context.Background(), "stu-1")
	require.NoError(t, err)
	require.Equal(t, 4, stats.TotalEnrollments)
	require.Equal(t, 2, stats.ActiveCount)
	require.Equal(t, 1, stats.CompletedCount)
	require.InDelta(t, 52.5, stats.AverageProgress, 0.001)
	require.NoError(t, mock.ExpectationsWereMet())
}

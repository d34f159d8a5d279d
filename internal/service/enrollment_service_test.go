package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/learnspace/learnspace-api/internal/models"
	appErrors "github.com/learnspace/learnspace-api/pkg/errors"
	"github.com/learnspace/learnspace-api/pkg/export"
)

type mockEnrollmentRepo struct {
	enrollments map[string]models.Enrollment
	courses     map[string]models.Course
	created     *models.Enrollment
	stats       models.StudentStats
}

func (m *mockEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	for _, e := range m.enrollments {
		if e.StudentID == studentID && e.CourseID == courseID {
			return &e, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) FindWithCourseByID(ctx context.Context, id string) (*models.EnrollmentWithCourse, error) {
	if e, ok := m.enrollments[id]; ok {
		detail := models.EnrollmentWithCourse{Enrollment: e}
		if c, ok := m.courses[e.CourseID]; ok {
			detail.CourseTitle = c.Title
		}
		return &detail, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if m.enrollments == nil {
		m.enrollments = make(map[string]models.Enrollment)
	}
	if enrollment.ID == "" {
		enrollment.ID = "new-enroll"
	}
	m.enrollments[enrollment.ID] = *enrollment
	m.created = enrollment
	return nil
}

func (m *mockEnrollmentRepo) UpdateProgress(ctx context.Context, id string, progress int, status models.EnrollmentStatus, completedAt *time.Time) error {
	if e, ok := m.enrollments[id]; ok {
		e.Progress = progress
		e.Status = status
		e.CompletedAt = completedAt
		m.enrollments[id] = e
	}
	return nil
}

func (m *mockEnrollmentRepo) UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus) error {
	if e, ok := m.enrollments[id]; ok {
		e.Status = status
		m.enrollments[id] = e
	}
	return nil
}

func (m *mockEnrollmentRepo) ListByStudent(ctx context.Context, studentID string, status models.EnrollmentStatus) ([]models.EnrollmentWithCourse, error) {
	var list []models.EnrollmentWithCourse
	for _, e := range m.enrollments {
		if e.StudentID != studentID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		list = append(list, models.EnrollmentWithCourse{Enrollment: e})
	}
	return list, nil
}

func (m *mockEnrollmentRepo) ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentWithStudent, error) {
	var list []models.EnrollmentWithStudent
	for _, e := range m.enrollments {
		if e.CourseID == courseID {
			list = append(list, models.EnrollmentWithStudent{Enrollment: e, StudentName: "Student " + e.StudentID, StudentEmail: e.StudentID + "@example.com"})
		}
	}
	return list, nil
}

func (m *mockEnrollmentRepo) StudentStats(ctx context.Context, studentID string) (*models.StudentStats, error) {
	stats := m.stats
	return &stats, nil
}

type mockCourseReader struct {
	courses map[string]models.Course
}

func (m *mockCourseReader) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if c, ok := m.courses[id]; ok {
		return &c, nil
	}
	return nil, sql.ErrNoRows
}

type mockCertIssuer struct {
	queued []string
}

func (m *mockCertIssuer) EnqueueIssuance(enrollmentID string) error {
	m.queued = append(m.queued, enrollmentID)
	return nil
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func newEnrollmentTestService(repo *mockEnrollmentRepo, courses *mockCourseReader, certs *mockCertIssuer) *EnrollmentService {
	if repo.courses == nil {
		repo.courses = courses.courses
	}
	return NewEnrollmentService(repo, courses, certs, nil, export.NewCSVExporter(), nil, validator.New(), zap.NewNop())
}

func TestEnrollmentServiceEnrollFreeCourseActivates(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Title: "Intro to Go", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	result, err := svc.Enroll(context.Background(), "s1", EnrollRequest{CourseID: "c1"})
	require.NoError(t, err)
	assert.False(t, result.RequiresPayment)
	assert.False(t, result.AlreadyEnrolled)
	assert.Equal(t, models.EnrollmentStatusActive, result.Enrollment.Status)
	assert.Equal(t, 0, result.Enrollment.Progress)
	require.NotNil(t, repo.created)
}

func TestEnrollmentServiceEnrollPaidCoursePendsPayment(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Title: "Advanced Go", Price: floatPtr(99), Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	result, err := svc.Enroll(context.Background(), "s1", EnrollRequest{CourseID: "c1"})
	require.NoError(t, err)
	assert.True(t, result.RequiresPayment)
	assert.Equal(t, models.EnrollmentStatusPendingPayment, result.Enrollment.Status)
}

func TestEnrollmentServiceEnrollTwiceIsIdempotent(t *testing.T) {
	repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusActive, Progress: 30},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Title: "Intro to Go", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	result, err := svc.Enroll(context.Background(), "s1", EnrollRequest{CourseID: "c1"})
	require.NoError(t, err)
	assert.True(t, result.AlreadyEnrolled)
	assert.Equal(t, "e1", result.Enrollment.ID)
	assert.Equal(t, 30, result.Enrollment.Progress)
	assert.Nil(t, repo.created)
}

func TestEnrollmentServiceEnrollUnpublishedCourseNotFound(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Title: "Hidden", Published: false}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	_, err := svc.Enroll(context.Background(), "s1", EnrollRequest{CourseID: "c1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceEnrollOnCancelledStaysCancelled(t *testing.T) {
	// cancelled is terminal: a repeat enroll must not move it back to active.
	require.False(t, models.EnrollmentStatusCancelled.CanTransition(models.EnrollmentStatusActive))

	repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusCancelled, Progress: 70},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Title: "Intro to Go", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	result, err := svc.Enroll(context.Background(), "s1", EnrollRequest{CourseID: "c1"})
	require.NoError(t, err)
	assert.True(t, result.AlreadyEnrolled)
	assert.False(t, result.RequiresPayment)
	assert.Equal(t, "e1", result.Enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCancelled, result.Enrollment.Status)
	assert.Equal(t, 70, result.Enrollment.Progress)
	assert.Nil(t, repo.created)
	assert.Equal(t, models.EnrollmentStatusCancelled, repo.enrollments["e1"].Status)
}

func TestEnrollmentServiceUpdateProgressCompletesAtHundred(t *testing.T) {
	repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusActive, Progress: 80},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Title: "Intro to Go", Published: true}}}
	certs := &mockCertIssuer{}
	svc := newEnrollmentTestService(repo, courses, certs)

	detail, err := svc.UpdateProgress(context.Background(), "e1", "s1", models.RoleStudent, UpdateProgressRequest{Progress: intPtr(100)})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, detail.Status)
	assert.NotNil(t, detail.CompletedAt)
	assert.Contains(t, certs.queued, "e1")
}

func TestEnrollmentServiceUpdateProgressRejectsOtherStudent(t *testing.T) {
	repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusActive},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	_, err := svc.UpdateProgress(context.Background(), "e1", "s2", models.RoleStudent, UpdateProgressRequest{Progress: intPtr(50)})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceUpdateProgressConflictsWhenNotActive(t *testing.T) {
	cases := map[string]models.EnrollmentStatus{
		"pending payment": models.EnrollmentStatusPendingPayment,
		"completed":       models.EnrollmentStatusCompleted,
		"cancelled":       models.EnrollmentStatusCancelled,
	}
	for name, status := range cases {
		t.Run(name, func(t *testing.T) {
			repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
				"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: status},
			}}
			courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Published: true}}}
			svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

			_, err := svc.UpdateProgress(context.Background(), "e1", "s1", models.RoleStudent, UpdateProgressRequest{Progress: intPtr(10)})
			require.Error(t, err)
			assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
		})
	}
}

func TestEnrollmentServiceUpdateProgressValidatesRange(t *testing.T) {
	repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusActive},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	_, err := svc.UpdateProgress(context.Background(), "e1", "s1", models.RoleStudent, UpdateProgressRequest{Progress: intPtr(101)})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceCancelActive(t *testing.T) {
	repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusActive},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	detail, err := svc.Cancel(context.Background(), "e1", "s1", models.RoleStudent)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCancelled, detail.Status)
}

func TestEnrollmentServiceCancelCompletedConflicts(t *testing.T) {
	repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusCompleted},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	_, err := svc.Cancel(context.Background(), "e1", "s1", models.RoleStudent)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceConfirmPaymentActivates(t *testing.T) {
	repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusPendingPayment},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	detail, err := svc.ConfirmPayment(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, detail.Status)

	// A repeated webhook delivery is a no-op.
	detail, err = svc.ConfirmPayment(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, detail.Status)
}

func TestEnrollmentServiceConfirmPaymentOnCancelledConflicts(t *testing.T) {
	repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusCancelled},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	_, err := svc.ConfirmPayment(context.Background(), "e1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceCourseStudentsSummary(t *testing.T) {
	repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusActive, Progress: 40},
		"e2": {ID: "e2", StudentID: "s2", CourseID: "c1", Status: models.EnrollmentStatusCompleted, Progress: 100},
		"e3": {ID: "e3", StudentID: "s3", CourseID: "c1", Status: models.EnrollmentStatusCancelled, Progress: 10},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", InstructorID: "t1", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	roster, err := svc.CourseStudents(context.Background(), "c1", "t1", models.RoleTeacher)
	require.NoError(t, err)
	assert.Equal(t, 3, roster.Summary.Total)
	assert.Equal(t, 1, roster.Summary.Active)
	assert.Equal(t, 1, roster.Summary.Completed)
	assert.InDelta(t, 70.0, roster.Summary.AverageProgress, 0.001)
}

func TestEnrollmentServiceCourseStudentsForbiddenForOtherTeacher(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", InstructorID: "t1", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	_, err := svc.CourseStudents(context.Background(), "c1", "t2", models.RoleTeacher)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceExportRoster(t *testing.T) {
	repo := &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{
		"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusActive, Progress: 40, EnrolledAt: time.Now()},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", InstructorID: "t1", Published: true}}}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	payload, filename, err := svc.ExportRoster(context.Background(), "c1", "t1", models.RoleTeacher)
	require.NoError(t, err)
	assert.Contains(t, filename, "roster-c1-")
	assert.Contains(t, string(payload), "student_name")
	assert.Contains(t, string(payload), "s1@example.com")
}

func TestEnrollmentServiceEnrollRefreshesMirror(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	courses := &mockCourseReader{courses: map[string]models.Course{"c1": {ID: "c1", Title: "Intro to Go", Published: true}}}
	repo.courses = courses.courses
	cacheRepo := &mockCacheRepo{}
	mirror := newTestMirror(repo, cacheRepo)
	svc := NewEnrollmentService(repo, courses, &mockCertIssuer{}, mirror, export.NewCSVExporter(), nil, validator.New(), zap.NewNop())

	_, err := svc.Enroll(context.Background(), "s1", EnrollRequest{CourseID: "c1"})
	require.NoError(t, err)

	raw, ok := cacheRepo.entries[mirrorKey("s1")]
	require.True(t, ok)
	var mirrored []models.EnrollmentWithCourse
	require.NoError(t, json.Unmarshal(raw, &mirrored))
	require.Len(t, mirrored, 1)
	assert.Equal(t, models.EnrollmentStatusActive, mirrored[0].Status)

	_, err = svc.Cancel(context.Background(), mirrored[0].ID, "s1", models.RoleStudent)
	require.NoError(t, err)

	raw, ok = cacheRepo.entries[mirrorKey("s1")]
	require.True(t, ok)
	mirrored = nil
	require.NoError(t, json.Unmarshal(raw, &mirrored))
	require.Len(t, mirrored, 1)
	assert.Equal(t, models.EnrollmentStatusCancelled, mirrored[0].Status)
}

func TestEnrollmentServiceStudentStats(t *testing.T) {
	repo := &mockEnrollmentRepo{stats: models.StudentStats{TotalEnrollments: 3, ActiveCount: 2, CompletedCount: 1, AverageProgress: 61.5}}
	courses := &mockCourseReader{}
	svc := newEnrollmentTestService(repo, courses, &mockCertIssuer{})

	stats, err := svc.StudentStats(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEnrollments)
	assert.InDelta(t, 61.5, stats.AverageProgress, 0.001)
}

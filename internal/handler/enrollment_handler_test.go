package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/learnspace/learnspace-api/internal/middleware"
	"github.com/learnspace/learnspace-api/internal/models"
	"github.com/learnspace/learnspace-api/internal/service"
	"github.com/learnspace/learnspace-api/pkg/export"
)

type fakeEnrollmentRepo struct {
	byID        map[string]*models.Enrollment
	byPair      map[string]*models.Enrollment
	created     *models.Enrollment
	lastStatus  models.EnrollmentStatus
	studentList []models.EnrollmentWithCourse
}

func pairKey(studentID, courseID string) string {
	return studentID + "/" + courseID
}

func (f *fakeEnrollmentRepo) FindByID(_ context.Context, id string) (*models.Enrollment, error) {
	if e, ok := f.byID[id]; ok {
		return e, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEnrollmentRepo) FindByStudentAndCourse(_ context.Context, studentID, courseID string) (*models.Enrollment, error) {
	if e, ok := f.byPair[pairKey(studentID, courseID)]; ok {
		return e, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEnrollmentRepo) FindWithCourseByID(_ context.Context, id string) (*models.EnrollmentWithCourse, error) {
	if e, ok := f.byID[id]; ok {
		return &models.EnrollmentWithCourse{Enrollment: *e, CourseTitle: "Go Basics"}, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEnrollmentRepo) Create(_ context.Context, enrollment *models.Enrollment) error {
	enrollment.ID = "enr-new"
	f.created = enrollment
	if f.byID == nil {
		f.byID = map[string]*models.Enrollment{}
	}
	f.byID[enrollment.ID] = enrollment
	return nil
}

func (f *fakeEnrollmentRepo) UpdateProgress(_ context.Context, id string, progress int, status models.EnrollmentStatus, completedAt *time.Time) error {
	if e, ok := f.byID[id]; ok {
		e.Progress = progress
		e.Status = status
		e.CompletedAt = completedAt
	}
	return nil
}

func (f *fakeEnrollmentRepo) UpdateStatus(_ context.Context, id string, status models.EnrollmentStatus) error {
	f.lastStatus = status
	if e, ok := f.byID[id]; ok {
		e.Status = status
	}
	return nil
}

func (f *fakeEnrollmentRepo) ListByStudent(context.Context, string, models.EnrollmentStatus) ([]models.EnrollmentWithCourse, error) {
	return f.studentList, nil
}

func (f *fakeEnrollmentRepo) ListByCourse(context.Context, string) ([]models.EnrollmentWithStudent, error) {
	return nil, nil
}

func (f *fakeEnrollmentRepo) StudentStats(context.Context, string) (*models.StudentStats, error) {
	return &models.StudentStats{}, nil
}

type fakeCourses struct {
	courses map[string]*models.Course
}

func (f *fakeCourses) FindByID(_ context.Context, id string) (*models.Course, error) {
	if c, ok := f.courses[id]; ok {
		return c, nil
	}
	return nil, sql.ErrNoRows
}

func newEnrollmentTestHandler(repo *fakeEnrollmentRepo, courses *fakeCourses) *EnrollmentHandler {
	svc := service.NewEnrollmentService(repo, courses, nil, nil, export.NewCSVExporter(), nil, nil, nil)
	return NewEnrollmentHandler(svc, "webhook-secret", "")
}

func studentClaims(userID string) *models.JWTClaims {
	return &models.JWTClaims{UserID: userID, Role: models.RoleStudent}
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestEnrollmentHandlerEnrollRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newEnrollmentTestHandler(&fakeEnrollmentRepo{}, &fakeCourses{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = jsonRequest(http.MethodPost, "/enrollments", `{"course_id":"course-1"}`)

	h.Enroll(c)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnrollmentHandlerEnrollCreated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repo := &fakeEnrollmentRepo{}
	courses := &fakeCourses{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Title: "Go Basics", Published: true},
	}}
	h := newEnrollmentTestHandler(repo, courses)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = jsonRequest(http.MethodPost, "/enrollments", `{"course_id":"course-1"}`)
	c.Set(middleware.ContextUserKey, studentClaims("student-1"))

	h.Enroll(c)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, models.EnrollmentStatusActive, repo.created.Status)
}

func TestEnrollmentHandlerEnrollIdempotentReturnsOK(t *testing.T) {
	gin.SetMode(gin.TestMode)
	existing := &models.Enrollment{ID: "enr-1", StudentID: "student-1", CourseID: "course-1", Status: models.EnrollmentStatusActive}
	repo := &fakeEnrollmentRepo{
		byID:   map[string]*models.Enrollment{"enr-1": existing},
		byPair: map[string]*models.Enrollment{pairKey("student-1", "course-1"): existing},
	}
	courses := &fakeCourses{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Published: true},
	}}
	h := newEnrollmentTestHandler(repo, courses)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = jsonRequest(http.MethodPost, "/enrollments", `{"course_id":"course-1"}`)
	c.Set(middleware.ContextUserKey, studentClaims("student-1"))

	h.Enroll(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data models.EnrollmentResult `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.True(t, envelope.Data.AlreadyEnrolled)
}

func TestEnrollmentHandlerUpdateProgressRejectsBadPayload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newEnrollmentTestHandler(&fakeEnrollmentRepo{}, &fakeCourses{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = jsonRequest(http.MethodPatch, "/enrollments/enr-1/progress", `{"progress":"half"}`)
	c.Params = gin.Params{{Key: "id", Value: "enr-1"}}
	c.Set(middleware.ContextUserKey, studentClaims("student-1"))

	h.UpdateProgress(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrollmentHandlerWebhookRejectsBadSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newEnrollmentTestHandler(&fakeEnrollmentRepo{}, &fakeCourses{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = jsonRequest(http.MethodPost, "/payments/webhook", `{"enrollment_id":"enr-1"}`)
	c.Request.Header.Set("X-Payment-Signature", "wrong")

	h.PaymentWebhook(c)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnrollmentHandlerWebhookActivatesEnrollment(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pending := &models.Enrollment{ID: "enr-1", StudentID: "student-1", CourseID: "course-1", Status: models.EnrollmentStatusPendingPayment}
	repo := &fakeEnrollmentRepo{byID: map[string]*models.Enrollment{"enr-1": pending}}
	h := newEnrollmentTestHandler(repo, &fakeCourses{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = jsonRequest(http.MethodPost, "/payments/webhook", `{"enrollment_id":"enr-1","reference":"pay-42"}`)
	c.Request.Header.Set("X-Payment-Signature", "webhook-secret")

	h.PaymentWebhook(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.EnrollmentStatusActive, repo.lastStatus)
}

func TestEnrollmentHandlerMyCoursesRejectsUnknownStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newEnrollmentTestHandler(&fakeEnrollmentRepo{}, &fakeCourses{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/enrollments/me?status=paused", nil)
	c.Set(middleware.ContextUserKey, studentClaims("student-1"))

	h.MyCourses(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/learnspace/learnspace-api/internal/models"
	appErrors "github.com/learnspace/learnspace-api/pkg/errors"
	"github.com/learnspace/learnspace-api/pkg/export"
)

type mockCertRepo struct {
	byEnrollment map[string]models.Certificate
	created      *models.Certificate
}

func (m *mockCertRepo) Create(ctx context.Context, cert *models.Certificate) error {
	if m.byEnrollment == nil {
		m.byEnrollment = make(map[string]models.Certificate)
	}
	if cert.ID == "" {
		cert.ID = "cert-1"
	}
	m.byEnrollment[cert.EnrollmentID] = *cert
	m.created = cert
	return nil
}

func (m *mockCertRepo) FindByID(ctx context.Context, id string) (*models.Certificate, error) {
	for _, c := range m.byEnrollment {
		if c.ID == id {
			return &c, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockCertRepo) FindByEnrollment(ctx context.Context, enrollmentID string) (*models.Certificate, error) {
	if c, ok := m.byEnrollment[enrollmentID]; ok {
		return &c, nil
	}
	return nil, sql.ErrNoRows
}

type mockCertEnrollments struct {
	enrollments map[string]models.Enrollment
	titles      map[string]string
}

func (m *mockCertEnrollments) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockCertEnrollments) FindWithCourseByID(ctx context.Context, id string) (*models.EnrollmentWithCourse, error) {
	if e, ok := m.enrollments[id]; ok {
		return &models.EnrollmentWithCourse{Enrollment: e, CourseTitle: m.titles[e.CourseID]}, nil
	}
	return nil, sql.ErrNoRows
}

type mockCertUsers struct {
	users map[string]models.User
}

func (m *mockCertUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, sql.ErrNoRows
}

type mockRenderer struct {
	rendered []export.CertificateData
}

func (m *mockRenderer) Render(data export.CertificateData) ([]byte, error) {
	m.rendered = append(m.rendered, data)
	return []byte("%PDF-1.4 stub"), nil
}

type mockStore struct {
	saved map[string][]byte
}

func (m *mockStore) Save(filename string, data []byte) (string, error) {
	if m.saved == nil {
		m.saved = make(map[string][]byte)
	}
	m.saved[filename] = data
	return filename, nil
}

func (m *mockStore) Path(filename string) string { return "/data/" + filename }

type mockSigner struct{}

func (m *mockSigner) Generate(resourceID, relPath string) (string, time.Time, error) {
	return "signed-token", time.Now().Add(time.Hour), nil
}

func (m *mockSigner) Parse(token string, allowExpired bool) (string, string, time.Time, error) {
	if token != "signed-token" {
		return "", "", time.Time{}, assert.AnError
	}
	return "cert-1", "certificates/e1.pdf", time.Now().Add(time.Hour), nil
}

func newCertificateTestService(repo *mockCertRepo, enrollments *mockCertEnrollments, users *mockCertUsers, renderer *mockRenderer, store *mockStore) *CertificateService {
	return NewCertificateService(repo, enrollments, users, renderer, store, &mockSigner{}, "LearnSpace Academy", CertificateQueueConfig{}, zap.NewNop())
}

func TestCertificateServiceIssue(t *testing.T) {
	completedAt := time.Now().UTC()
	repo := &mockCertRepo{}
	enrollments := &mockCertEnrollments{
		enrollments: map[string]models.Enrollment{"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusCompleted, Progress: 100, CompletedAt: &completedAt}},
		titles:      map[string]string{"c1": "Intro to Go"},
	}
	users := &mockCertUsers{users: map[string]models.User{"s1": {ID: "s1", FullName: "Ana Silva"}}}
	renderer := &mockRenderer{}
	store := &mockStore{}
	svc := newCertificateTestService(repo, enrollments, users, renderer, store)

	err := svc.Issue(context.Background(), "e1")
	require.NoError(t, err)
	require.NotNil(t, repo.created)
	assert.Equal(t, "e1", repo.created.EnrollmentID)
	assert.NotEmpty(t, repo.created.Serial)
	assert.Contains(t, store.saved, "certificates/e1.pdf")
	require.Len(t, renderer.rendered, 1)
	assert.Equal(t, "Ana Silva", renderer.rendered[0].StudentName)
	assert.Equal(t, "Intro to Go", renderer.rendered[0].CourseTitle)
}

func TestCertificateServiceIssueIsIdempotent(t *testing.T) {
	repo := &mockCertRepo{byEnrollment: map[string]models.Certificate{
		"e1": {ID: "cert-1", EnrollmentID: "e1", Serial: "LS-2026-ABC", FilePath: "certificates/e1.pdf"},
	}}
	enrollments := &mockCertEnrollments{}
	users := &mockCertUsers{}
	renderer := &mockRenderer{}
	svc := newCertificateTestService(repo, enrollments, users, renderer, &mockStore{})

	err := svc.Issue(context.Background(), "e1")
	require.NoError(t, err)
	assert.Empty(t, renderer.rendered)
}

func TestCertificateServiceIssueSkipsNonCompleted(t *testing.T) {
	repo := &mockCertRepo{}
	enrollments := &mockCertEnrollments{
		enrollments: map[string]models.Enrollment{"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusActive}},
	}
	renderer := &mockRenderer{}
	svc := newCertificateTestService(repo, enrollments, &mockCertUsers{}, renderer, &mockStore{})

	err := svc.Issue(context.Background(), "e1")
	require.NoError(t, err)
	assert.Empty(t, renderer.rendered)
	assert.Nil(t, repo.created)
}

func TestCertificateServiceGetForEnrollmentAuthz(t *testing.T) {
	repo := &mockCertRepo{byEnrollment: map[string]models.Certificate{
		"e1": {ID: "cert-1", EnrollmentID: "e1", Serial: "LS-2026-ABC", FilePath: "certificates/e1.pdf"},
	}}
	enrollments := &mockCertEnrollments{
		enrollments: map[string]models.Enrollment{"e1": {ID: "e1", StudentID: "s1", CourseID: "c1", Status: models.EnrollmentStatusCompleted}},
	}
	svc := newCertificateTestService(repo, enrollments, &mockCertUsers{}, &mockRenderer{}, &mockStore{})

	download, err := svc.GetForEnrollment(context.Background(), "e1", "s1", models.RoleStudent)
	require.NoError(t, err)
	assert.Contains(t, download.DownloadURL, "signed-token")

	_, err = svc.GetForEnrollment(context.Background(), "e1", "s2", models.RoleStudent)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestCertificateServiceResolveDownload(t *testing.T) {
	repo := &mockCertRepo{byEnrollment: map[string]models.Certificate{
		"e1": {ID: "cert-1", EnrollmentID: "e1", Serial: "LS-2026-ABC", FilePath: "certificates/e1.pdf"},
	}}
	svc := newCertificateTestService(repo, &mockCertEnrollments{}, &mockCertUsers{}, &mockRenderer{}, &mockStore{})

	path, err := svc.ResolveDownload(context.Background(), "signed-token")
	require.NoError(t, err)
	assert.Equal(t, "/data/certificates/e1.pdf", path)

	_, err = svc.ResolveDownload(context.Background(), "tampered")
	require.Error(t, err)

	_, err = svc.ResolveDownload(context.Background(), "signed-token")
	require.NoError(t, err)

	repo.byEnrollment = nil
	_, err = svc.ResolveDownload(context.Background(), "signed-token")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

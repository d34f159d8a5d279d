package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/learnspace/learnspace-api/internal/models"
	appErrors "github.com/learnspace/learnspace-api/pkg/errors"
	"github.com/learnspace/learnspace-api/pkg/export"
	"github.com/learnspace/learnspace-api/pkg/jobs"
)

type certificateRepository interface {
	Create(ctx context.Context, cert *models.Certificate) error
	FindByID(ctx context.Context, id string) (*models.Certificate, error)
	FindByEnrollment(ctx context.Context, enrollmentID string) (*models.Certificate, error)
}

type certificateEnrollments interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindWithCourseByID(ctx context.Context, id string) (*models.EnrollmentWithCourse, error)
}

type certificateUsers interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type certificateRenderer interface {
	Render(data export.CertificateData) ([]byte, error)
}

type certificateStore interface {
	Save(filename string, data []byte) (string, error)
	Path(filename string) string
}

type downloadSigner interface {
	Generate(resourceID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (resourceID, relPath string, expiresAt time.Time, err error)
}

const certificateJobType = "certificate.issue"

// CertificateService issues completion certificates asynchronously and serves
// signed download links. Issuance runs on a worker queue so completing a
// course never blocks on PDF rendering.
type CertificateService struct {
	repo        certificateRepository
	enrollments certificateEnrollments
	users       certificateUsers
	renderer    certificateRenderer
	store       certificateStore
	signer      downloadSigner
	issuerName  string
	queue       *jobs.Queue
	logger      *zap.Logger
}

// CertificateQueueConfig tunes the issuance worker pool.
type CertificateQueueConfig struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// NewCertificateService constructs the service and its issuance queue.
func NewCertificateService(repo certificateRepository, enrollments certificateEnrollments, users certificateUsers, renderer certificateRenderer, store certificateStore, signer downloadSigner, issuerName string, queueCfg CertificateQueueConfig, logger *zap.Logger) *CertificateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if issuerName == "" {
		issuerName = "LearnSpace"
	}
	s := &CertificateService{
		repo:        repo,
		enrollments: enrollments,
		users:       users,
		renderer:    renderer,
		store:       store,
		signer:      signer,
		issuerName:  issuerName,
		logger:      logger,
	}
	s.queue = jobs.NewQueue("certificates", s.handleIssuance, jobs.QueueConfig{
		Workers:    queueCfg.Workers,
		MaxRetries: queueCfg.MaxRetries,
		RetryDelay: queueCfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the issuance workers.
func (s *CertificateService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the issuance workers.
func (s *CertificateService) Stop() {
	s.queue.Stop()
}

// EnqueueIssuance queues certificate issuance for a completed enrollment.
func (s *CertificateService) EnqueueIssuance(enrollmentID string) error {
	return s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    certificateJobType,
		Payload: enrollmentID,
	})
}

func (s *CertificateService) handleIssuance(ctx context.Context, job jobs.Job) error {
	enrollmentID, ok := job.Payload.(string)
	if !ok || enrollmentID == "" {
		s.logger.Error("certificate job carries invalid payload", zap.String("job_id", job.ID))
		return nil
	}
	return s.Issue(ctx, enrollmentID)
}

// Issue renders and stores a certificate for a completed enrollment. Retried
// jobs are idempotent: an existing certificate short-circuits.
func (s *CertificateService) Issue(ctx context.Context, enrollmentID string) error {
	if _, err := s.repo.FindByEnrollment(ctx, enrollmentID); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("check existing certificate: %w", err)
	}

	detail, err := s.enrollments.FindWithCourseByID(ctx, enrollmentID)
	if err != nil {
		return fmt.Errorf("load enrollment %s: %w", enrollmentID, err)
	}
	if detail.Status != models.EnrollmentStatusCompleted {
		s.logger.Warn("skipping certificate for non-completed enrollment", zap.String("enrollment_id", enrollmentID), zap.String("status", string(detail.Status)))
		return nil
	}
	student, err := s.users.FindByID(ctx, detail.StudentID)
	if err != nil {
		return fmt.Errorf("load student %s: %w", detail.StudentID, err)
	}

	issuedAt := time.Now().UTC()
	serial := fmt.Sprintf("LS-%d-%s", issuedAt.Year(), strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10]))

	payload, err := s.renderer.Render(export.CertificateData{
		StudentName: student.FullName,
		CourseTitle: detail.CourseTitle,
		Serial:      serial,
		IssuedAt:    issuedAt,
		IssuerName:  s.issuerName,
	})
	if err != nil {
		return fmt.Errorf("render certificate: %w", err)
	}

	relPath := fmt.Sprintf("certificates/%s.pdf", enrollmentID)
	if _, err := s.store.Save(relPath, payload); err != nil {
		return fmt.Errorf("store certificate: %w", err)
	}

	cert := &models.Certificate{
		EnrollmentID: enrollmentID,
		Serial:       serial,
		FilePath:     relPath,
		IssuedAt:     issuedAt,
	}
	if err := s.repo.Create(ctx, cert); err != nil {
		return fmt.Errorf("persist certificate: %w", err)
	}
	s.logger.Info("certificate issued", zap.String("enrollment_id", enrollmentID), zap.String("serial", serial))
	return nil
}

// GetForEnrollment returns the certificate with a signed download link.
// Students may only fetch certificates for their own enrollments.
func (s *CertificateService) GetForEnrollment(ctx context.Context, enrollmentID, actorID string, actorRole models.UserRole) (*models.CertificateDownload, error) {
	enrollment, err := s.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if actorRole != models.RoleAdmin && enrollment.StudentID != actorID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot access another student's certificate")
	}
	cert, err := s.repo.FindByEnrollment(ctx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "certificate not issued yet")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load certificate")
	}
	token, expiresAt, err := s.signer.Generate(cert.ID, cert.FilePath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
	}
	return &models.CertificateDownload{
		Certificate: *cert,
		DownloadURL: fmt.Sprintf("/api/v1/certificates/download?token=%s", token),
		ExpiresAt:   expiresAt,
	}, nil
}

// ResolveDownload validates a signed token and returns the absolute file path
// to serve. The certificate row is re-checked so revoked records stop serving.
func (s *CertificateService) ResolveDownload(ctx context.Context, token string) (string, error) {
	certID, _, _, err := s.signer.Parse(token, false)
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	cert, err := s.repo.FindByID(ctx, certID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", appErrors.Clone(appErrors.ErrNotFound, "certificate not found")
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load certificate")
	}
	return s.store.Path(cert.FilePath), nil
}

package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/learnspace/learnspace-api/internal/models"
	appErrors "github.com/learnspace/learnspace-api/pkg/errors"
)

type materialRepository interface {
	Create(ctx context.Context, material *models.Material) error
	FindByID(ctx context.Context, id string) (*models.Material, error)
	ListByCourse(ctx context.Context, courseID string) ([]models.Material, error)
	Delete(ctx context.Context, id string) error
}

type materialStore interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Delete(filename string) error
	Path(filename string) string
}

type enrollmentChecker interface {
	FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error)
}

// MaterialUpload describes an incoming material file.
type MaterialUpload struct {
	Title       string
	ContentType string
	SizeBytes   int64
	Reader      io.Reader
}

// MaterialService manages course materials: upload, listing and signed
// downloads. Students only see materials of courses they are enrolled in.
type MaterialService struct {
	repo         materialRepository
	courses      courseReader
	enrollments  enrollmentChecker
	store        materialStore
	signer       downloadSigner
	maxSizeBytes int64
	allowedMIMEs map[string]bool
	logger       *zap.Logger
}

// NewMaterialService constructs MaterialService.
func NewMaterialService(repo materialRepository, courses courseReader, enrollments enrollmentChecker, store materialStore, signer downloadSigner, maxSizeBytes int64, allowedMIMEs []string, logger *zap.Logger) *MaterialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSizeBytes <= 0 {
		maxSizeBytes = 512 << 20
	}
	allowed := make(map[string]bool, len(allowedMIMEs))
	for _, mime := range allowedMIMEs {
		allowed[strings.TrimSpace(strings.ToLower(mime))] = true
	}
	return &MaterialService{repo: repo, courses: courses, enrollments: enrollments, store: store, signer: signer, maxSizeBytes: maxSizeBytes, allowedMIMEs: allowed, logger: logger}
}

// Upload stores a material file and its metadata. Teachers may only upload to
// their own courses.
func (s *MaterialService) Upload(ctx context.Context, courseID, actorID string, actorRole models.UserRole, upload MaterialUpload) (*models.Material, error) {
	course, err := s.loadCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if actorRole != models.RoleAdmin && course.InstructorID != actorID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not the instructor of this course")
	}
	if upload.Title == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "material title required")
	}
	contentType := strings.ToLower(strings.TrimSpace(upload.ContentType))
	if !s.allowedMIMEs[contentType] {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported content type %q", upload.ContentType))
	}
	if upload.SizeBytes > s.maxSizeBytes {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file exceeds maximum allowed size")
	}

	kind := models.MaterialKindPDF
	if strings.HasPrefix(contentType, "video/") {
		kind = models.MaterialKindVideo
	}

	id := uuid.NewString()
	relPath := fmt.Sprintf("materials/%s/%s", courseID, id)
	if _, err := s.store.SaveStream(relPath, upload.Reader); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store material file")
	}

	material := &models.Material{
		ID:          id,
		CourseID:    courseID,
		Title:       upload.Title,
		Kind:        kind,
		FilePath:    relPath,
		ContentType: contentType,
		SizeBytes:   upload.SizeBytes,
		UploadedBy:  actorID,
	}
	if err := s.repo.Create(ctx, material); err != nil {
		if cleanupErr := s.store.Delete(relPath); cleanupErr != nil {
			s.logger.Warn("orphaned material file after failed insert", zap.String("path", relPath), zap.Error(cleanupErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save material")
	}
	return material, nil
}

// List returns a course's materials for an authorized viewer.
func (s *MaterialService) List(ctx context.Context, courseID, actorID string, actorRole models.UserRole) ([]models.Material, error) {
	if err := s.authorizeAccess(ctx, courseID, actorID, actorRole); err != nil {
		return nil, err
	}
	materials, err := s.repo.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list materials")
	}
	return materials, nil
}

// Download returns material metadata with a signed download link.
func (s *MaterialService) Download(ctx context.Context, materialID, actorID string, actorRole models.UserRole) (*models.MaterialDownload, error) {
	material, err := s.repo.FindByID(ctx, materialID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "material not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load material")
	}
	if err := s.authorizeAccess(ctx, material.CourseID, actorID, actorRole); err != nil {
		return nil, err
	}
	token, expiresAt, err := s.signer.Generate(material.ID, material.FilePath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
	}
	return &models.MaterialDownload{
		Material:    *material,
		DownloadURL: fmt.Sprintf("/api/v1/materials/download?token=%s", token),
		ExpiresAt:   expiresAt,
	}, nil
}

// ResolveDownload validates a signed token and returns the absolute file path
// along with the stored content type.
func (s *MaterialService) ResolveDownload(ctx context.Context, token string) (path, contentType string, err error) {
	materialID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return "", "", appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	material, err := s.repo.FindByID(ctx, materialID)
	if err != nil {
		return "", "", appErrors.Clone(appErrors.ErrNotFound, "material not found")
	}
	return s.store.Path(relPath), material.ContentType, nil
}

// Delete removes a material and its stored file.
func (s *MaterialService) Delete(ctx context.Context, materialID, actorID string, actorRole models.UserRole) error {
	material, err := s.repo.FindByID(ctx, materialID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "material not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load material")
	}
	course, err := s.loadCourse(ctx, material.CourseID)
	if err != nil {
		return err
	}
	if actorRole != models.RoleAdmin && course.InstructorID != actorID {
		return appErrors.Clone(appErrors.ErrForbidden, "not the instructor of this course")
	}
	if err := s.repo.Delete(ctx, materialID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete material")
	}
	if err := s.store.Delete(material.FilePath); err != nil {
		s.logger.Warn("failed to remove material file", zap.String("path", material.FilePath), zap.Error(err))
	}
	return nil
}

func (s *MaterialService) loadCourse(ctx context.Context, courseID string) (*models.Course, error) {
	course, err := s.courses.FindByID(ctx, courseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return course, nil
}

func (s *MaterialService) authorizeAccess(ctx context.Context, courseID, actorID string, actorRole models.UserRole) error {
	course, err := s.loadCourse(ctx, courseID)
	if err != nil {
		return err
	}
	switch actorRole {
	case models.RoleAdmin:
		return nil
	case models.RoleTeacher:
		if course.InstructorID != actorID {
			return appErrors.Clone(appErrors.ErrForbidden, "not the instructor of this course")
		}
		return nil
	case models.RoleStudent:
		enrollment, err := s.enrollments.FindByStudentAndCourse(ctx, actorID, courseID)
		if err != nil {
			if err == sql.ErrNoRows {
				return appErrors.Clone(appErrors.ErrForbidden, "not enrolled in this course")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
		}
		if enrollment.Status != models.EnrollmentStatusActive && enrollment.Status != models.EnrollmentStatusCompleted {
			return appErrors.Clone(appErrors.ErrForbidden, "enrollment not active")
		}
		return nil
	default:
		return appErrors.Clone(appErrors.ErrForbidden, "forbidden")
	}
}

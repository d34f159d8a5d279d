package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/learnspace/learnspace-api/internal/models"
)

type mirrorSource interface {
	ListByStudent(ctx context.Context, studentID string, status models.EnrollmentStatus) ([]models.EnrollmentWithCourse, error)
}

// EnrollmentMirror keeps a per-student snapshot of enrollments in Redis so
// read-heavy dashboard clients do not hit Postgres on every poll. The mirror
// is refreshed after every enrollment mutation; readers that miss fall back
// to the repository and repopulate.
type EnrollmentMirror struct {
	cache  *CacheService
	source mirrorSource
	ttl    time.Duration
	logger *zap.Logger
}

// NewEnrollmentMirror constructs the mirror.
func NewEnrollmentMirror(cache *CacheService, source mirrorSource, ttl time.Duration, logger *zap.Logger) *EnrollmentMirror {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentMirror{cache: cache, source: source, ttl: ttl, logger: logger}
}

func mirrorKey(studentID string) string {
	return fmt.Sprintf("enrollments:mirror:%s", studentID)
}

// Snapshot returns the mirrored enrollment list for a student, falling back to
// the repository on a miss and repopulating the mirror.
func (m *EnrollmentMirror) Snapshot(ctx context.Context, studentID string) ([]models.EnrollmentWithCourse, error) {
	if m == nil {
		return nil, fmt.Errorf("enrollment mirror not configured")
	}
	var cached []models.EnrollmentWithCourse
	hit, err := m.cache.Get(ctx, mirrorKey(studentID), &cached)
	if err == nil && hit {
		return cached, nil
	}

	enrollments, err := m.source.ListByStudent(ctx, studentID, "")
	if err != nil {
		return nil, err
	}
	if err := m.cache.Set(ctx, mirrorKey(studentID), enrollments, m.ttl); err != nil {
		m.logger.Warn("enrollment mirror repopulate failed", zap.String("student_id", studentID), zap.Error(err))
	}
	return enrollments, nil
}

// Refresh reloads a student's enrollments from the repository into the mirror.
// Mirror staleness never fails the calling mutation; failures are logged and
// the stale entry is dropped so the next read repopulates.
func (m *EnrollmentMirror) Refresh(ctx context.Context, studentID string) {
	if m == nil || !m.cache.Enabled() {
		return
	}
	enrollments, err := m.source.ListByStudent(ctx, studentID, "")
	if err != nil {
		m.logger.Warn("enrollment mirror refresh failed, dropping entry", zap.String("student_id", studentID), zap.Error(err))
		_ = m.cache.Delete(ctx, mirrorKey(studentID))
		return
	}
	if err := m.cache.Set(ctx, mirrorKey(studentID), enrollments, m.ttl); err != nil {
		m.logger.Warn("enrollment mirror write failed", zap.String("student_id", studentID), zap.Error(err))
	}
}

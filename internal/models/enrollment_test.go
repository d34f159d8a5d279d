package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnrollmentStatusCanTransition(t *testing.T) {
	cases := []struct {
		from, to EnrollmentStatus
		allowed  bool
	}{
		{EnrollmentStatusPendingPayment, EnrollmentStatusActive, true},
		{EnrollmentStatusPendingPayment, EnrollmentStatusCancelled, true},
		{EnrollmentStatusPendingPayment, EnrollmentStatusCompleted, false},
		{EnrollmentStatusActive, EnrollmentStatusCompleted, true},
		{EnrollmentStatusActive, EnrollmentStatusCancelled, true},
		{EnrollmentStatusActive, EnrollmentStatusPendingPayment, false},
		{EnrollmentStatusCompleted, EnrollmentStatusActive, false},
		{EnrollmentStatusCompleted, EnrollmentStatusCancelled, false},
		{EnrollmentStatusCancelled, EnrollmentStatusActive, false},
		{EnrollmentStatusCancelled, EnrollmentStatusCompleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestEnrollmentStatusTerminal(t *testing.T) {
	assert.False(t, EnrollmentStatusActive.Terminal())
	assert.False(t, EnrollmentStatusPendingPayment.Terminal())
	assert.True(t, EnrollmentStatusCompleted.Terminal())
	assert.True(t, EnrollmentStatusCancelled.Terminal())
}

func TestCourseIsFree(t *testing.T) {
	price := 49.90
	zero := 0.0
	assert.True(t, (&Course{}).IsFree())
	assert.True(t, (&Course{Price: &zero}).IsFree())
	assert.False(t, (&Course{Price: &price}).IsFree())
}

package models

import "time"

// Certificate records a completion certificate issued for an enrollment.
type Certificate struct {
	ID           string    `db:"id" json:"id"`
	EnrollmentID string    `db:"enrollment_id" json:"enrollment_id"`
	Serial       string    `db:"serial" json:"serial"`
	FilePath     string    `db:"file_path" json:"-"`
	IssuedAt     time.Time `db:"issued_at" json:"issued_at"`
}

// CertificateDownload couples a certificate with its signed download token.
type CertificateDownload struct {
	Certificate
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

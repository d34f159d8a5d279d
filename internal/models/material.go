package models

import "time"

// MaterialKind distinguishes the supported material formats.
type MaterialKind string

const (
	MaterialKindPDF   MaterialKind = "pdf"
	MaterialKindVideo MaterialKind = "video"
)

// Material represents a downloadable course asset stored on disk.
type Material struct {
	ID          string       `db:"id" json:"id"`
	CourseID    string       `db:"course_id" json:"course_id"`
	Title       string       `db:"title" json:"title"`
	Kind        MaterialKind `db:"kind" json:"kind"`
	FilePath    string       `db:"file_path" json:"-"`
	ContentType string       `db:"content_type" json:"content_type"`
	SizeBytes   int64        `db:"size_bytes" json:"size_bytes"`
	UploadedBy  string       `db:"uploaded_by" json:"uploaded_by"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// MaterialDownload couples a material with its signed download token.
type MaterialDownload struct {
	Material
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

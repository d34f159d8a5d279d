package models

import "time"

// CourseLevel indicates the target audience of a course.
type CourseLevel string

const (
	CourseLevelBeginner     CourseLevel = "beginner"
	CourseLevelIntermediate CourseLevel = "intermediate"
	CourseLevelAdvanced     CourseLevel = "advanced"
)

// Course represents a catalog entry taught by an instructor.
// A nil or zero Price means the course is free to enroll.
type Course struct {
	ID           string      `db:"id" json:"id"`
	Title        string      `db:"title" json:"title"`
	Description  string      `db:"description" json:"description"`
	Category     string      `db:"category" json:"category"`
	Level        CourseLevel `db:"level" json:"level"`
	InstructorID string      `db:"instructor_id" json:"instructor_id"`
	Price        *float64    `db:"price" json:"price,omitempty"`
	Published    bool        `db:"published" json:"published"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

// IsFree reports whether enrolling requires no payment.
func (c *Course) IsFree() bool {
	return c.Price == nil || *c.Price <= 0
}

// CourseDetail enriches Course with instructor identity.
type CourseDetail struct {
	Course
	InstructorName string `db:"instructor_name" json:"instructor_name"`
}

// CourseFilter provides filters for listing the catalog.
type CourseFilter struct {
	Category        string
	Level           CourseLevel
	InstructorID    string
	Search          string
	IncludeUnlisted bool
	Page            int
	PageSize        int
	SortBy          string
	SortOrder       string
}

package catalog

import (
	"context"
	"errors"
)

var (
	// ErrCourseNotFound no course with the requested id
	ErrCourseNotFound = errors.New("course not found")
	// ErrInvalidCatalog catalog data breaks prerequisite rules
	ErrInvalidCatalog = errors.New("invalid course catalog")
)

// Quiz attached to a lesson, opaque beyond its passing score
type Quiz struct {
	ID            string  `json:"id" yaml:"id"`
	QuestionCount int     `json:"question_count" yaml:"question_count"`
	PassingScore  float64 `json:"passing_score" yaml:"passing_score"` // percentage, 0-100
}

// Passed reports whether score reaches the passing threshold
func (q *Quiz) Passed(score float64) bool {
	return score >= q.PassingScore
}

// Lesson single unit of course content
type Lesson struct {
	ID              string   `json:"id" yaml:"id"`
	CourseID        string   `json:"course_id" yaml:"-"`
	Index           int      `json:"index" yaml:"-"`
	Title           string   `json:"title" yaml:"title"`
	MediaURL        string   `json:"media_url" yaml:"media_url"`
	DurationSeconds int      `json:"duration_seconds" yaml:"duration_seconds"`
	Quiz            *Quiz    `json:"quiz,omitempty" yaml:"quiz"`
	Prerequisites   []string `json:"prerequisites" yaml:"prerequisites"`
}

// HasQuiz .
func (l *Lesson) HasQuiz() bool {
	return l.Quiz != nil
}

// Course ordered lesson list, read-only once loaded
type Course struct {
	ID      string    `json:"id" yaml:"id"`
	Title   string    `json:"title" yaml:"title"`
	Lessons []*Lesson `json:"lessons" yaml:"lessons"`
}

// Lesson find lesson by id, returns its position in the course
func (c *Course) Lesson(id string) (*Lesson, int, bool) {
	for i, l := range c.Lessons {
		if l.ID == id {
			return l, i, true
		}
	}
	return nil, -1, false
}

// At returns the lesson at index, nil when out of range
func (c *Course) At(index int) *Lesson {
	if index < 0 || index >= len(c.Lessons) {
		return nil
	}
	return c.Lessons[index]
}

// CatalogRepository course storage
type CatalogRepository interface {
	// GetCourse returns ErrCourseNotFound when the course does not exist
	GetCourse(ctx context.Context, courseID string) (*Course, error)
}

// CatalogUseCase read side of the catalog consumed by the progression engine
type CatalogUseCase interface {
	GetCourse(ctx context.Context, courseID string) (*Course, error)
	GetLessons(ctx context.Context, courseID string) ([]*Lesson, error)
	CountLessons(ctx context.Context, courseID string) (int, error)
}

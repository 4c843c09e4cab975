package progress

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"time"
)

// ErrProgressNotFound nothing stored yet for the key, callers start from NewRecord
var ErrProgressNotFound = errors.New("progress not found")

// Key identifies one progress record. CohortID is optional.
type Key struct {
	LearnerID string `json:"learner_id"`
	CourseID  string `json:"course_id"`
	CohortID  string `json:"cohort_id,omitempty"`
}

func (k Key) String() string {
	if k.CohortID == "" {
		return k.LearnerID + ":" + k.CourseID
	}
	return k.LearnerID + ":" + k.CourseID + ":" + k.CohortID
}

// IDSet set of lesson ids, encoded as a sorted JSON array
type IDSet map[string]struct{}

// NewIDSet .
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has .
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add returns false if id was already present
func (s IDSet) Add(id string) bool {
	if s.Has(id) {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Len .
func (s IDSet) Len() int {
	return len(s)
}

// Slice sorted members
func (s IDSet) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// Playback resume state of one lesson video
type Playback struct {
	PositionSeconds float64   `json:"last_position"`
	Percent         float64   `json:"progress_percentage"`
	Rate            float64   `json:"playback_rate"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Record learner progress in one course. Completion sets only grow.
type Record struct {
	CompletedLessons   IDSet                `json:"completed_lessons"`
	CompletedQuizzes   IDSet                `json:"completed_quizzes"`
	LastAccessedLesson string               `json:"last_accessed_lesson,omitempty"`
	Playback           map[string]*Playback `json:"playback"`
}

// NewRecord empty record with every field initialized
func NewRecord() *Record {
	return &Record{
		CompletedLessons: NewIDSet(),
		CompletedQuizzes: NewIDSet(),
		Playback:         make(map[string]*Playback),
	}
}

// Clone deep copy
func (r *Record) Clone() *Record {
	c := NewRecord()
	for id := range r.CompletedLessons {
		c.CompletedLessons[id] = struct{}{}
	}
	for id := range r.CompletedQuizzes {
		c.CompletedQuizzes[id] = struct{}{}
	}
	for id, p := range r.Playback {
		cp := *p
		c.Playback[id] = &cp
	}
	c.LastAccessedLesson = r.LastAccessedLesson
	return c
}

// Merge union other into r, r keeps its own last accessed lesson when set
func (r *Record) Merge(other *Record) {
	for id := range other.CompletedLessons {
		r.CompletedLessons.Add(id)
	}
	for id := range other.CompletedQuizzes {
		r.CompletedQuizzes.Add(id)
	}
	for id, p := range other.Playback {
		if cur, ok := r.Playback[id]; !ok || cur.UpdatedAt.Before(p.UpdatedAt) {
			cp := *p
			r.Playback[id] = &cp
		}
	}
	if r.LastAccessedLesson == "" {
		r.LastAccessedLesson = other.LastAccessedLesson
	}
}

// QuizAttempt one submitted quiz
type QuizAttempt struct {
	ID          string          `json:"id"`
	LessonID    string          `json:"lesson_id"`
	QuizID      string          `json:"quiz_id"`
	Score       float64         `json:"score"`
	Passed      bool            `json:"passed"`
	Answers     json.RawMessage `json:"answers,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// PlaybackUpdate periodic resume position report
type PlaybackUpdate struct {
	ProgressPercentage float64 `json:"progress_percentage" validate:"gte=0,lte=100"`
	LastPosition       float64 `json:"last_position" validate:"gte=0"`
	PlaybackRate       float64 `json:"playback_rate" validate:"gte=0,lte=16"`
}

// Enrollment aggregate course completion
type Enrollment struct {
	CourseID           string  `json:"course_id"`
	CompletedLessons   int     `json:"completed_lessons"`
	TotalLessons       int     `json:"total_lessons"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// NewEnrollment compute percentage rounded to two decimals, zero lessons yields 0
func NewEnrollment(courseID string, completed, total int) *Enrollment {
	if completed > total {
		completed = total
	}
	e := &Enrollment{CourseID: courseID, CompletedLessons: completed, TotalLessons: total}
	if total > 0 {
		e.ProgressPercentage = math.Round(float64(completed)*10000/float64(total)) / 100
	}
	return e
}

// LessonCounter source of the course size used for enrollment percentage
type LessonCounter interface {
	CountLessons(ctx context.Context, courseID string) (int, error)
}

// Store persists progress records. Completion membership is add-only:
// no write removes an id except Reset.
type Store interface {
	// GetProgress returns ErrProgressNotFound when nothing is stored for key
	GetProgress(ctx context.Context, key Key) (*Record, error)
	// MarkLessonComplete idempotent, also records lessonID as last accessed
	MarkLessonComplete(ctx context.Context, key Key, lessonID string) error
	// MarkQuizComplete stores the attempt, marks the owning lesson quiz complete when it passed
	MarkQuizComplete(ctx context.Context, key Key, attempt *QuizAttempt) error
	// UpdateLessonProgress writes resume state only
	UpdateLessonProgress(ctx context.Context, key Key, lessonID string, update *PlaybackUpdate) error
	GetEnrollmentProgress(ctx context.Context, key Key) (*Enrollment, error)
	Reset(ctx context.Context, key Key) error
}

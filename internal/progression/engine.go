package progression

import (
	"fmt"

	"github.com/pot-code/lesson-gate/internal/catalog"
	"github.com/pot-code/lesson-gate/internal/progress"
)

// DefaultCompletionThreshold watched fraction at which a video counts as complete
const DefaultCompletionThreshold = 0.85

// Status lesson state from the learner's point of view
type Status int

const (
	Locked Status = iota
	Unlocked
	// Watched video complete, quiz pending
	Watched
	// Complete terminal
	Complete
)

var statusNames = [...]string{"locked", "unlocked", "watched", "complete"}

func (s Status) String() string {
	if s < Locked || s > Complete {
		return "unknown"
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown lesson status %q", text)
}

// CrossedCompletion reports whether percent (0-100) reaches threshold (0-1)
func CrossedCompletion(percent, threshold float64) bool {
	return percent/100 >= threshold
}

// LessonView per lesson read model used to render the lesson list
type LessonView struct {
	ID              string             `json:"id"`
	Index           int                `json:"index"`
	Title           string             `json:"title"`
	MediaURL        string             `json:"media_url"`
	DurationSeconds int                `json:"duration_seconds"`
	HasQuiz         bool               `json:"has_quiz"`
	QuizID          string             `json:"quiz_id,omitempty"`
	Prerequisites   []string           `json:"prerequisites"`
	Locked          bool               `json:"locked"`
	Completed       bool               `json:"completed"`
	QuizPending     bool               `json:"quiz_pending"`
	Status          Status             `json:"status"`
	Playback        *progress.Playback `json:"playback,omitempty"`
}

// Engine answers gating questions for one course and one progress record.
// It holds no state of its own.
type Engine struct {
	course *catalog.Course
	record *progress.Record
}

// NewEngine .
func NewEngine(course *catalog.Course, record *progress.Record) *Engine {
	return &Engine{course: course, record: record}
}

// IsAccessible every prerequisite of lesson is complete
func (e *Engine) IsAccessible(lesson *catalog.Lesson) bool {
	for _, p := range lesson.Prerequisites {
		if !e.record.CompletedLessons.Has(p) {
			return false
		}
	}
	return true
}

// IsLessonComplete video of lesson was watched past the threshold
func (e *Engine) IsLessonComplete(lesson *catalog.Lesson) bool {
	return e.record.CompletedLessons.Has(lesson.ID)
}

// IsQuizComplete true for lessons without quiz
func (e *Engine) IsQuizComplete(lesson *catalog.Lesson) bool {
	if !lesson.HasQuiz() {
		return true
	}
	return e.record.CompletedQuizzes.Has(lesson.ID)
}

// CanAdvanceToNext watched is whether current was watched in this viewing
func (e *Engine) CanAdvanceToNext(current, next *catalog.Lesson, watched bool) bool {
	return next != nil &&
		e.IsAccessible(next) &&
		watched &&
		e.IsQuizComplete(current)
}

// Status a completed lesson never goes back to Locked
func (e *Engine) Status(lesson *catalog.Lesson) Status {
	switch {
	case e.IsLessonComplete(lesson) && e.IsQuizComplete(lesson):
		return Complete
	case e.IsLessonComplete(lesson):
		return Watched
	case e.IsAccessible(lesson):
		return Unlocked
	default:
		return Locked
	}
}

// CanOpen lesson can be displayed
func (e *Engine) CanOpen(lesson *catalog.Lesson) bool {
	return e.Status(lesson) != Locked
}

func (e *Engine) View(lesson *catalog.Lesson) *LessonView {
	status := e.Status(lesson)
	v := &LessonView{
		ID:              lesson.ID,
		Index:           lesson.Index,
		Title:           lesson.Title,
		MediaURL:        lesson.MediaURL,
		DurationSeconds: lesson.DurationSeconds,
		HasQuiz:         lesson.HasQuiz(),
		Prerequisites:   lesson.Prerequisites,
		Locked:          status == Locked,
		Completed:       e.IsLessonComplete(lesson),
		QuizPending:     status == Watched,
		Status:          status,
	}
	if lesson.HasQuiz() {
		v.QuizID = lesson.Quiz.ID
	}
	if p, ok := e.record.Playback[lesson.ID]; ok {
		cp := *p
		v.Playback = &cp
	}
	return v
}

func (e *Engine) Views() []*LessonView {
	views := make([]*LessonView, len(e.course.Lessons))
	for i, l := range e.course.Lessons {
		views[i] = e.View(l)
	}
	return views
}

// Enrollment completion percentage counting only lessons of the course
func (e *Engine) Enrollment() *progress.Enrollment {
	completed := 0
	for _, l := range e.course.Lessons {
		if e.IsLessonComplete(l) {
			completed++
		}
	}
	return progress.NewEnrollment(e.course.ID, completed, len(e.course.Lessons))
}

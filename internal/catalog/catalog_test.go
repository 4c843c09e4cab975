package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pot-code/lesson-gate/internal/infrastructure/driver"
	"go.uber.org/zap"
)

const sampleCatalog = `
courses:
  - id: go-basics
    title: Go Basics
    lessons:
      - id: intro
        title: Introduction
        media_url: https://cdn.example.com/intro.mp4
        duration_seconds: 300
      - id: types
        title: Types
        duration_seconds: 420
        prerequisites: [intro]
        quiz:
          id: types-quiz
          question_count: 5
          passing_score: 80
      - id: funcs
        title: Functions
        prerequisites: [intro, types]
  - id: empty
    title: Nothing yet
`

func lesson(id string, prerequisites ...string) *Lesson {
	return &Lesson{ID: id, Prerequisites: prerequisites}
}

func TestParseCatalog(t *testing.T) {
	repo, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}

	course, err := repo.GetCourse(context.Background(), "go-basics")
	if err != nil {
		t.Fatalf("GetCourse: %v", err)
	}
	if len(course.Lessons) != 3 {
		t.Fatalf("lessons = %d, want 3", len(course.Lessons))
	}
	types := course.Lessons[1]
	if types.Index != 1 || types.CourseID != "go-basics" {
		t.Fatalf("types lesson not normalized: index=%d course=%q", types.Index, types.CourseID)
	}
	if !types.HasQuiz() || types.Quiz.PassingScore != 80 {
		t.Fatalf("types quiz = %+v", types.Quiz)
	}
	if course.Lessons[0].Prerequisites == nil {
		t.Fatalf("prerequisites should default to an empty list")
	}

	empty, err := repo.GetCourse(context.Background(), "empty")
	if err != nil || len(empty.Lessons) != 0 {
		t.Fatalf("empty course = %+v, %v", empty, err)
	}

	if _, err := repo.GetCourse(context.Background(), "missing"); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("missing course err = %v, want ErrCourseNotFound", err)
	}
}

func TestParseCatalogRejectsCycle(t *testing.T) {
	doc := `
courses:
  - id: c
    lessons:
      - id: a
        prerequisites: [b]
      - id: b
        prerequisites: [a]
`
	if _, err := ParseCatalog([]byte(doc)); !errors.Is(err, ErrInvalidCatalog) {
		t.Fatalf("err = %v, want ErrInvalidCatalog", err)
	}
}

func TestValidateCourse(t *testing.T) {
	cases := []struct {
		name    string
		lessons []*Lesson
		ok      bool
	}{
		{"no prerequisites", []*Lesson{lesson("a"), lesson("b")}, true},
		{"chain", []*Lesson{lesson("a"), lesson("b", "a"), lesson("c", "b", "a")}, true},
		{"forward reference", []*Lesson{lesson("a", "b"), lesson("b")}, true},
		{"duplicated prerequisite", []*Lesson{lesson("a"), lesson("b", "a", "a")}, true},
		{"self reference", []*Lesson{lesson("a", "a")}, false},
		{"outside course", []*Lesson{lesson("a", "zz")}, false},
		{"cycle", []*Lesson{lesson("a", "c"), lesson("b", "a"), lesson("c", "b")}, false},
		{"duplicated lesson", []*Lesson{lesson("a"), lesson("a")}, false},
		{"quiz without id", []*Lesson{{ID: "a", Quiz: &Quiz{}}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateCourse(&Course{ID: "course", Lessons: c.lessons})
			if c.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !c.ok && !errors.Is(err, ErrInvalidCatalog) {
				t.Fatalf("err = %v, want ErrInvalidCatalog", err)
			}
		})
	}
}

func TestQuizPassed(t *testing.T) {
	q := &Quiz{ID: "q", PassingScore: 70}
	if !q.Passed(70) || !q.Passed(100) {
		t.Fatalf("score at or above threshold should pass")
	}
	if q.Passed(69.9) {
		t.Fatalf("score below threshold should fail")
	}
}

type countingRepository struct {
	calls  int32
	course *Course
	err    error
}

func (r *countingRepository) GetCourse(ctx context.Context, courseID string) (*Course, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.err != nil {
		return nil, r.err
	}
	return r.course, nil
}

func TestCachedRepository(t *testing.T) {
	ctx := context.Background()
	source := &countingRepository{course: &Course{ID: "c", Title: "C", Lessons: []*Lesson{
		{ID: "a", CourseID: "c", Prerequisites: []string{}},
		{ID: "b", CourseID: "c", Index: 1, Prerequisites: []string{"a"}, Quiz: &Quiz{ID: "q", PassingScore: 50}},
	}}}
	cache := NewCachedRepository(source, memoryKV(t), time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		course, err := cache.GetCourse(ctx, "c")
		if err != nil {
			t.Fatalf("GetCourse: %v", err)
		}
		if len(course.Lessons) != 2 || course.Lessons[1].Quiz.ID != "q" {
			t.Fatalf("cached course = %+v", course)
		}
	}
	if source.calls != 1 {
		t.Fatalf("source calls = %d, want 1", source.calls)
	}

	if err := cache.Invalidate(ctx, "c"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	cache.GetCourse(ctx, "c")
	if source.calls != 2 {
		t.Fatalf("source calls after invalidate = %d, want 2", source.calls)
	}
}

func TestCachedRepositoryDoesNotCacheMisses(t *testing.T) {
	source := &countingRepository{err: ErrCourseNotFound}
	cache := NewCachedRepository(source, memoryKV(t), time.Minute, zap.NewNop())

	for i := 0; i < 2; i++ {
		if _, err := cache.GetCourse(context.Background(), "c"); !errors.Is(err, ErrCourseNotFound) {
			t.Fatalf("err = %v, want ErrCourseNotFound", err)
		}
	}
	if source.calls != 2 {
		t.Fatalf("source calls = %d, want 2", source.calls)
	}
}

func TestCatalogUseCase(t *testing.T) {
	repo, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	uc := NewCatalogUseCase(repo)

	n, err := uc.CountLessons(context.Background(), "go-basics")
	if err != nil || n != 3 {
		t.Fatalf("CountLessons = %d, %v; want 3", n, err)
	}
	lessons, err := uc.GetLessons(context.Background(), "go-basics")
	if err != nil || lessons[2].ID != "funcs" {
		t.Fatalf("GetLessons = %v, %v", lessons, err)
	}

	broken := &countingRepository{course: &Course{ID: "x", Lessons: []*Lesson{lesson("a", "a")}}}
	if _, err := NewCatalogUseCase(broken).GetCourse(context.Background(), "x"); !errors.Is(err, ErrInvalidCatalog) {
		t.Fatalf("err = %v, want ErrInvalidCatalog", err)
	}
}

func memoryKV(t *testing.T) *driver.MemoryKV {
	t.Helper()
	kv, err := driver.NewMemoryKV()
	if err != nil {
		t.Fatalf("NewMemoryKV: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pot-code/lesson-gate/internal/infrastructure/driver"
	"go.elastic.co/apm"
)

const kvKeyPrefix = "progress:"

// ProgressKV progress kept in a key-value store, one set per completion kind
type ProgressKV struct {
	KV      driver.KeyValueDB
	Counter LessonCounter
	now     func() time.Time
}

var _ Store = &ProgressKV{}

func NewProgressKV(KV driver.KeyValueDB, Counter LessonCounter) *ProgressKV {
	return &ProgressKV{
		KV:      KV,
		Counter: Counter,
		now:     time.Now,
	}
}

type kvKeys struct {
	lessons, quizzes, last, playback, attempts string
}

func keysOf(key Key) kvKeys {
	base := kvKeyPrefix + key.String()
	return kvKeys{
		lessons:  base + ":lessons",
		quizzes:  base + ":quizzes",
		last:     base + ":last",
		playback: base + ":playback",
		attempts: base + ":attempts",
	}
}

func (s *ProgressKV) GetProgress(ctx context.Context, key Key) (*Record, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "ProgressKV.GetProgress", "db")
	defer apmSpan.End()

	keys := keysOf(key)
	record := NewRecord()
	found := false

	lessons, err := s.KV.SMembers(ctx, keys.lessons)
	if err != nil {
		return nil, err
	}
	quizzes, err := s.KV.SMembers(ctx, keys.quizzes)
	if err != nil {
		return nil, err
	}
	record.CompletedLessons = NewIDSet(lessons...)
	record.CompletedQuizzes = NewIDSet(quizzes...)
	found = len(lessons) > 0 || len(quizzes) > 0

	last, err := s.KV.Get(ctx, keys.last)
	switch {
	case err == nil:
		record.LastAccessedLesson = last
		found = true
	case !errors.Is(err, driver.ErrKeyNotFound):
		return nil, err
	}

	playback, err := s.KV.HGetAll(ctx, keys.playback)
	if err != nil {
		return nil, err
	}
	for lessonID, raw := range playback {
		p := new(Playback)
		if err := json.Unmarshal([]byte(raw), p); err != nil {
			return nil, fmt.Errorf("decode playback of lesson %s: %w", lessonID, err)
		}
		record.Playback[lessonID] = p
		found = true
	}

	if !found {
		return nil, ErrProgressNotFound
	}
	return record, nil
}

func (s *ProgressKV) MarkLessonComplete(ctx context.Context, key Key, lessonID string) error {
	apmSpan, ctx := apm.StartSpan(ctx, "ProgressKV.MarkLessonComplete", "db")
	defer apmSpan.End()

	keys := keysOf(key)
	if err := s.KV.SAdd(ctx, keys.lessons, lessonID); err != nil {
		return err
	}
	return s.KV.SetEX(ctx, keys.last, lessonID, 0)
}

func (s *ProgressKV) MarkQuizComplete(ctx context.Context, key Key, attempt *QuizAttempt) error {
	apmSpan, ctx := apm.StartSpan(ctx, "ProgressKV.MarkQuizComplete", "db")
	defer apmSpan.End()

	keys := keysOf(key)
	data, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	if err := s.KV.HSet(ctx, keys.attempts, attempt.ID, string(data)); err != nil {
		return err
	}
	if !attempt.Passed {
		return nil
	}
	return s.KV.SAdd(ctx, keys.quizzes, attempt.LessonID)
}

func (s *ProgressKV) UpdateLessonProgress(ctx context.Context, key Key, lessonID string, update *PlaybackUpdate) error {
	data, err := json.Marshal(&Playback{
		PositionSeconds: update.LastPosition,
		Percent:         update.ProgressPercentage,
		Rate:            update.PlaybackRate,
		UpdatedAt:       s.now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.KV.HSet(ctx, keysOf(key).playback, lessonID, string(data))
}

func (s *ProgressKV) GetEnrollmentProgress(ctx context.Context, key Key) (*Enrollment, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "ProgressKV.GetEnrollmentProgress", "db")
	defer apmSpan.End()

	total, err := s.Counter.CountLessons(ctx, key.CourseID)
	if err != nil {
		return nil, err
	}
	lessons, err := s.KV.SMembers(ctx, keysOf(key).lessons)
	if err != nil {
		return nil, err
	}
	return NewEnrollment(key.CourseID, len(lessons), total), nil
}

func (s *ProgressKV) Reset(ctx context.Context, key Key) error {
	keys := keysOf(key)
	return s.KV.Del(ctx, keys.lessons, keys.quizzes, keys.last, keys.playback, keys.attempts)
}

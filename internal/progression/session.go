package progression

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pot-code/lesson-gate/internal/catalog"
	"github.com/pot-code/lesson-gate/internal/infrastructure/logging"
	"github.com/pot-code/lesson-gate/internal/infrastructure/uuid"
	"github.com/pot-code/lesson-gate/internal/progress"
	"go.uber.org/zap"
)

var (
	ErrLessonLocked       = errors.New("lesson is locked")
	ErrLessonNotFound     = errors.New("lesson not found in course")
	ErrNoQuiz             = errors.New("lesson has no quiz")
	ErrQuizMismatch       = errors.New("quiz does not belong to lesson")
	ErrQuizNotReady       = errors.New("lesson video is not completed yet")
	ErrCannotAdvance      = errors.New("cannot advance to next lesson")
	ErrEmptyCourse        = errors.New("course has no lessons")
	ErrCatalogUnavailable = errors.New("course catalog unavailable")
	ErrSessionClosed      = errors.New("session closed")
)

const playbackWriteTimeout = 5 * time.Second

// catalogError keeps the catalog cause while matching ErrCatalogUnavailable
type catalogError struct {
	err error
}

func (e *catalogError) Error() string {
	return ErrCatalogUnavailable.Error() + ": " + e.err.Error()
}

func (e *catalogError) Is(target error) bool {
	return target == ErrCatalogUnavailable
}

func (e *catalogError) Unwrap() error {
	return e.err
}

// Options session behavior
type Options struct {
	CompletionThreshold float64
	AutoAdvance         bool
	AutoAdvanceDelay    time.Duration
	MaxPendingWrites    int
	Logger              *zap.Logger
	IDGenerator         uuid.Generator
}

func (o Options) withDefaults() Options {
	if o.CompletionThreshold <= 0 || o.CompletionThreshold > 1 {
		o.CompletionThreshold = DefaultCompletionThreshold
	}
	if o.MaxPendingWrites <= 0 {
		o.MaxPendingWrites = 64
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.IDGenerator == nil {
		o.IDGenerator = uuid.NewNanoIDGenerator(21).WithPrefix("qa_")
	}
	return o
}

// EventType kind of session change pushed to subscribers
type EventType string

const (
	EventLessonCompleted EventType = "lesson_completed"
	EventQuizPending     EventType = "quiz_pending"
	EventQuizPassed      EventType = "quiz_passed"
	EventQuizFailed      EventType = "quiz_failed"
	EventNavigated       EventType = "navigated"
	EventAutoAdvanced    EventType = "auto_advanced"
)

// Event session change
type Event struct {
	Type     EventType `json:"type"`
	LessonID string    `json:"lesson_id,omitempty"`
	Snapshot *Snapshot `json:"snapshot"`
}

// QuizOutcome result reported by the quiz surface. When Score is set it is
// evaluated against the quiz passing score and Passed is ignored.
type QuizOutcome struct {
	QuizID  string
	Score   *float64
	Passed  bool
	Answers json.RawMessage
}

// Snapshot session state for the lesson page
type Snapshot struct {
	CourseID      string               `json:"course_id"`
	CourseTitle   string               `json:"course_title"`
	CohortID      string               `json:"cohort_id,omitempty"`
	CurrentIndex  int                  `json:"current_index"`
	CurrentLesson string               `json:"current_lesson_id"`
	Watched       bool                 `json:"watched"`
	QuizPending   bool                 `json:"quiz_pending"`
	CanAdvance    bool                 `json:"can_advance"`
	AutoAdvancing bool                 `json:"auto_advancing"`
	Lessons       []*LessonView        `json:"lessons"`
	Enrollment    *progress.Enrollment `json:"enrollment"`
	PendingWrites int                  `json:"-"`
}

type timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Session progression state of one learner viewing one course. All methods
// are safe for concurrent use; store calls run outside the session lock.
type Session struct {
	mu         sync.Mutex
	key        progress.Key
	course     *catalog.Course
	record     *progress.Record
	store      progress.Store
	outbox     *Outbox
	opts       Options
	logger     *zap.Logger
	enrollment *progress.Enrollment
	degraded   bool
	closed     bool

	current int
	watched bool
	// gen changes on every navigation, stale timers and writes compare against it
	gen          uint64
	lessonCtx    context.Context
	lessonCancel context.CancelFunc
	autoAdvance  timer
	playback     sync.WaitGroup

	listeners    map[int]func(Event)
	nextListener int
	lastUsed     time.Time

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer
}

// LoadSession read the course and the learner record. A failed progress read
// starts from an empty record that is merged with the stored one once the
// store is reachable again.
func LoadSession(ctx context.Context, key progress.Key, catalogUC catalog.CatalogUseCase, store progress.Store, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With(
		zap.String("progress.learner_id", key.LearnerID),
		zap.String("progress.course_id", key.CourseID),
		zap.String("progress.cohort_id", key.CohortID))

	course, err := catalogUC.GetCourse(ctx, key.CourseID)
	if err != nil {
		return nil, &catalogError{err}
	}
	if len(course.Lessons) == 0 {
		return nil, ErrEmptyCourse
	}

	degraded := false
	record, err := store.GetProgress(ctx, key)
	switch {
	case errors.Is(err, progress.ErrProgressNotFound):
		record = progress.NewRecord()
	case err != nil:
		logging.ExtractLoggerFromContext(ctx, logger).Warn("load progress failed, starting from empty record", zap.Error(err))
		record = progress.NewRecord()
		degraded = true
	}

	s := &Session{
		key:       key,
		course:    course,
		record:    record,
		store:     store,
		outbox:    newOutbox(store, key, opts.MaxPendingWrites, logger),
		opts:      opts,
		logger:    logger,
		degraded:  degraded,
		listeners: make(map[int]func(Event)),
		now:       time.Now,
		afterFunc: realAfterFunc,
	}
	s.lessonCtx, s.lessonCancel = s.newLessonContext()
	s.lastUsed = s.now()

	e := s.engine()
	if l, i, ok := course.Lesson(record.LastAccessedLesson); ok && e.CanOpen(l) {
		s.current = i
	}
	s.watched = e.IsLessonComplete(course.Lessons[s.current])
	s.enrollment = e.Enrollment()
	return s, nil
}

func (s *Session) newLessonContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(logging.SetLoggerInContext(context.Background(), s.logger))
}

func (s *Session) engine() *Engine {
	return NewEngine(s.course, s.record)
}

// Key .
func (s *Session) Key() progress.Key {
	return s.key
}

// Course .
func (s *Session) Course() *catalog.Course {
	return s.course
}

// CompletionThreshold watched fraction that completes a video
func (s *Session) CompletionThreshold() float64 {
	return s.opts.CompletionThreshold
}

// LastUsed time of the last learner event
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Closed session was evicted or reset, callers should load a new one
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Current lesson on display
func (s *Session) Current() *catalog.Lesson {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.course.Lessons[s.current]
}

// CanAdvance whether navigation to the next lesson is allowed now
func (s *Session) CanAdvance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canAdvanceLocked()
}

func (s *Session) canAdvanceLocked() bool {
	return s.engine().CanAdvanceToNext(s.course.At(s.current), s.course.At(s.current+1), s.watched)
}

// Record copy of the in-memory progress record
func (s *Session) Record() *progress.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Clone()
}

// Snapshot .
func (s *Session) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *Snapshot {
	e := s.engine()
	cur := s.course.Lessons[s.current]
	enrollment := *s.enrollment
	return &Snapshot{
		CourseID:      s.course.ID,
		CourseTitle:   s.course.Title,
		CohortID:      s.key.CohortID,
		CurrentIndex:  s.current,
		CurrentLesson: cur.ID,
		Watched:       s.watched,
		QuizPending:   e.Status(cur) == Watched,
		CanAdvance:    s.canAdvanceLocked(),
		AutoAdvancing: s.autoAdvance != nil,
		Lessons:       e.Views(),
		Enrollment:    &enrollment,
		PendingWrites: s.outbox.Len(),
	}
}

// Subscribe fn is called outside the session lock after every change
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) publish(events []EventType, lessonID string) *Snapshot {
	s.mu.Lock()
	snapshot := s.snapshotLocked()
	listeners := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, t := range events {
		for _, fn := range listeners {
			fn(Event{Type: t, LessonID: lessonID, Snapshot: snapshot})
		}
	}
	return snapshot
}

// lookupLocked resolve lessonID and check it can be opened
func (s *Session) lookupLocked(lessonID string) (*catalog.Lesson, int, error) {
	if s.closed {
		return nil, -1, ErrSessionClosed
	}
	lesson, idx, ok := s.course.Lesson(lessonID)
	if !ok {
		return nil, -1, ErrLessonNotFound
	}
	if !s.engine().CanOpen(lesson) {
		return nil, -1, ErrLessonLocked
	}
	s.lastUsed = s.now()
	return lesson, idx, nil
}

// OnVideoCompleted video of lessonID crossed the completion threshold
func (s *Session) OnVideoCompleted(ctx context.Context, lessonID string) (*Snapshot, error) {
	s.mu.Lock()
	lesson, idx, err := s.lookupLocked(lessonID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	var events []EventType
	if s.record.CompletedLessons.Add(lesson.ID) {
		s.record.LastAccessedLesson = lesson.ID
		s.outbox.add(&pendingWrite{kind: writeLesson, lessonID: lesson.ID})
		events = append(events, EventLessonCompleted)
	}
	if idx == s.current {
		s.watched = true
	}
	if !s.engine().IsQuizComplete(lesson) {
		events = append(events, EventQuizPending)
	} else if idx == s.current {
		s.scheduleAutoAdvanceLocked()
	}
	s.enrollment = s.engine().Enrollment()
	dirty := s.outbox.Len() > 0
	s.mu.Unlock()

	if dirty {
		s.Flush(ctx)
	}
	return s.publish(events, lesson.ID), nil
}

// OnQuizOutcome a failed outcome changes nothing and the learner stays gated
func (s *Session) OnQuizOutcome(ctx context.Context, lessonID string, outcome *QuizOutcome) (*Snapshot, error) {
	attemptID, err := s.opts.IDGenerator.Generate()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	lesson, idx, err := s.lookupLocked(lessonID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !lesson.HasQuiz() {
		s.mu.Unlock()
		return nil, ErrNoQuiz
	}
	if outcome.QuizID != "" && outcome.QuizID != lesson.Quiz.ID {
		s.mu.Unlock()
		return nil, ErrQuizMismatch
	}
	if !s.engine().IsLessonComplete(lesson) {
		s.mu.Unlock()
		return nil, ErrQuizNotReady
	}

	attempt := &progress.QuizAttempt{
		ID:          attemptID,
		LessonID:    lesson.ID,
		QuizID:      lesson.Quiz.ID,
		Passed:      outcome.Passed,
		Answers:     outcome.Answers,
		SubmittedAt: s.now().UTC(),
	}
	if outcome.Score != nil {
		attempt.Score = *outcome.Score
		attempt.Passed = lesson.Quiz.Passed(*outcome.Score)
	}

	if !attempt.Passed {
		s.mu.Unlock()
		// attempt history only, progress is untouched
		if err := s.store.MarkQuizComplete(ctx, s.key, attempt); err != nil {
			logging.ExtractLoggerFromContext(ctx, s.logger).Warn("record failed quiz attempt",
				zap.String("progress.lesson_id", lesson.ID), zap.Error(err))
		}
		return s.publish([]EventType{EventQuizFailed}, lesson.ID), nil
	}

	var events []EventType
	if s.record.CompletedQuizzes.Add(lesson.ID) {
		s.outbox.add(&pendingWrite{kind: writeQuiz, lessonID: lesson.ID, attempt: attempt})
		events = append(events, EventQuizPassed)
	}
	if idx == s.current {
		s.scheduleAutoAdvanceLocked()
	}
	dirty := s.outbox.Len() > 0
	s.mu.Unlock()

	if dirty {
		s.Flush(ctx)
	}
	return s.publish(events, lesson.ID), nil
}

// OnPlaybackProgress store resume position without waiting for the write.
// Updates for a lesson other than the current one are ignored. crossed
// reports that percent reached the completion threshold on an incomplete lesson.
func (s *Session) OnPlaybackProgress(ctx context.Context, lessonID string, update progress.PlaybackUpdate) (crossed bool, err error) {
	s.mu.Lock()
	lesson, idx, err := s.lookupLocked(lessonID)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	if idx != s.current {
		s.mu.Unlock()
		logging.ExtractLoggerFromContext(ctx, s.logger).Debug("ignore playback update for previous lesson",
			zap.String("progress.lesson_id", lessonID))
		return false, nil
	}

	s.record.Playback[lesson.ID] = &progress.Playback{
		PositionSeconds: update.LastPosition,
		Percent:         update.ProgressPercentage,
		Rate:            update.PlaybackRate,
		UpdatedAt:       s.now().UTC(),
	}
	crossed = CrossedCompletion(update.ProgressPercentage, s.opts.CompletionThreshold) &&
		!s.engine().IsLessonComplete(lesson)
	gen, lessonCtx := s.gen, s.lessonCtx
	s.playback.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.playback.Done()
		wctx, cancel := context.WithTimeout(lessonCtx, playbackWriteTimeout)
		defer cancel()
		if wctx.Err() != nil {
			return
		}
		err := s.store.UpdateLessonProgress(wctx, s.key, lesson.ID, &update)

		s.mu.Lock()
		stale := gen != s.gen
		s.mu.Unlock()
		if err != nil && !stale && !errors.Is(err, context.Canceled) {
			s.logger.Warn("persist playback position failed",
				zap.String("progress.lesson_id", lesson.ID), zap.Error(err))
		}
	}()
	return crossed, nil
}

// NavigateTo a locked or missing target is rejected and nothing changes
func (s *Session) NavigateTo(index int) (*Snapshot, error) {
	return s.navigate(func() (int, error) {
		return index, nil
	})
}

// Advance go to the next lesson when the current one is satisfied
func (s *Session) Advance() (*Snapshot, error) {
	return s.navigate(func() (int, error) {
		if !s.canAdvanceLocked() {
			return 0, ErrCannotAdvance
		}
		return s.current + 1, nil
	})
}

// Previous .
func (s *Session) Previous() (*Snapshot, error) {
	return s.navigate(func() (int, error) {
		return s.current - 1, nil
	})
}

func (s *Session) navigate(target func() (int, error)) (*Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	idx, err := target()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	lesson := s.course.At(idx)
	if lesson == nil || !s.engine().CanOpen(lesson) {
		s.mu.Unlock()
		return nil, ErrLessonLocked
	}
	s.lastUsed = s.now()
	s.moveLocked(idx)
	s.mu.Unlock()

	return s.publish([]EventType{EventNavigated}, lesson.ID), nil
}

// moveLocked switch the current lesson, dropping work tied to the previous one
func (s *Session) moveLocked(idx int) {
	s.stopAutoAdvanceLocked()
	s.lessonCancel()
	s.lessonCtx, s.lessonCancel = s.newLessonContext()
	s.gen++
	s.current = idx
	s.watched = s.engine().IsLessonComplete(s.course.Lessons[idx])
}

func (s *Session) scheduleAutoAdvanceLocked() {
	if !s.opts.AutoAdvance || s.closed || !s.canAdvanceLocked() {
		return
	}
	s.stopAutoAdvanceLocked()
	gen := s.gen
	s.autoAdvance = s.afterFunc(s.opts.AutoAdvanceDelay, func() {
		s.fireAutoAdvance(gen)
	})
}

func (s *Session) stopAutoAdvanceLocked() {
	if s.autoAdvance != nil {
		s.autoAdvance.Stop()
		s.autoAdvance = nil
	}
}

func (s *Session) fireAutoAdvance(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.autoAdvance = nil
	if !s.canAdvanceLocked() {
		s.mu.Unlock()
		return
	}
	s.moveLocked(s.current + 1)
	lessonID := s.course.Lessons[s.current].ID
	s.mu.Unlock()

	s.publish([]EventType{EventAutoAdvanced}, lessonID)
}

// Flush retry pending completion writes, merge the stored record after a
// degraded start and refresh the enrollment figure
func (s *Session) Flush(ctx context.Context) error {
	err := s.outbox.Flush(ctx)
	if err == nil {
		err = s.resync(ctx)
	}
	s.refreshEnrollment(ctx)
	return err
}

// PendingWrites completion writes waiting for the store
func (s *Session) PendingWrites() int {
	return s.outbox.Len()
}

// Degraded session started without its stored record and has not merged it yet
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// resync merge the stored record after a degraded start
func (s *Session) resync(ctx context.Context) error {
	if !s.Degraded() {
		return nil
	}

	stored, err := s.store.GetProgress(ctx, s.key)
	if errors.Is(err, progress.ErrProgressNotFound) {
		stored, err = progress.NewRecord(), nil
	}
	if err != nil {
		logging.ExtractLoggerFromContext(ctx, s.logger).Warn("reload progress failed", zap.Error(err))
		return err
	}
	s.mu.Lock()
	s.record.Merge(stored)
	s.degraded = false
	e := s.engine()
	s.watched = s.watched || e.IsLessonComplete(s.course.Lessons[s.current])
	s.enrollment = e.Enrollment()
	s.mu.Unlock()
	return nil
}

func (s *Session) refreshEnrollment(ctx context.Context) {
	if s.outbox.Len() == 0 {
		e, err := s.store.GetEnrollmentProgress(ctx, s.key)
		if err == nil {
			s.mu.Lock()
			s.enrollment = e
			s.mu.Unlock()
			return
		}
		logging.ExtractLoggerFromContext(ctx, s.logger).Warn("load enrollment progress failed", zap.Error(err))
	}
	s.mu.Lock()
	s.enrollment = s.engine().Enrollment()
	s.mu.Unlock()
}

// Close stop timers and wait for in-flight playback writes. Pending
// completion writes are kept in the outbox.
func (s *Session) Close() {
	s.mu.Lock()
	closing := s.closeLocked()
	s.mu.Unlock()
	if closing {
		s.playback.Wait()
	}
}

// closeIdle close the session unless it was used after deadline or holds
// unsaved completion writes. Writes are queued under the session lock, so
// none can slip in once this returns true.
func (s *Session) closeIdle(deadline time.Time) bool {
	s.mu.Lock()
	if s.closed || s.lastUsed.After(deadline) || s.outbox.Len() > 0 {
		s.mu.Unlock()
		return false
	}
	s.closeLocked()
	s.mu.Unlock()
	s.playback.Wait()
	return true
}

func (s *Session) closeLocked() bool {
	if s.closed {
		return false
	}
	s.closed = true
	s.stopAutoAdvanceLocked()
	s.lessonCancel()
	s.listeners = make(map[int]func(Event))
	return true
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s)", s.key)
}

package progression

import (
	"context"
	"sync"

	"github.com/pot-code/lesson-gate/internal/progress"
	"go.uber.org/zap"
)

type writeKind int

const (
	writeLesson writeKind = iota
	writeQuiz
)

// pendingWrite completion write not yet acknowledged by the store
type pendingWrite struct {
	kind     writeKind
	lessonID string
	attempt  *progress.QuizAttempt
}

func (w *pendingWrite) id() string {
	if w.kind == writeQuiz {
		return "quiz:" + w.lessonID
	}
	return "lesson:" + w.lessonID
}

func (w *pendingWrite) apply(ctx context.Context, store progress.Store, key progress.Key) error {
	if w.kind == writeQuiz {
		return store.MarkQuizComplete(ctx, key, w.attempt)
	}
	return store.MarkLessonComplete(ctx, key, w.lessonID)
}

// Outbox ordered, de-duplicated queue of completion writes. When full the
// oldest write is dropped.
type Outbox struct {
	mu      sync.Mutex
	flushMu sync.Mutex
	pending []*pendingWrite
	max     int
	store   progress.Store
	key     progress.Key
	logger  *zap.Logger
}

func newOutbox(store progress.Store, key progress.Key, max int, logger *zap.Logger) *Outbox {
	if max < 1 {
		max = 1
	}
	return &Outbox{store: store, key: key, max: max, logger: logger}
}

func (o *Outbox) add(w *pendingWrite) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, p := range o.pending {
		if p.id() == w.id() {
			return
		}
	}
	if len(o.pending) >= o.max {
		dropped := o.pending[0]
		o.pending = o.pending[1:]
		o.logger.Error("progress outbox full, dropping oldest write",
			zap.String("progress.write", dropped.id()),
			zap.Int("progress.max_pending", o.max))
	}
	o.pending = append(o.pending, w)
}

// Len pending writes
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Flush apply pending writes in order, stops at the first failure and keeps
// it with everything behind it
func (o *Outbox) Flush(ctx context.Context) error {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			o.mu.Unlock()
			return nil
		}
		w := o.pending[0]
		o.mu.Unlock()

		if err := w.apply(ctx, o.store, o.key); err != nil {
			o.logger.Warn("persist progress failed, will retry",
				zap.String("progress.write", w.id()),
				zap.Int("progress.pending", o.Len()),
				zap.Error(err))
			return err
		}

		o.mu.Lock()
		// the head may have been dropped by add while the write was running
		if len(o.pending) > 0 && o.pending[0] == w {
			o.pending = o.pending[1:]
		}
		o.mu.Unlock()
	}
}

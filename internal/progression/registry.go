package progression

import (
	"context"
	"sync"
	"time"

	"github.com/pot-code/lesson-gate/internal/catalog"
	"github.com/pot-code/lesson-gate/internal/infrastructure/logging"
	"github.com/pot-code/lesson-gate/internal/progress"
	"go.elastic.co/apm"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// sessionLoadTimeout bounds a shared load, which runs detached from the
// request that triggered it
const sessionLoadTimeout = 10 * time.Second

// Registry live sessions shared by REST calls and websocket connections
type Registry struct {
	catalog  catalog.CatalogUseCase
	store    progress.Store
	opts     Options
	logger   *zap.Logger
	mu       sync.Mutex
	sessions map[progress.Key]*Session
	group    singleflight.Group
	now      func() time.Time
}

// NewRegistry .
func NewRegistry(catalogUC catalog.CatalogUseCase, store progress.Store, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		catalog:  catalogUC,
		store:    store,
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[progress.Key]*Session),
		now:      time.Now,
	}
}

// Get return the live session for key, loading it on first use
func (r *Registry) Get(ctx context.Context, key progress.Key) (*Session, error) {
	if s := r.lookup(key); s != nil {
		return s, nil
	}

	apmSpan, ctx := apm.StartSpan(ctx, "Registry.Get", "service")
	defer apmSpan.End()

	v, err, _ := r.group.Do(key.String(), func() (interface{}, error) {
		if s := r.lookup(key); s != nil {
			return s, nil
		}

		// every waiter shares this load, a cancelled first caller must not degrade it
		loadCtx := logging.SetLoggerInContext(context.Background(), logging.ExtractLoggerFromContext(ctx, r.logger))
		loadCtx, cancel := context.WithTimeout(apm.ContextWithSpan(loadCtx, apmSpan), sessionLoadTimeout)
		defer cancel()

		s, err := LoadSession(loadCtx, key, r.catalog, r.store, r.opts)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.sessions[key] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// lookup live session of key, nil when missing or already closed
func (r *Registry) lookup(key progress.Key) *Session {
	r.mu.Lock()
	s, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok || s.Closed() {
		return nil
	}
	return s
}

// Len live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) list() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// FlushAll retry pending completion writes of every session and re-read
// sessions that started without their stored record
func (r *Registry) FlushAll(ctx context.Context) {
	failed := 0
	for _, s := range r.list() {
		if s.PendingWrites() == 0 && !s.Degraded() {
			continue
		}
		if err := s.Flush(ctx); err != nil {
			failed++
		}
	}
	if failed > 0 {
		r.logger.Warn("progress flush incomplete", zap.Int("progress.sessions_pending", failed))
	}
}

// EvictIdle drop sessions unused for idle. Sessions that still hold
// unsaved completion writes are kept.
func (r *Registry) EvictIdle(ctx context.Context, idle time.Duration) int {
	deadline := r.now().Add(-idle)
	evicted := 0
	for _, s := range r.list() {
		if s.LastUsed().After(deadline) {
			continue
		}
		if s.PendingWrites() > 0 && s.Flush(ctx) != nil {
			continue
		}
		// a request may have queued a write since the flush
		if !s.closeIdle(deadline) {
			continue
		}
		r.unregister(s)
		evicted++
	}
	if evicted > 0 {
		r.logger.Debug("evicted idle sessions", zap.Int("progress.evicted", evicted))
	}
	return evicted
}

func (r *Registry) unregister(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.Key()]; ok && cur == s {
		delete(r.sessions, s.Key())
	}
	r.mu.Unlock()
}

func (r *Registry) remove(s *Session) {
	r.unregister(s)
	s.Close()
}

// Reset clear stored progress of key and drop its session
func (r *Registry) Reset(ctx context.Context, key progress.Key) error {
	r.mu.Lock()
	s, ok := r.sessions[key]
	r.mu.Unlock()
	if ok {
		r.remove(s)
	}
	return r.store.Reset(ctx, key)
}

// Close flush and close every session
func (r *Registry) Close(ctx context.Context) {
	for _, s := range r.list() {
		if err := s.Flush(ctx); err != nil && s.PendingWrites() > 0 {
			r.logger.Error("closing session with unsaved progress",
				zap.String("progress.key", s.Key().String()),
				zap.Int("progress.pending", s.PendingWrites()),
				zap.Error(err))
		}
		r.remove(s)
	}
}

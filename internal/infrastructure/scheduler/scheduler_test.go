package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestScheduler_RunsTaskAndCancelsOnStop(t *testing.T) {
	s := New(zap.NewNop())
	ran := make(chan context.Context, 1)
	if err := s.Every("tick", time.Second, func(ctx context.Context) {
		select {
		case ran <- ctx:
		default:
		}
	}); err != nil {
		t.Fatalf("Every() error = %v", err)
	}
	s.Start()

	var ctx context.Context
	select {
	case ctx = <-ran:
	case <-time.After(3 * time.Second):
		s.Stop()
		t.Fatal("task did not run")
	}
	if ctx.Err() != nil {
		t.Fatalf("task context cancelled before Stop: %v", ctx.Err())
	}

	s.Stop()
	if ctx.Err() == nil {
		t.Error("task context still alive after Stop")
	}
}

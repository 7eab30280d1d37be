package scheduler

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type countingSweeper struct {
	expireCalls int64
	settleCalls int64
}

func (c *countingSweeper) ExpireStale(ctx context.Context) (int, error) {
	atomic.AddInt64(&c.expireCalls, 1)
	return 0, nil
}

func (c *countingSweeper) SettleOverdue(ctx context.Context) (int, error) {
	atomic.AddInt64(&c.settleCalls, 1)
	return 0, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	if _, err := New(&countingSweeper{}, "not a cron spec", quietLogger()); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestScheduler_RunsSweep(t *testing.T) {
	sweeper := &countingSweeper{}
	s, err := New(sweeper, "* * * * * *", quietLogger())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.Start()
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for atomic.LoadInt64(&sweeper.expireCalls) == 0 || atomic.LoadInt64(&sweeper.settleCalls) == 0 {
		select {
		case <-deadline:
			t.Fatalf("sweep never ran: expire=%d settle=%d",
				atomic.LoadInt64(&sweeper.expireCalls), atomic.LoadInt64(&sweeper.settleCalls))
		case <-time.After(50 * time.Millisecond):
		}
	}
}

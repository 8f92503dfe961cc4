package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	err     error
}

func (r *blockingRunner) Run(context.Context) error {
	r.started <- struct{}{}
	<-r.release
	return r.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitIdle(t *testing.T, s *Scheduler) RunState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Snapshot()
		if !st.Running && !st.LastCompletedAt.IsZero() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scheduler did not become idle")
	return RunState{}
}

func TestRunNowRejectsOverlap(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	s := New(time.Hour, runner, testLogger())

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background()) }()
	<-runner.started

	if err := s.RunNow(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !s.Snapshot().Running {
		t.Fatal("state should report running")
	}

	close(runner.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	st := waitIdle(t, s)
	if st.LastSource != "manual" {
		t.Fatalf("expected manual source, got %q", st.LastSource)
	}
	if st.LastError != "" {
		t.Fatalf("unexpected error recorded: %q", st.LastError)
	}
}

func TestMinimumGapBetweenRuns(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	close(runner.release)
	s := New(time.Hour, runner, testLogger())

	if err := s.RunNow(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	<-runner.started

	err := s.RunNow(context.Background())
	if err == nil {
		t.Fatal("expected a back-to-back run to be rejected")
	}
	if errors.Is(err, ErrAlreadyRunning) {
		t.Fatal("rejection should be the min-gap error, not overlap")
	}
}

func TestRunErrorIsRecorded(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}, 1), release: make(chan struct{}), err: errors.New("cycle failed")}
	close(runner.release)
	s := New(time.Hour, runner, testLogger())

	if err := s.RunNow(context.Background()); err == nil {
		t.Fatal("expected run error to propagate")
	}
	st := waitIdle(t, s)
	if st.LastError != "cycle failed" {
		t.Fatalf("expected recorded error, got %q", st.LastError)
	}
}

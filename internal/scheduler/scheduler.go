package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Runner interface {
	Run(context.Context) error
}

// Scheduler drives a Runner on a fixed interval, with an immediate first
// run. Runs never overlap; a manual RunNow while a run is in flight gets
// ErrAlreadyRunning. Stop is cooperative at the cycle boundary: on
// context cancellation the in-flight run is allowed to finish so the
// snapshot save is never torn down mid-write.
type Scheduler struct {
	interval time.Duration
	runner   Runner
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	state   RunState
}

func New(interval time.Duration, runner Runner, logger *slog.Logger) *Scheduler {
	return &Scheduler{interval: interval, runner: runner, logger: logger}
}

type RunState struct {
	Running         bool      `json:"running"`
	CurrentSource   string    `json:"current_source"`
	StartedAt       time.Time `json:"started_at"`
	LastCompletedAt time.Time `json:"last_completed_at"`
	LastDurationMS  int64     `json:"last_duration_ms"`
	LastError       string    `json:"last_error"`
	LastSource      string    `json:"last_source"`
}

func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		if err := s.run(ctx, "startup"); err != nil {
			s.logger.Error("scheduler: run error", "source", "startup", "err", err)
		}
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := s.run(ctx, "scheduled"); err != nil {
				s.logger.Error("scheduler: run error", "source", "scheduled", "err", err)
			}
		}
	}()
}

func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.run(ctx, "manual")
}

func (s *Scheduler) run(ctx context.Context, source string) error {
	const minRunGap = 15 * time.Second
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if !s.state.LastCompletedAt.IsZero() && time.Since(s.state.LastCompletedAt) < minRunGap {
		s.mu.Unlock()
		return &runErr{msg: "cycle just completed; wait a few seconds before starting again"}
	}
	s.running = true
	s.state.Running = true
	s.state.CurrentSource = source
	s.state.StartedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("scheduler: cycle started", "source", source)
	start := time.Now()
	err := s.runner.Run(ctx)

	s.mu.Lock()
	s.running = false
	s.state.Running = false
	s.state.CurrentSource = ""
	s.state.LastCompletedAt = time.Now()
	s.state.LastDurationMS = time.Since(start).Milliseconds()
	s.state.LastSource = source
	if err != nil {
		s.state.LastError = err.Error()
	} else {
		s.state.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduler: cycle finished with error",
			"source", source, "took", time.Since(start).Round(time.Millisecond), "err", err)
		return err
	}
	s.logger.Info("scheduler: cycle finished",
		"source", source, "took", time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Scheduler) Snapshot() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

var ErrAlreadyRunning = &runErr{"cycle already running"}

type runErr struct{ msg string }

func (e *runErr) Error() string { return e.msg }

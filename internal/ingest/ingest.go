// Package ingest runs the monitoring cycle: fetch candidates per search
// query, keep the ones that are novel and pass the image gate, notify,
// and persist the novelty snapshot once per cycle.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"marketwatch/internal/config"
	"marketwatch/internal/model"
)

type NoveltyStore interface {
	IsKnown(id string) bool
	Add(p model.Product)
	CleanupExpired(maxAge time.Duration) int
	Save() error
}

type ImageGate interface {
	Accepts(ctx context.Context, imageURL string) bool
}

type Searcher interface {
	SearchProducts(ctx context.Context, query string) ([]model.Product, error)
}

type Notifier interface {
	NotifyNewProducts(ctx context.Context, products []model.Product, query string) error
}

// Recorder archives reported products. Optional; best-effort.
type Recorder interface {
	Record(ctx context.Context, p model.Product, query string, reportedAt time.Time) error
}

type Service struct {
	cfg      config.Config
	store    NoveltyStore
	gate     ImageGate
	search   Searcher
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger
	rand     *rand.Rand

	mu            sync.Mutex
	lastMessage   string
	lastMessageAt time.Time
}

func New(cfg config.Config, st NoveltyStore, gate ImageGate, search Searcher, notifier Notifier, recorder Recorder, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		gate:     gate,
		search:   search,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ProcessCandidates returns the candidates that are both novel and
// image-acceptable, preserving input order, and registers each returned
// product in the novelty store. It never touches disk; Save is the
// cycle's job.
func (s *Service) ProcessCandidates(ctx context.Context, candidates []model.Product) []model.Product {
	fresh := make([]model.Product, 0, len(candidates))
	for _, p := range candidates {
		if s.store.IsKnown(p.ID) {
			continue
		}
		if s.cfg.BackgroundFilterEnabled && !s.gate.Accepts(ctx, p.ImageURL) {
			s.logger.Debug("skipped product: image filter", "product_id", p.ID)
			continue
		}
		fresh = append(fresh, p)
		s.store.Add(p)
	}
	return fresh
}

// Run executes one full monitoring cycle over all configured queries.
// It fails only when every query fetch failed or the final snapshot save
// could not complete.
func (s *Service) Run(ctx context.Context) error {
	runStart := time.Now()
	queries := s.cfg.SearchQueries
	if len(queries) == 0 {
		s.logf("ingest: no search queries configured; skipping")
		return nil
	}
	s.logf("ingest: started with %d query(ies)", len(queries))

	failed := 0
	lastErr := ""
	totalNew := 0
	var canceled error
	for i, query := range queries {
		if i > 0 {
			delay := time.Duration(s.cfg.PerQueryDelaySeconds) * time.Second
			jitter := time.Duration(s.rand.Intn(max(s.cfg.PerQueryJitterSeconds, 0)+1)) * time.Second
			select {
			case <-ctx.Done():
				// Products registered by earlier queries must still
				// reach the snapshot, so fall through to the save.
				canceled = ctx.Err()
			case <-time.After(delay + jitter):
			}
			if canceled != nil {
				s.logf("ingest: canceled after %d/%d query(ies)", i, len(queries))
				break
			}
		}
		queryStart := time.Now()
		candidates, err := s.search.SearchProducts(ctx, query)
		if err != nil {
			failed++
			lastErr = err.Error()
			s.logf("ingest: query=%q error=%v", query, err)
			continue
		}
		fresh := s.ProcessCandidates(ctx, candidates)
		totalNew += len(fresh)
		if len(fresh) > 0 {
			// Notification failure does not roll back novelty
			// registration: better a missed ping than a repeat storm.
			if err := s.notifier.NotifyNewProducts(ctx, fresh, query); err != nil {
				s.logf("ingest: notify error query=%q err=%v", query, err)
			}
			s.recordAll(ctx, fresh, query)
		}
		s.logf("ingest: query done (%d/%d) query=%q candidates=%d new=%d took=%s",
			i+1, len(queries), query, len(candidates), len(fresh), time.Since(queryStart).Round(time.Millisecond))
	}

	maxAge := time.Duration(s.cfg.MaxStorageDays) * 24 * time.Hour
	if removed := s.store.CleanupExpired(maxAge); removed > 0 {
		s.logf("cull: removed %d expired product(s)", removed)
	}
	if err := s.store.Save(); err != nil {
		s.logf("ingest: snapshot save error: %v", err)
		return fmt.Errorf("save snapshot: %w", err)
	}
	if canceled != nil {
		return canceled
	}

	s.logf("ingest: all done in %s (queries=%d, new=%d, failed_queries=%d)",
		time.Since(runStart).Round(time.Millisecond), len(queries), totalNew, failed)
	if failed == len(queries) {
		if lastErr == "" {
			lastErr = "unknown fetch error"
		}
		return fmt.Errorf("all query fetches failed (%d/%d): %s", failed, len(queries), lastErr)
	}
	return nil
}

func (s *Service) recordAll(ctx context.Context, products []model.Product, query string) {
	if s.recorder == nil {
		return
	}
	now := time.Now()
	for _, p := range products {
		if err := s.recorder.Record(ctx, p, query, now); err != nil {
			s.logger.Error("archive record failed", "product_id", p.ID, "err", err)
		}
	}
}

func (s *Service) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Info(msg)
	s.mu.Lock()
	s.lastMessage = msg
	s.lastMessageAt = time.Now()
	s.mu.Unlock()
}

// LastProgress reports the most recent cycle log line, for the status API.
func (s *Service) LastProgress() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessage, s.lastMessageAt
}

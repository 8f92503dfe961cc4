// Package store tracks products that have already been reported, backed
// by a single JSON snapshot file. Persistence is explicit: Add and
// CleanupExpired mutate memory only, Save rewrites the whole snapshot.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"marketwatch/internal/model"
)

type snapshot struct {
	Metadata snapshotMeta                  `json:"metadata"`
	Products map[string]model.KnownProduct `json:"products"`
}

type snapshotMeta struct {
	LastUpdated time.Time `json:"last_updated"`
	TotalCount  int       `json:"total_count"`
}

type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	products map[string]model.KnownProduct

	// Injection points for tests.
	now       func() time.Time
	writeFile func(name string, data []byte, perm os.FileMode) error
}

// Open creates a store backed by the snapshot at path and loads any
// existing state. A missing, unreadable, or malformed snapshot is not an
// error: the store starts empty and the worst case is a one-time
// re-notification of already-seen products.
func Open(path string, logger *slog.Logger) *Store {
	s := &Store{
		path:      path,
		logger:    logger,
		products:  make(map[string]model.KnownProduct),
		now:       time.Now,
		writeFile: os.WriteFile,
	}
	s.load()
	return s
}

func (s *Store) load() {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no snapshot yet; starting empty", "path", s.path)
		} else {
			s.logger.Error("snapshot read failed; starting empty", "path", s.path, "err", err)
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		s.logger.Error("snapshot parse failed; starting empty", "path", s.path, "err", err)
		return
	}
	if snap.Products != nil {
		s.products = snap.Products
	}
	s.logger.Info("loaded known products", "count", len(s.products), "path", s.path)
}

// IsKnown reports whether id has already been registered. Matching is
// exact and case-sensitive.
func (s *Store) IsKnown(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.products[id]
	return ok
}

// Add registers p with AddedAt = now. Calling Add again with the same id
// is a no-op; the original AddedAt is kept.
func (s *Store) Add(p model.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ID]; ok {
		return
	}
	s.products[p.ID] = model.KnownProduct{Product: p, AddedAt: s.now()}
}

// CleanupExpired drops every entry older than maxAge and returns how many
// were removed. In-memory only; call Save to persist.
func (s *Store) CleanupExpired(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for id, p := range s.products {
		if p.AddedAt.Before(cutoff) {
			delete(s.products, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("cleaned up expired products", "count", removed)
	}
	return removed
}

// Save rewrites the snapshot. The previous file is first renamed to a
// backup; on a write failure the backup is renamed back so the on-disk
// state is never left partial or corrupt.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		Metadata: snapshotMeta{LastUpdated: s.now().UTC(), TotalCount: len(s.products)},
		Products: s.products,
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	b = append(b, '\n')

	backup := s.path + ".backup"
	hadPrevious := false
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, backup); err != nil {
			return fmt.Errorf("rotate snapshot backup: %w", err)
		}
		hadPrevious = true
	}

	if err := s.writeFile(s.path, b, 0o600); err != nil {
		if hadPrevious {
			if _, statErr := os.Stat(s.path); os.IsNotExist(statErr) {
				if restoreErr := os.Rename(backup, s.path); restoreErr != nil {
					s.logger.Error("snapshot backup restore failed", "err", restoreErr)
				} else {
					s.logger.Warn("restored snapshot from backup after failed save")
				}
			}
		}
		return fmt.Errorf("write snapshot: %w", err)
	}

	if hadPrevious {
		if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
			// Stale backup is harmless; the next successful save replaces it.
			s.logger.Warn("could not remove snapshot backup", "err", err)
		}
	}
	s.logger.Info("saved known products", "count", len(s.products), "path", s.path)
	return nil
}

// Len returns the number of known products.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.products)
}

type Stats struct {
	TotalProducts int    `json:"total_products"`
	FilePath      string `json:"file_path"`
	FileSizeBytes int64  `json:"file_size_bytes"`
}

func (s *Store) Stats() Stats {
	var size int64
	if fi, err := os.Stat(s.path); err == nil {
		size = fi.Size()
	}
	return Stats{TotalProducts: s.Len(), FilePath: s.path, FileSizeBytes: size}
}

package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"marketwatch/internal/config"
	"marketwatch/internal/model"
)

type stubStore struct {
	known    map[string]time.Time
	added    []model.Product
	cleanups []time.Duration
	saves    int
	saveErr  error
}

func newStubStore(knownIDs ...string) *stubStore {
	s := &stubStore{known: make(map[string]time.Time)}
	for _, id := range knownIDs {
		s.known[id] = time.Now().Add(-time.Hour)
	}
	return s
}

func (s *stubStore) IsKnown(id string) bool {
	_, ok := s.known[id]
	return ok
}

func (s *stubStore) Add(p model.Product) {
	if _, ok := s.known[p.ID]; ok {
		return
	}
	s.known[p.ID] = time.Now()
	s.added = append(s.added, p)
}

func (s *stubStore) CleanupExpired(maxAge time.Duration) int {
	s.cleanups = append(s.cleanups, maxAge)
	return 0
}

func (s *stubStore) Save() error {
	s.saves++
	return s.saveErr
}

type stubGate struct {
	reject map[string]bool
	calls  int
}

func (g *stubGate) Accepts(_ context.Context, imageURL string) bool {
	g.calls++
	return !g.reject[imageURL]
}

type stubSearcher struct {
	results  map[string][]model.Product
	err      error
	onSearch func()
}

func (s *stubSearcher) SearchProducts(_ context.Context, query string) ([]model.Product, error) {
	if s.onSearch != nil {
		s.onSearch()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results[query], nil
}

type stubNotifier struct {
	batches [][]model.Product
	queries []string
	err     error
}

func (n *stubNotifier) NotifyNewProducts(_ context.Context, products []model.Product, query string) error {
	n.batches = append(n.batches, products)
	n.queries = append(n.queries, query)
	return n.err
}

type stubRecorder struct {
	ids []string
}

func (r *stubRecorder) Record(_ context.Context, p model.Product, _ string, _ time.Time) error {
	r.ids = append(r.ids, p.ID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(queries ...string) config.Config {
	return config.Config{
		SearchQueries:           queries,
		MaxStorageDays:          7,
		BackgroundFilterEnabled: true,
	}
}

func product(id string) model.Product {
	return model.Product{ID: id, Title: "item " + id, Price: 1000, URL: "https://m.example/" + id, ImageURL: "https://img.example/" + id}
}

func TestProcessCandidatesOrderingAndRegistration(t *testing.T) {
	st := newStubStore("B")
	firstSeen := st.known["B"]
	gate := &stubGate{}
	svc := New(testConfig(), st, gate, nil, nil, nil, testLogger())

	out := svc.ProcessCandidates(context.Background(), []model.Product{product("A"), product("B"), product("C")})

	if len(out) != 2 || out[0].ID != "A" || out[1].ID != "C" {
		t.Fatalf("expected [A C], got %v", out)
	}
	if len(st.added) != 2 || st.added[0].ID != "A" || st.added[1].ID != "C" {
		t.Fatalf("expected A and C registered, got %v", st.added)
	}
	if !st.known["B"].Equal(firstSeen) {
		t.Fatal("known entry's first-seen time must not change")
	}
}

func TestProcessCandidatesImageGate(t *testing.T) {
	st := newStubStore()
	gate := &stubGate{reject: map[string]bool{"https://img.example/C": true}}
	svc := New(testConfig(), st, gate, nil, nil, nil, testLogger())

	out := svc.ProcessCandidates(context.Background(), []model.Product{product("A"), product("C")})

	if len(out) != 1 || out[0].ID != "A" {
		t.Fatalf("expected only A, got %v", out)
	}
	if st.IsKnown("C") {
		t.Fatal("rejected product must not be registered")
	}
}

func TestProcessCandidatesGateSkippedWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.BackgroundFilterEnabled = false
	st := newStubStore()
	gate := &stubGate{reject: map[string]bool{"https://img.example/A": true}}
	svc := New(cfg, st, gate, nil, nil, nil, testLogger())

	out := svc.ProcessCandidates(context.Background(), []model.Product{product("A")})

	if len(out) != 1 {
		t.Fatalf("expected A to pass with filtering disabled, got %v", out)
	}
	if gate.calls != 0 {
		t.Fatalf("gate must not be consulted when disabled, got %d calls", gate.calls)
	}
}

func TestRunSavesAndCleansOncePerCycle(t *testing.T) {
	st := newStubStore()
	search := &stubSearcher{results: map[string][]model.Product{
		"switch": {product("A"), product("B")},
		"camera": {product("C")},
	}}
	notify := &stubNotifier{}
	rec := &stubRecorder{}
	svc := New(testConfig("switch", "camera"), st, &stubGate{}, search, notify, rec, testLogger())

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.saves != 1 {
		t.Fatalf("expected exactly one save per cycle, got %d", st.saves)
	}
	if len(st.cleanups) != 1 || st.cleanups[0] != 7*24*time.Hour {
		t.Fatalf("expected one 7d cleanup, got %v", st.cleanups)
	}
	if len(notify.batches) != 2 {
		t.Fatalf("expected 2 notification batches, got %d", len(notify.batches))
	}
	if len(rec.ids) != 3 {
		t.Fatalf("expected 3 archived products, got %v", rec.ids)
	}
}

func TestRunNotificationFailureDoesNotRollBack(t *testing.T) {
	st := newStubStore()
	search := &stubSearcher{results: map[string][]model.Product{"q": {product("A")}}}
	notify := &stubNotifier{err: errors.New("telegram down")}
	svc := New(testConfig("q"), st, &stubGate{}, search, notify, nil, testLogger())

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("notification failure must not fail the cycle: %v", err)
	}
	if !st.IsKnown("A") {
		t.Fatal("product must stay registered despite notification failure")
	}
	if st.saves != 1 {
		t.Fatalf("expected save, got %d", st.saves)
	}
}

func TestRunAllQueriesFailed(t *testing.T) {
	st := newStubStore()
	search := &stubSearcher{err: errors.New("marketplace unreachable")}
	svc := New(testConfig("q1", "q2"), st, &stubGate{}, search, &stubNotifier{}, nil, testLogger())

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected error when every query fetch fails")
	}
	if st.saves != 1 {
		t.Fatal("snapshot should still be saved after a failed cycle")
	}
}

func TestRunCancellationStillSavesSnapshot(t *testing.T) {
	st := newStubStore()
	ctx, cancel := context.WithCancel(context.Background())
	search := &stubSearcher{
		results:  map[string][]model.Product{"q1": {product("A")}},
		onSearch: cancel,
	}
	cfg := testConfig("q1", "q2")
	cfg.PerQueryDelaySeconds = 1
	svc := New(cfg, st, &stubGate{}, search, &stubNotifier{}, nil, testLogger())

	if err := svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !st.IsKnown("A") {
		t.Fatal("product from the completed query must stay registered")
	}
	if st.saves != 1 {
		t.Fatalf("canceled cycle must still save the snapshot once, got %d", st.saves)
	}
	if len(st.cleanups) != 1 {
		t.Fatalf("canceled cycle must still run cleanup, got %v", st.cleanups)
	}
}

func TestRunSaveErrorPropagates(t *testing.T) {
	st := newStubStore()
	st.saveErr = errors.New("disk full")
	search := &stubSearcher{results: map[string][]model.Product{"q": {product("A")}}}
	svc := New(testConfig("q"), st, &stubGate{}, search, &stubNotifier{}, nil, testLogger())

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("save failure must propagate to the caller")
	}
}

func TestRunNoQueries(t *testing.T) {
	st := newStubStore()
	svc := New(testConfig(), st, &stubGate{}, &stubSearcher{}, &stubNotifier{}, nil, testLogger())
	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("empty query list should be a no-op, got %v", err)
	}
	if st.saves != 0 {
		t.Fatal("no-op cycle should not touch the snapshot")
	}
}

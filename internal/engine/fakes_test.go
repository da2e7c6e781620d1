package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/inboxflow/internal/persistence"
	"github.com/petrijr/inboxflow/internal/retry"
	"github.com/petrijr/inboxflow/internal/stages"
	"github.com/petrijr/inboxflow/pkg/api"
)

// fakeCollab implements every collaborator. Calls are counted per
// operation; queued errors are returned one per call before succeeding.
type fakeCollab struct {
	mu sync.Mutex

	needsResponse bool
	draft         string
	calls         map[string]int
	failures      map[string][]error
	notices       []api.FailureNotice
	refreshes     int
	refs          int

	// onGenerate runs before Generate returns; a non-nil error is returned.
	onGenerate func(ctx context.Context) error
}

func newFakeCollab(needsResponse bool) *fakeCollab {
	return &fakeCollab{
		needsResponse: needsResponse,
		draft:         "Thanks, I'll get back to you on Friday.",
		calls:         make(map[string]int),
		failures:      make(map[string][]error),
	}
}

func (f *fakeCollab) collaborators() api.Collaborators {
	return api.Collaborators{
		Retriever:  f,
		Classifier: f,
		Drafter:    f,
		Messenger:  f,
		Actions:    f,
		Notifier:   f,
	}
}

func (f *fakeCollab) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeCollab) clearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string][]error)
}

func (f *fakeCollab) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeCollab) noticeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

func (f *fakeCollab) lastNotice() api.FailureNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notices[len(f.notices)-1]
}

func (f *fakeCollab) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeCollab) Retrieve(ctx context.Context, itemID string) (api.RetrievedContext, error) {
	if err := f.enter(stages.OpRetrieve); err != nil {
		return api.RetrievedContext{}, err
	}
	return api.RetrievedContext{History: []string{"previous reply to " + itemID}}, nil
}

func (f *fakeCollab) Classify(ctx context.Context, item api.Item) (api.ClassificationResult, error) {
	if err := f.enter(stages.OpClassify); err != nil {
		return api.ClassificationResult{}, err
	}
	return api.ClassificationResult{
		NeedsResponse: f.needsResponse,
		Category:      "work",
		Priority:      "normal",
		Language:      "en",
	}, nil
}

func (f *fakeCollab) Generate(ctx context.Context, req api.DraftRequest) (string, error) {
	if err := f.enter(stages.OpGenerate); err != nil {
		return "", err
	}
	if f.onGenerate != nil {
		if err := f.onGenerate(ctx); err != nil {
			return "", err
		}
	}
	return f.draft, nil
}

func (f *fakeCollab) Notify(ctx context.Context, ownerID string, payload api.NotificationPayload) (string, error) {
	if err := f.enter(stages.OpNotify); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
	return fmt.Sprintf("msg-%s-%d", payload.ItemID, f.refs), nil
}

func (f *fakeCollab) Apply(ctx context.Context, itemID string, decision api.Decision) (string, error) {
	if err := f.enter(stages.OpApply); err != nil {
		return "", err
	}
	return "applied:" + string(decision.Kind), nil
}

func (f *fakeCollab) NotifyFailure(ctx context.Context, notice api.FailureNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, notice)
	return nil
}

func (f *fakeCollab) RefreshCredentials(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

var errUnavailable = errors.New("service unavailable")

func transientErr() error {
	return &api.HTTPStatusError{Code: 503, Err: errUnavailable}
}

func permanentErr() error {
	return &api.HTTPStatusError{Code: 400, Err: errors.New("malformed request")}
}

// sleepRecorder replaces backoff sleeps and remembers the requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type testEngine struct {
	*engineImpl
	collab *fakeCollab
	sleeps *sleepRecorder
}

// newTestEngine builds an engine over persist with the default retry policy
// and instant backoff.
func newTestEngine(t *testing.T, persist persistence.Persistence, f *fakeCollab, opts ...func(*Config)) *testEngine {
	t.Helper()

	sleeps := &sleepRecorder{}
	cfg := Config{
		Persistence:   persist,
		Collaborators: f.collaborators(),
		LeaseOwner:    "test-node",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Executor == nil {
		obs := cfg.Observer
		if obs == nil {
			obs = api.NoopObserver{}
		}
		cfg.Executor = retry.New(retry.DefaultPolicy(), retry.WithSleep(sleeps.sleep), retry.WithObserver(obs))
	}

	eng, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return &testEngine{engineImpl: eng.(*engineImpl), collab: f, sleeps: sleeps}
}

func memoryPersistence() persistence.Persistence {
	return persistence.Persistence{
		Checkpoints: persistence.NewInMemoryStore(),
		Events:      persistence.NewInMemoryEventStore(),
	}
}

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sqlitePersistence(t *testing.T, db *sql.DB) persistence.Persistence {
	t.Helper()
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore failed: %v", err)
	}
	return persistence.Persistence{Checkpoints: store, Events: events}
}

// backends runs fn against every embedded store.
func backends(t *testing.T, fn func(t *testing.T, persist persistence.Persistence)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, memoryPersistence())
	})
	t.Run("sqlite", func(t *testing.T) {
		db := openSQLite(t, filepath.Join(t.TempDir(), "inboxflow.db"))
		fn(t, sqlitePersistence(t, db))
	})
}

func testItem(id string) api.Item {
	return api.Item{
		ID:         id,
		OwnerID:    "owner-1",
		Subject:    "Quarterly report",
		Sender:     "alice@example.com",
		Body:       "Could you review the attached numbers?",
		ReceivedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func approve(eventID string) api.ExternalEvent {
	return api.ExternalEvent{
		ID:       eventID,
		Kind:     api.EventKindDecision,
		Decision: &api.Decision{Kind: api.DecisionApprove},
		Actor:    "owner-1",
	}
}

func manualRetry(eventID string, force bool) api.ExternalEvent {
	return api.ExternalEvent{
		ID:    eventID,
		Kind:  api.EventKindManualRetry,
		Force: force,
		Actor: "operator",
	}
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

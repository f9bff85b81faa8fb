package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/terra-clan/mainframe-engine/internal/content"
	"github.com/terra-clan/mainframe-engine/internal/models"
	"github.com/terra-clan/mainframe-engine/internal/notify"
	"github.com/terra-clan/mainframe-engine/internal/progression"
)

// memRepo is an in-memory storage.Repository
type memRepo struct {
	mu           sync.Mutex
	sessions     map[string]*models.Session
	results      []*models.LevelResult
	acquisitions []*models.Acquisition
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]*models.Session)}
}

func (r *memRepo) CreateSession(_ context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memRepo) GetSession(_ context.Context, id string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) UpdateSession(_ context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memRepo) ListSessions(_ context.Context, filters models.ListFilters) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Session
	for _, s := range r.sessions {
		if filters.Status != "" && s.Status != filters.Status {
			continue
		}
		if filters.Campaign != "" && s.Campaign != filters.Campaign {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) RecordResult(_ context.Context, res *models.LevelResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *res
	r.results = append(r.results, &cp)
	return nil
}

func (r *memRepo) ListResults(_ context.Context, sessionID string) ([]*models.LevelResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.LevelResult
	for _, res := range r.results {
		if res.SessionID == sessionID {
			cp := *res
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) RecordAcquisition(_ context.Context, acq *models.Acquisition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *acq
	r.acquisitions = append(r.acquisitions, &cp)
	return nil
}

func (r *memRepo) GetClientByApiKey(_ context.Context, _ string) (*models.ApiClient, error) {
	return nil, nil
}

func (r *memRepo) UpdateClientLastUsed(_ context.Context, _ string) error { return nil }
func (r *memRepo) Ping(_ context.Context) error                          { return nil }
func (r *memRepo) Close() error                                          { return nil }

// memStore is an in-memory snapshot.Store
type memStore struct {
	mu    sync.Mutex
	snaps map[string]progression.Snapshot
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]progression.Snapshot)}
}

func (s *memStore) Save(_ context.Context, id string, snap progression.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[id] = snap
	return nil
}

func (s *memStore) Load(_ context.Context, id string) (progression.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	return snap, ok, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, id)
	return nil
}

func (s *memStore) HealthCheck(_ context.Context) error { return nil }
func (s *memStore) Close() error                        { return nil }

func (s *memStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.snaps[id]
	return ok
}

// eventLog collects forwarded notifications
type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Notify(ev notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t notify.EventType) []notify.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []notify.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

var (
	refDecrypt  = models.Ref{Command: "decrypt", Class: "crypto"}
	refPassword = models.Ref{Command: "passwordguess", Class: "auth"}
)

func testLoader(t *testing.T) *content.Loader {
	t.Helper()
	loader := content.NewLoader()
	loader.Add(&models.Campaign{
		Name: "gibson",
		Levels: []*models.Level{
			{
				ID:         1,
				Name:       "Workstation",
				Cmd:        "connect workstation",
				TimeBudget: 60 * time.Second,
				Groups: map[string]*models.ProgramGroup{
					"login": {
						Name:  "login",
						Quota: 1,
						Pool:  []models.Ref{refPassword},
					},
				},
				GroupOrder: []string{"login"},
			},
			{
				ID:       2,
				Name:     "Mainframe",
				Cmd:      "connect mainframe",
				Requires: []int{1},
				Groups: map[string]*models.ProgramGroup{
					"files": {
						Name:  "files",
						Quota: 1,
						Pool:  []models.Ref{refDecrypt},
					},
				},
				GroupOrder: []string{"files"},
			},
		},
	})
	return loader
}

type env struct {
	repo   *memRepo
	store  *memStore
	log    *eventLog
	mgr    *manager
	now    time.Time
	nowMu  sync.Mutex
	loader *content.Loader
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		repo:   newMemRepo(),
		store:  newMemStore(),
		log:    &eventLog{},
		loader: testLoader(t),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	e.mgr = NewManager(e.loader, e.repo, e.store, e.log, Options{}).(*manager)
	e.mgr.nowFn = func() time.Time {
		e.nowMu.Lock()
		defer e.nowMu.Unlock()
		return e.now
	}
	return e
}

func (e *env) advance(d time.Duration) time.Time {
	e.nowMu.Lock()
	defer e.nowMu.Unlock()
	e.now = e.now.Add(d)
	return e.now
}

// waitFor polls until cond holds; the manager records results off the hot
// path
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCreateAndGet(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.Create(ctx, "gibson", "crash-override")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Status != models.SessionActive {
		t.Fatalf("status = %s, want active", s.Status)
	}

	view, err := e.mgr.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(view.Levels) != 2 {
		t.Fatalf("levels = %d, want 2", len(view.Levels))
	}
	if view.Levels[0].Status != models.LevelUnlocked {
		t.Errorf("level 1 = %s, want unlocked", view.Levels[0].Status)
	}
	if view.Levels[1].Status != models.LevelLocked {
		t.Errorf("level 2 = %s, want locked", view.Levels[1].Status)
	}
}

func TestCreateUnknownCampaign(t *testing.T) {
	e := newEnv(t)

	if _, err := e.mgr.Create(context.Background(), "nope", "p"); !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("err = %v, want ErrCampaignNotFound", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	e := newEnv(t)

	if _, err := e.mgr.Get(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestCompletionRecordsResult(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.Create(ctx, "gibson", "p")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.mgr.StartLevel(ctx, s.ID, 1); err != nil {
		t.Fatalf("StartLevel: %v", err)
	}
	e.advance(10 * time.Second)
	if err := e.mgr.Acquire(ctx, s.ID, 1, refPassword); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waitFor(t, func() bool {
		results, _ := e.repo.ListResults(ctx, s.ID)
		return len(results) == 1
	})
	results, _ := e.repo.ListResults(ctx, s.ID)
	res := results[0]
	if res.LevelID != 1 || res.Outcome != models.LevelCompleted {
		t.Fatalf("result = %d/%s, want 1/completed", res.LevelID, res.Outcome)
	}
	if res.Duration != 10*time.Second {
		t.Errorf("duration = %s, want 10s", res.Duration)
	}

	waitFor(t, func() bool {
		e.repo.mu.Lock()
		defer e.repo.mu.Unlock()
		return len(e.repo.acquisitions) == 1
	})

	for _, ev := range e.log.ofType(notify.LevelCompleted) {
		if ev.SessionID != s.ID {
			t.Errorf("event session = %q, want %q", ev.SessionID, s.ID)
		}
	}
}

func TestEndRejectsFurtherEvents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.Create(ctx, "gibson", "p")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.mgr.End(ctx, s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	if err := e.mgr.StartLevel(ctx, s.ID, 1); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
	if e.store.has(s.ID) {
		t.Error("snapshot survived End")
	}
}

func TestStartLevelPropagatesEngineErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.Create(ctx, "gibson", "p")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := e.mgr.StartLevel(ctx, s.ID, 2); !errors.Is(err, progression.ErrNotUnlocked) {
		t.Fatalf("err = %v, want ErrNotUnlocked", err)
	}
	if err := e.mgr.StartLevel(ctx, s.ID, 99); !errors.Is(err, progression.ErrUnknownLevel) {
		t.Fatalf("err = %v, want ErrUnknownLevel", err)
	}
}

func TestResumeFromSnapshot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.Create(ctx, "gibson", "p")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.mgr.StartLevel(ctx, s.ID, 1); err != nil {
		t.Fatalf("StartLevel: %v", err)
	}
	if err := e.mgr.Acquire(ctx, s.ID, 1, refPassword); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Fresh manager over the same stores stands in for a restarted service.
	mgr2 := NewManager(e.loader, e.repo, e.store, e.log, Options{}).(*manager)
	mgr2.nowFn = e.mgr.nowFn

	view, err := mgr2.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if view.Levels[0].Status != models.LevelCompleted {
		t.Errorf("level 1 = %s, want completed", view.Levels[0].Status)
	}
	if view.Levels[1].Status != models.LevelUnlocked {
		t.Errorf("level 2 = %s, want unlocked", view.Levels[1].Status)
	}
}

func TestResumeRebuildsFromResults(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.Create(ctx, "gibson", "p")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.mgr.StartLevel(ctx, s.ID, 1); err != nil {
		t.Fatalf("StartLevel: %v", err)
	}
	if err := e.mgr.Acquire(ctx, s.ID, 1, refPassword); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	waitFor(t, func() bool {
		results, _ := e.repo.ListResults(ctx, s.ID)
		return len(results) == 1
	})

	// Expired snapshot: only the durable results remain.
	if err := e.store.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	mgr2 := NewManager(e.loader, e.repo, e.store, e.log, Options{}).(*manager)
	mgr2.nowFn = e.mgr.nowFn

	view, err := mgr2.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if view.Levels[0].Status != models.LevelCompleted {
		t.Errorf("level 1 = %s, want completed", view.Levels[0].Status)
	}
	if view.Levels[1].Status != models.LevelUnlocked {
		t.Errorf("level 2 = %s, want unlocked", view.Levels[1].Status)
	}
}

func TestTickAllFailsExpiredLevels(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.Create(ctx, "gibson", "p")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.mgr.StartLevel(ctx, s.ID, 1); err != nil {
		t.Fatalf("StartLevel: %v", err)
	}

	e.mgr.TickAll(ctx, e.advance(61*time.Second))

	view, err := e.mgr.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Levels[0].Status != models.LevelFailed {
		t.Fatalf("level 1 = %s, want failed", view.Levels[0].Status)
	}

	waitFor(t, func() bool {
		results, _ := e.repo.ListResults(ctx, s.ID)
		return len(results) == 1
	})
	results, _ := e.repo.ListResults(ctx, s.ID)
	if results[0].Outcome != models.LevelFailed {
		t.Errorf("outcome = %s, want failed", results[0].Outcome)
	}

	if got := e.log.ofType(notify.LevelFailed); len(got) != 1 {
		t.Errorf("LevelFailed events = %d, want 1", len(got))
	}
}

func TestSweepIdleClosesStaleSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stale, err := e.mgr.Create(ctx, "gibson", "stale")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e.advance(2 * time.Hour)
	fresh, err := e.mgr.Create(ctx, "gibson", "fresh")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	e.mgr.SweepIdle(ctx, e.advance(0), time.Hour)

	got, err := e.repo.GetSession(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != models.SessionClosed {
		t.Errorf("stale session = %s, want closed", got.Status)
	}

	got, err = e.repo.GetSession(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != models.SessionActive {
		t.Errorf("fresh session = %s, want active", got.Status)
	}
}

// Package session owns the live play sessions: one progression engine per
// session, serialized behind a per-session mutex, persisted as durable rows
// and results in Postgres and as resumable snapshots in Redis.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terra-clan/mainframe-engine/internal/content"
	"github.com/terra-clan/mainframe-engine/internal/models"
	"github.com/terra-clan/mainframe-engine/internal/notify"
	"github.com/terra-clan/mainframe-engine/internal/progression"
	"github.com/terra-clan/mainframe-engine/internal/snapshot"
	"github.com/terra-clan/mainframe-engine/internal/storage"
)

// Common errors
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrSessionClosed    = errors.New("session is closed")
)

// Manager defines the interface for session management
type Manager interface {
	Create(ctx context.Context, campaignName, playerID string) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.SessionView, error)
	List(ctx context.Context, filters models.ListFilters) ([]*models.Session, error)
	End(ctx context.Context, id string) error
	Results(ctx context.Context, id string) ([]*models.LevelResult, error)

	StartLevel(ctx context.Context, id string, levelID int) error
	Acquire(ctx context.Context, id string, levelID int, ref models.Ref) error
	Penalize(ctx context.Context, id string, levelID int, d time.Duration) error

	TickAll(ctx context.Context, now time.Time)
	SweepIdle(ctx context.Context, now time.Time, idleAfter time.Duration)

	Ping(ctx context.Context) error
	Close() error
}

// Options configures a session manager
type Options struct {
	// WarningThreshold is passed through to every engine (see
	// progression.Options)
	WarningThreshold time.Duration
}

// liveSession is an in-memory session: its row, its engine and the mutex
// that serializes every event into the engine (the single ordered queue the
// engine's concurrency model requires)
type liveSession struct {
	mu      sync.Mutex
	row     *models.Session
	engine  *progression.Engine
	started map[int]time.Time // attempt start per level, for result records
	dirty   bool              // progression state changed since last snapshot save
}

// manager implements Manager
type manager struct {
	loader *content.Loader
	repo   storage.Repository
	snaps  snapshot.Store
	sink   notify.Sink
	opts   Options

	mu   sync.RWMutex
	live map[string]*liveSession

	nowFn func() time.Time
}

// NewManager creates a session manager
func NewManager(loader *content.Loader, repo storage.Repository, snaps snapshot.Store, sink notify.Sink, opts Options) Manager {
	if sink == nil {
		sink = notify.SinkFunc(func(notify.Event) {})
	}
	return &manager{
		loader: loader,
		repo:   repo,
		snaps:  snaps,
		sink:   sink,
		opts:   opts,
		live:   make(map[string]*liveSession),
		nowFn:  time.Now,
	}
}

// Create starts a new play session for a campaign
func (m *manager) Create(ctx context.Context, campaignName, playerID string) (*models.Session, error) {
	campaign := m.loader.Get(campaignName)
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}

	now := m.nowFn()
	row := &models.Session{
		ID:          uuid.New().String(),
		Campaign:    campaignName,
		PlayerID:    playerID,
		Status:      models.SessionActive,
		CreatedAt:   now,
		LastEventAt: now,
	}

	ls := &liveSession{row: row, started: make(map[int]time.Time)}
	engine, err := progression.New(campaign, progression.Options{
		Sink:             &sessionSink{m: m, ls: ls},
		WarningThreshold: m.opts.WarningThreshold,
	})
	if err != nil {
		// Campaigns are validated at load; reaching this means the loader
		// was bypassed.
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}
	ls.engine = engine

	if err := m.repo.CreateSession(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.mu.Lock()
	m.live[row.ID] = ls
	m.mu.Unlock()

	slog.Info("session created",
		"session_id", row.ID,
		"campaign", campaignName,
		"player", playerID,
	)
	return row, nil
}

// Get returns the session row together with its per-level progression view
func (m *manager) Get(ctx context.Context, id string) (*models.SessionView, error) {
	ls, err := m.resume(ctx, id)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	row := *ls.row
	return &models.SessionView{
		Session: &row,
		Levels:  ls.engine.Views(m.nowFn()),
	}, nil
}

// List lists session rows matching the filters
func (m *manager) List(ctx context.Context, filters models.ListFilters) ([]*models.Session, error) {
	return m.repo.ListSessions(ctx, filters)
}

// End closes a session: no further events are accepted and its snapshot is
// discarded. The durable rows and results remain.
func (m *manager) End(ctx context.Context, id string) error {
	ls, err := m.resume(ctx, id)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	now := m.nowFn()
	ls.row.Status = models.SessionClosed
	ls.row.ClosedAt = &now
	ls.row.LastEventAt = now
	row := *ls.row
	ls.mu.Unlock()

	if err := m.repo.UpdateSession(ctx, &row); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	if err := m.snaps.Delete(ctx, id); err != nil {
		slog.Warn("failed to delete snapshot", "session_id", id, "error", err)
	}

	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()

	slog.Info("session ended", "session_id", id)
	return nil
}

// Results returns the attempt history for a session
func (m *manager) Results(ctx context.Context, id string) ([]*models.LevelResult, error) {
	s, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return m.repo.ListResults(ctx, id)
}

// StartLevel begins (or retries) a level attempt in a session
func (m *manager) StartLevel(ctx context.Context, id string, levelID int) error {
	return m.mutate(ctx, id, func(ls *liveSession, now time.Time) error {
		if err := ls.engine.Start(levelID, now); err != nil {
			return err
		}
		ls.started[levelID] = now
		return nil
	})
}

// Acquire routes a completed-program event into a session's level
func (m *manager) Acquire(ctx context.Context, id string, levelID int, ref models.Ref) error {
	return m.mutate(ctx, id, func(ls *liveSession, now time.Time) error {
		if err := ls.engine.Acquire(levelID, ref, now); err != nil {
			return err
		}

		go m.logAcquisition(ls.row.ID, levelID, ref, now)
		return nil
	})
}

// Penalize shaves time off a running level's budget
func (m *manager) Penalize(ctx context.Context, id string, levelID int, d time.Duration) error {
	return m.mutate(ctx, id, func(ls *liveSession, now time.Time) error {
		if err := ls.engine.Penalize(levelID, d, now); err != nil {
			return err
		}
		ls.dirty = true
		return nil
	})
}

// TickAll advances the timers of every live session. Driven by the tick
// worker; the engines themselves never consult a clock.
func (m *manager) TickAll(ctx context.Context, now time.Time) {
	m.mu.RLock()
	sessions := make([]*liveSession, 0, len(m.live))
	for _, ls := range m.live {
		sessions = append(sessions, ls)
	}
	m.mu.RUnlock()

	for _, ls := range sessions {
		ls.mu.Lock()
		ls.engine.Tick(now)
		if ls.dirty {
			m.saveSnapshot(ctx, ls)
		}
		ls.mu.Unlock()
	}
}

// SweepIdle closes active sessions that have gone without an event for
// longer than idleAfter
func (m *manager) SweepIdle(ctx context.Context, now time.Time, idleAfter time.Duration) {
	if idleAfter <= 0 {
		return
	}

	rows, err := m.repo.ListSessions(ctx, models.ListFilters{
		Status: models.SessionActive,
		Limit:  500,
	})
	if err != nil {
		slog.Error("failed to list sessions for sweep", "error", err)
		return
	}

	for _, row := range rows {
		if row.IdleFor(now) < idleAfter {
			continue
		}

		slog.Info("sweeping idle session",
			"session_id", row.ID,
			"idle", row.IdleFor(now),
		)
		if err := m.End(ctx, row.ID); err != nil {
			slog.Error("failed to sweep session", "session_id", row.ID, "error", err)
		}
	}
}

// Ping checks that the manager's backing services are reachable
func (m *manager) Ping(ctx context.Context) error {
	if err := m.repo.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := m.snaps.HealthCheck(ctx); err != nil {
		return fmt.Errorf("snapshot store ping failed: %w", err)
	}
	return nil
}

// Close releases the manager's resources
func (m *manager) Close() error {
	return nil
}

// mutate runs fn against the session's engine under its mutex, stamps the
// activity time and saves a snapshot afterwards. Contract violations from
// the engine leave everything untouched.
func (m *manager) mutate(ctx context.Context, id string, fn func(ls *liveSession, now time.Time) error) error {
	ls, err := m.resume(ctx, id)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if !ls.row.IsActive() {
		return ErrSessionClosed
	}

	now := m.nowFn()
	if err := fn(ls, now); err != nil {
		return err
	}

	ls.row.LastEventAt = now
	m.saveSnapshot(ctx, ls)

	row := *ls.row
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.repo.UpdateSession(ctx, &row); err != nil {
			slog.Error("failed to update session row", "session_id", row.ID, "error", err)
		}
	}()

	return nil
}

// resume returns the live session, rebuilding it from persistence if the
// service restarted since it was last touched
func (m *manager) resume(ctx context.Context, id string) (*liveSession, error) {
	m.mu.RLock()
	ls, ok := m.live[id]
	m.mu.RUnlock()
	if ok {
		return ls, nil
	}

	row, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrSessionNotFound
	}

	campaign := m.loader.Get(row.Campaign)
	if campaign == nil {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, row.Campaign)
	}

	ls = &liveSession{row: row, started: make(map[int]time.Time)}
	engine, err := progression.New(campaign, progression.Options{
		Sink:             &sessionSink{m: m, ls: ls},
		WarningThreshold: m.opts.WarningThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild engine: %w", err)
	}
	ls.engine = engine

	if err := m.restoreState(ctx, ls); err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Another caller may have resumed concurrently; keep the first.
	if existing, ok := m.live[id]; ok {
		ls = existing
	} else {
		m.live[id] = ls
	}
	m.mu.Unlock()

	return ls, nil
}

// restoreState rehydrates engine state, preferring the snapshot store and
// falling back to replaying completed levels from the durable results. The
// fallback loses any in-flight attempt, which simply returns the level to
// its startable status.
func (m *manager) restoreState(ctx context.Context, ls *liveSession) error {
	snap, ok, err := m.snaps.Load(ctx, ls.row.ID)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if ok {
		if err := ls.engine.Restore(snap); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
		// In-flight attempts restored from the snapshot can finish via
		// completion or failure; stamp a start time so results stay sane.
		for id, lvl := range snap.Levels {
			if lvl.Status == models.LevelInProgress {
				ls.started[id] = lvl.StartedAt
			}
		}
		slog.Info("session restored from snapshot", "session_id", ls.row.ID)
		return nil
	}

	results, err := m.repo.ListResults(ctx, ls.row.ID)
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}

	if err := ls.engine.Restore(rebuildSnapshot(ls.engine, results)); err != nil {
		return fmt.Errorf("failed to rebuild state from results: %w", err)
	}
	slog.Info("session rebuilt from results", "session_id", ls.row.ID, "results", len(results))
	return nil
}

// rebuildSnapshot derives a snapshot from durable attempt results: completed
// levels stay completed, everything else falls back to locked/unlocked as
// the requirement graph dictates
func rebuildSnapshot(e *progression.Engine, results []*models.LevelResult) progression.Snapshot {
	completed := make(map[int]struct{})
	for _, res := range results {
		if res.Outcome == models.LevelCompleted {
			completed[res.LevelID] = struct{}{}
		}
	}

	fresh := e.Snapshot()
	snap := progression.Snapshot{Levels: make(map[int]progression.LevelSnapshot, len(fresh.Levels))}
	for id := range fresh.Levels {
		if _, ok := completed[id]; ok {
			snap.Levels[id] = progression.LevelSnapshot{Status: models.LevelCompleted}
		} else {
			snap.Levels[id] = progression.LevelSnapshot{Status: models.LevelLocked}
		}
	}

	// Second pass: unlock everything whose requirements are all completed.
	// The engine validated the requirement DAG, so this terminates.
	for id, lvl := range snap.Levels {
		if lvl.Status == models.LevelCompleted {
			continue
		}
		unlocked := true
		for _, req := range e.Requires(id) {
			if _, ok := completed[req]; !ok {
				unlocked = false
				break
			}
		}
		if unlocked {
			snap.Levels[id] = progression.LevelSnapshot{Status: models.LevelUnlocked}
		}
	}

	return snap
}

// saveSnapshot persists the engine state; callers hold the session mutex
func (m *manager) saveSnapshot(ctx context.Context, ls *liveSession) {
	if err := m.snaps.Save(ctx, ls.row.ID, ls.engine.Snapshot()); err != nil {
		slog.Error("failed to save snapshot", "session_id", ls.row.ID, "error", err)
		return
	}
	ls.dirty = false
}

// logAcquisition appends to the durable acquisition log off the hot path
func (m *manager) logAcquisition(sessionID string, levelID int, ref models.Ref, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acq := &models.Acquisition{
		SessionID: sessionID,
		LevelID:   levelID,
		Command:   ref.Command,
		Class:     ref.Class,
		At:        at,
	}
	if err := m.repo.RecordAcquisition(ctx, acq); err != nil {
		slog.Error("failed to log acquisition", "session_id", sessionID, "error", err)
	}
}

// sessionSink stamps engine events with their session, records terminal
// attempt outcomes and forwards everything to the manager's sink
type sessionSink struct {
	m  *manager
	ls *liveSession
}

// Notify implements notify.Sink. Called synchronously by the engine while
// the session mutex is held, so it must not re-enter the manager.
func (s *sessionSink) Notify(ev notify.Event) {
	ev.SessionID = s.ls.row.ID
	s.ls.dirty = true

	switch ev.Type {
	case notify.LevelCompleted, notify.LevelFailed:
		outcome := models.LevelCompleted
		if ev.Type == notify.LevelFailed {
			outcome = models.LevelFailed
		}

		res := &models.LevelResult{
			SessionID:  s.ls.row.ID,
			LevelID:    ev.LevelID,
			Outcome:    outcome,
			Reason:     ev.Reason,
			StartedAt:  s.ls.started[ev.LevelID],
			FinishedAt: ev.At,
		}
		res.Duration = res.FinishedAt.Sub(res.StartedAt)

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.m.repo.RecordResult(ctx, res); err != nil {
				slog.Error("failed to record level result",
					"session_id", res.SessionID,
					"level_id", res.LevelID,
					"error", err,
				)
			}
		}()
	}

	s.m.sink.Notify(ev)
}

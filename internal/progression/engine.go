package progression

import (
	"errors"
	"fmt"
	"time"

	"github.com/terra-clan/mainframe-engine/internal/models"
	"github.com/terra-clan/mainframe-engine/internal/notify"
)

// Contract-violation errors. The engine's state is untouched when one of
// these is returned.
var (
	ErrUnknownLevel   = errors.New("unknown level")
	ErrNotUnlocked    = errors.New("level is not unlocked")
	ErrNotInProgress  = errors.New("level is not in progress")
	ErrInvalidContent = errors.New("invalid campaign content")
)

// Options configures an Engine
type Options struct {
	// Sink receives progression notifications. nil means no notifications.
	Sink notify.Sink

	// WarningThreshold emits a one-shot LevelTimeLow per attempt once the
	// remaining budget drops to or below this value. Zero disables it.
	WarningThreshold time.Duration
}

// levelState is the mutable per-level runtime state of one session
type levelState struct {
	status    models.LevelStatus
	startedAt time.Time
	deadline  *time.Time
	warned    bool
	trackers  map[string]*Tracker
}

// Engine is the progression controller for one campaign playthrough. It owns
// all level statuses and quota state, routes acquisition events, and is the
// sole authority for time-based failure. Construction validates the content
// exhaustively; a campaign that fails validation never yields an engine.
//
// The engine is logically single-threaded: callers must serialize Start,
// Acquire, Penalize and Tick.
type Engine struct {
	campaign *models.Campaign
	registry *Registry
	levels   *Graph[int]
	groups   map[int]*Graph[string]
	pools    map[int]map[string][]Handle
	state    map[int]*levelState
	sink     notify.Sink
	warnAt   time.Duration
}

// New builds an engine from a campaign, validating both dependency tiers,
// every quota and every program reference
func New(campaign *models.Campaign, opts Options) (*Engine, error) {
	e := &Engine{
		campaign: campaign,
		registry: NewRegistry(),
		levels:   NewGraph[int](),
		groups:   make(map[int]*Graph[string], len(campaign.Levels)),
		pools:    make(map[int]map[string][]Handle, len(campaign.Levels)),
		state:    make(map[int]*levelState, len(campaign.Levels)),
		sink:     opts.Sink,
		warnAt:   opts.WarningThreshold,
	}
	if e.sink == nil {
		e.sink = notify.SinkFunc(func(notify.Event) {})
	}

	if err := e.build(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidContent, err)
	}

	// Initial unlock pass against the empty completed set: levels with no
	// requirements start unlocked, everything else locked.
	for _, lvl := range campaign.Levels {
		status := models.LevelLocked
		if len(lvl.Requires) == 0 {
			status = models.LevelUnlocked
		}
		e.state[lvl.ID].status = status
	}

	return e, nil
}

// build constructs and validates the graphs, registry and trackers
func (e *Engine) build() error {
	for _, lvl := range e.campaign.Levels {
		if err := e.levels.AddNode(lvl.ID); err != nil {
			return fmt.Errorf("level %d: %w", lvl.ID, err)
		}
	}

	for _, lvl := range e.campaign.Levels {
		for _, req := range lvl.Requires {
			if err := e.levels.AddEdge(lvl.ID, req); err != nil {
				return fmt.Errorf("level %d: %w", lvl.ID, err)
			}
		}

		if err := e.buildLevel(lvl); err != nil {
			return fmt.Errorf("level %d (%s): %w", lvl.ID, lvl.Name, err)
		}
	}

	if err := e.levels.Validate(); err != nil {
		return err
	}
	return nil
}

// buildLevel validates one level's group tier and interns its pools
func (e *Engine) buildLevel(lvl *models.Level) error {
	if len(lvl.GroupOrder) == 0 {
		return fmt.Errorf("level declares no program groups")
	}

	gg := NewGraph[string]()
	pools := make(map[string][]Handle, len(lvl.Groups))
	st := &levelState{trackers: make(map[string]*Tracker, len(lvl.Groups))}

	for _, name := range lvl.GroupOrder {
		if err := gg.AddNode(name); err != nil {
			return fmt.Errorf("group %q: %w", name, err)
		}
	}

	for _, name := range lvl.GroupOrder {
		group := lvl.Groups[name]

		for _, dep := range group.DependsOn {
			if err := gg.AddEdge(name, dep); err != nil {
				return fmt.Errorf("group %q: %w", name, err)
			}
		}

		if group.Quota < 1 {
			return fmt.Errorf("group %q: quota must be >= 1, got %d", name, group.Quota)
		}
		if distinct := group.DistinctPool(); group.Quota > distinct {
			return fmt.Errorf("group %q: quota %d exceeds distinct pool size %d",
				name, group.Quota, distinct)
		}

		handles := make([]Handle, 0, len(group.Pool))
		for _, ref := range group.Pool {
			h, err := e.registry.Intern(ref)
			if err != nil {
				return fmt.Errorf("group %q: %w", name, err)
			}
			handles = append(handles, h)
		}

		pools[name] = handles
		st.trackers[name] = NewTracker(group.Quota, handles)
	}

	if err := gg.Validate(); err != nil {
		return err
	}

	e.groups[lvl.ID] = gg
	e.pools[lvl.ID] = pools
	e.state[lvl.ID] = st
	return nil
}

// Start begins (or restarts) an attempt at a level. Allowed from Unlocked or
// Failed; all quota state for the level is reset and the timer armed.
func (e *Engine) Start(levelID int, now time.Time) error {
	st, ok := e.state[levelID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLevel, levelID)
	}
	if !st.status.CanStart() {
		return fmt.Errorf("%w: level %d is %s", ErrNotUnlocked, levelID, st.status)
	}

	for _, t := range st.trackers {
		t.Reset()
	}

	st.status = models.LevelInProgress
	st.startedAt = now
	st.warned = false
	st.deadline = nil

	lvl := e.campaign.Level(levelID)
	if !lvl.Unbounded() {
		d := now.Add(lvl.TimeBudget)
		st.deadline = &d
	}

	e.emit(notify.Event{Type: notify.LevelStarted, LevelID: levelID, At: now})
	return nil
}

// Acquire routes a completed-program event into the level. The reference is
// offered to every group in dependency order; it counts toward each group
// whose pool contains it and whose dependencies are satisfied at that point
// in the pass, so one acquisition may satisfy a chain of groups' gates but
// only ever counts once per group. References relevant to no group are
// silently ignored.
func (e *Engine) Acquire(levelID int, ref models.Ref, now time.Time) error {
	st, ok := e.state[levelID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLevel, levelID)
	}
	if st.status != models.LevelInProgress {
		return fmt.Errorf("%w: level %d is %s", ErrNotInProgress, levelID, st.status)
	}

	h, known := e.registry.Lookup(ref)
	if !known {
		// Never appears in any pool of the campaign.
		return nil
	}

	satisfied := func(name string) bool { return st.trackers[name].Satisfied() }

	for _, name := range e.groups[levelID].TopoOrder() {
		tracker := st.trackers[name]
		if tracker.Satisfied() {
			continue
		}

		blocked := false
		for _, dep := range e.groups[levelID].Deps(name) {
			if !satisfied(dep) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}

		if tracker.Record(h) == RecordNewlySatisfied {
			e.emit(notify.Event{
				Type:    notify.GroupSatisfied,
				LevelID: levelID,
				Group:   name,
				At:      now,
			})
		}
	}

	if e.levelComplete(levelID) {
		e.complete(levelID, now)
	}
	return nil
}

// Tick advances all running timers. It is the only source of time-based
// transitions; the engine never consults a clock on its own.
func (e *Engine) Tick(now time.Time) {
	for _, lvl := range e.campaign.Levels {
		st := e.state[lvl.ID]
		if st.status != models.LevelInProgress || st.deadline == nil {
			continue
		}

		remaining := st.deadline.Sub(now)
		if remaining <= 0 {
			st.status = models.LevelFailed
			st.deadline = nil
			e.emit(notify.Event{
				Type:    notify.LevelFailed,
				LevelID: lvl.ID,
				Reason:  "time budget exhausted",
				At:      now,
			})
			continue
		}

		if e.warnAt > 0 && !st.warned && remaining <= e.warnAt {
			st.warned = true
			e.emit(notify.Event{
				Type:      notify.LevelTimeLow,
				LevelID:   lvl.ID,
				Remaining: remaining,
				At:        now,
			})
		}
	}
}

// Penalize shaves d off the remaining budget of a running level. The level
// fails on the next Tick if the penalty exhausts the budget, never directly.
// Penalties against unbounded levels are a no-op.
func (e *Engine) Penalize(levelID int, d time.Duration, now time.Time) error {
	st, ok := e.state[levelID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLevel, levelID)
	}
	if st.status != models.LevelInProgress {
		return fmt.Errorf("%w: level %d is %s", ErrNotInProgress, levelID, st.status)
	}
	if st.deadline == nil || d <= 0 {
		return nil
	}

	moved := st.deadline.Add(-d)
	st.deadline = &moved
	return nil
}

// Status returns the current status of a level
func (e *Engine) Status(levelID int) (models.LevelStatus, error) {
	st, ok := e.state[levelID]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownLevel, levelID)
	}
	return st.status, nil
}

// Unlocked returns the ids of all levels currently startable or beyond
// (anything no longer locked)
func (e *Engine) Unlocked() []int {
	var out []int
	for _, lvl := range e.campaign.Levels {
		if e.state[lvl.ID].status != models.LevelLocked {
			out = append(out, lvl.ID)
		}
	}
	return out
}

// Completed returns the ids of all completed levels
func (e *Engine) Completed() []int {
	var out []int
	for _, lvl := range e.campaign.Levels {
		if e.state[lvl.ID].status == models.LevelCompleted {
			out = append(out, lvl.ID)
		}
	}
	return out
}

// Requires returns the ids of the levels a level depends on. Nil for an
// unknown level.
func (e *Engine) Requires(levelID int) []int {
	return e.levels.Deps(levelID)
}

// ActiveGroups returns the groups of a level that are eligible to progress:
// not yet satisfied, with every dependency satisfied. Empty unless the level
// is in progress.
func (e *Engine) ActiveGroups(levelID int) ([]string, error) {
	st, ok := e.state[levelID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, levelID)
	}
	if st.status != models.LevelInProgress {
		return nil, nil
	}

	return e.groups[levelID].Ready(func(name string) bool {
		return st.trackers[name].Satisfied()
	}), nil
}

// GroupSatisfiedState reports whether a single group is satisfied
func (e *Engine) GroupSatisfiedState(levelID int, group string) (bool, error) {
	st, ok := e.state[levelID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownLevel, levelID)
	}
	t, ok := st.trackers[group]
	if !ok {
		return false, fmt.Errorf("unknown group %q in level %d", group, levelID)
	}
	return t.Satisfied(), nil
}

// Remaining returns the time left on a running level's budget. ok is false
// for unbounded levels and levels not in progress.
func (e *Engine) Remaining(levelID int, now time.Time) (time.Duration, bool) {
	st, found := e.state[levelID]
	if !found || st.status != models.LevelInProgress || st.deadline == nil {
		return 0, false
	}
	remaining := st.deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Views returns the per-level progression view for all levels
func (e *Engine) Views(now time.Time) []models.LevelView {
	views := make([]models.LevelView, 0, len(e.campaign.Levels))
	for _, lvl := range e.campaign.Levels {
		st := e.state[lvl.ID]

		view := models.LevelView{
			ID:     lvl.ID,
			Name:   lvl.Name,
			Cmd:    lvl.Cmd,
			Status: st.status,
		}
		if remaining, ok := e.Remaining(lvl.ID, now); ok {
			view.RemainingSeconds = int(remaining.Seconds())
		}

		if st.status == models.LevelInProgress {
			active, _ := e.ActiveGroups(lvl.ID)
			activeSet := make(map[string]struct{}, len(active))
			for _, name := range active {
				activeSet[name] = struct{}{}
			}

			for _, name := range lvl.GroupOrder {
				tracker := st.trackers[name]
				_, isActive := activeSet[name]
				view.Groups = append(view.Groups, models.GroupView{
					Name:      name,
					Quota:     lvl.Groups[name].Quota,
					Acquired:  tracker.AcquiredCount(),
					Satisfied: tracker.Satisfied(),
					Active:    isActive,
				})
			}
		}

		views = append(views, view)
	}
	return views
}

// levelComplete reports whether every group of the level is satisfied
func (e *Engine) levelComplete(levelID int) bool {
	st := e.state[levelID]
	for _, t := range st.trackers {
		if !t.Satisfied() {
			return false
		}
	}
	return true
}

// complete marks a level completed and cascades unlocks to dependents
func (e *Engine) complete(levelID int, now time.Time) {
	st := e.state[levelID]
	st.status = models.LevelCompleted
	st.deadline = nil

	e.emit(notify.Event{Type: notify.LevelCompleted, LevelID: levelID, At: now})

	completed := make(map[int]struct{})
	for _, id := range e.Completed() {
		completed[id] = struct{}{}
	}

	for _, id := range e.levels.Nodes() {
		if e.state[id].status != models.LevelLocked {
			continue
		}

		ready := true
		for _, req := range e.levels.Deps(id) {
			if _, ok := completed[req]; !ok {
				ready = false
				break
			}
		}
		if ready {
			e.state[id].status = models.LevelUnlocked
			e.emit(notify.Event{Type: notify.LevelUnlocked, LevelID: id, At: now})
		}
	}
}

func (e *Engine) emit(ev notify.Event) {
	e.sink.Notify(ev)
}

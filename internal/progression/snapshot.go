package progression

import (
	"fmt"
	"time"

	"github.com/terra-clan/mainframe-engine/internal/models"
)

// GroupSnapshot captures the acquired set of one group during an attempt
type GroupSnapshot struct {
	Acquired []models.Ref `json:"acquired,omitempty"`
}

// LevelSnapshot captures the runtime state of one level
type LevelSnapshot struct {
	Status    models.LevelStatus       `json:"status"`
	StartedAt time.Time                `json:"started_at,omitempty"`
	Deadline  *time.Time               `json:"deadline,omitempty"`
	Warned    bool                     `json:"warned,omitempty"`
	Groups    map[string]GroupSnapshot `json:"groups,omitempty"`
}

// Snapshot is the full serializable state of an engine. It carries program
// references rather than handles so it survives across processes.
type Snapshot struct {
	Levels map[int]LevelSnapshot `json:"levels"`
}

// Snapshot captures the engine's complete runtime state for external
// persistence
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{Levels: make(map[int]LevelSnapshot, len(e.state))}

	for id, st := range e.state {
		ls := LevelSnapshot{
			Status:    st.status,
			StartedAt: st.startedAt,
			Warned:    st.warned,
		}
		if st.deadline != nil {
			d := *st.deadline
			ls.Deadline = &d
		}

		if st.status == models.LevelInProgress {
			ls.Groups = make(map[string]GroupSnapshot, len(st.trackers))
			for name, tracker := range st.trackers {
				handles := tracker.Acquired()
				if len(handles) == 0 {
					continue
				}
				refs := make([]models.Ref, 0, len(handles))
				for _, h := range handles {
					refs = append(refs, e.registry.Ref(h))
				}
				ls.Groups[name] = GroupSnapshot{Acquired: refs}
			}
		}

		snap.Levels[id] = ls
	}

	return snap
}

// Restore replaces the engine's runtime state with a previously captured
// snapshot. The snapshot must come from the same campaign content; unknown
// levels, groups or references are rejected.
func (e *Engine) Restore(snap Snapshot) error {
	for id := range snap.Levels {
		if _, ok := e.state[id]; !ok {
			return fmt.Errorf("snapshot refers to %w %d", ErrUnknownLevel, id)
		}
	}

	for id, ls := range snap.Levels {
		st := e.state[id]
		st.status = ls.Status
		st.startedAt = ls.StartedAt
		st.warned = ls.Warned
		st.deadline = nil
		if ls.Deadline != nil {
			d := *ls.Deadline
			st.deadline = &d
		}

		for _, tracker := range st.trackers {
			tracker.Reset()
		}

		for name, gs := range ls.Groups {
			tracker, ok := st.trackers[name]
			if !ok {
				return fmt.Errorf("snapshot refers to unknown group %q in level %d", name, id)
			}
			for _, ref := range gs.Acquired {
				h, ok := e.registry.Lookup(ref)
				if !ok {
					return fmt.Errorf("snapshot refers to unknown reference %s", ref)
				}
				if tracker.Record(h) == RecordIgnored {
					return fmt.Errorf("snapshot reference %s is not in pool of group %q", ref, name)
				}
			}
		}
	}

	return nil
}

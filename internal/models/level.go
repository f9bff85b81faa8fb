package models

import (
	"fmt"
	"time"
)

// LevelStatus represents the current state of a level within a session
type LevelStatus string

const (
	LevelLocked     LevelStatus = "locked"      // Requirements not yet completed
	LevelUnlocked   LevelStatus = "unlocked"    // Startable, not yet attempted
	LevelInProgress LevelStatus = "in_progress" // Attempt running, timer ticking
	LevelCompleted  LevelStatus = "completed"   // Every program group satisfied
	LevelFailed     LevelStatus = "failed"      // Time budget exhausted
)

// IsTerminal returns true if the status is a final state.
// Failed is not terminal: failed levels may be restarted.
func (s LevelStatus) IsTerminal() bool {
	return s == LevelCompleted
}

// CanStart returns true if a level in this status may begin an attempt
func (s LevelStatus) CanStart() bool {
	return s == LevelUnlocked || s == LevelFailed
}

// Ref identifies a security program by its terminal command and program class.
// Two refs are equal iff both fields match.
type Ref struct {
	Command string `json:"command" yaml:"command"`
	Class   string `json:"class" yaml:"class"`
}

// String returns the canonical "command/class" form, used in logs
func (r Ref) String() string {
	return r.Command + "/" + r.Class
}

// ProgramGroup is a named sub-goal within a level: acquire Quota distinct
// programs out of Pool, gated behind the sibling groups named in DependsOn.
type ProgramGroup struct {
	Name      string   `json:"name" yaml:"name"`
	Quota     int      `json:"quota" yaml:"quota"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Pool      []Ref    `json:"pool" yaml:"pool"`
}

// DistinctPool returns the number of distinct refs in the group's pool
func (g *ProgramGroup) DistinctPool() int {
	seen := make(map[Ref]struct{}, len(g.Pool))
	for _, ref := range g.Pool {
		seen[ref] = struct{}{}
	}
	return len(seen)
}

// Level is an independently unlockable unit of content. Cmd is opaque to the
// engine; it is handed to whatever establishes the in-game connection.
type Level struct {
	ID         int           `json:"id" yaml:"id"`
	Name       string        `json:"name" yaml:"name"`
	Cmd        string        `json:"cmd,omitempty" yaml:"cmd,omitempty"`
	TimeBudget time.Duration `json:"time_budget" yaml:"time_budget"`
	Requires   []int         `json:"requires,omitempty" yaml:"requires,omitempty"`
	Groups     map[string]*ProgramGroup `json:"groups" yaml:"groups"`

	// GroupOrder preserves declaration order for deterministic routing
	GroupOrder []string `json:"group_order,omitempty" yaml:"group_order,omitempty"`
}

// Unbounded returns true if the level has no time budget
func (l *Level) Unbounded() bool {
	return l.TimeBudget <= 0
}

// Campaign is a validated, immutable set of levels loaded from content
type Campaign struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Levels      []*Level `json:"levels"`
}

// Level returns the level with the given id, or nil
func (c *Campaign) Level(id int) *Level {
	for _, lvl := range c.Levels {
		if lvl.ID == id {
			return lvl
		}
	}
	return nil
}

// LevelIDs returns all level ids in declaration order
func (c *Campaign) LevelIDs() []int {
	ids := make([]int, 0, len(c.Levels))
	for _, lvl := range c.Levels {
		ids = append(ids, lvl.ID)
	}
	return ids
}

// GroupView is the per-group progression snapshot exposed to callers
type GroupView struct {
	Name      string `json:"name"`
	Quota     int    `json:"quota"`
	Acquired  int    `json:"acquired"`
	Satisfied bool   `json:"satisfied"`
	Active    bool   `json:"active"`
}

// LevelView is the per-level progression snapshot exposed to callers
type LevelView struct {
	ID               int         `json:"id"`
	Name             string      `json:"name"`
	Cmd              string      `json:"cmd,omitempty"`
	Status           LevelStatus `json:"status"`
	RemainingSeconds int         `json:"remaining_seconds"`
	Groups           []GroupView `json:"groups,omitempty"`
}

// String implements fmt.Stringer for quick log lines
func (v LevelView) String() string {
	return fmt.Sprintf("level %d (%s): %s", v.ID, v.Name, v.Status)
}

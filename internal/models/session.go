package models

import (
	"time"
)

// SessionStatus represents the current state of a play session
type SessionStatus string

const (
	SessionActive SessionStatus = "active" // Engine live, accepting events
	SessionClosed SessionStatus = "closed" // Ended by the caller or swept as idle
)

// Session represents one playthrough of a campaign. All progression state for
// the session lives in its engine instance; the row carries identity and
// bookkeeping only.
type Session struct {
	ID          string        `json:"id"`
	Campaign    string        `json:"campaign"`
	PlayerID    string        `json:"player_id"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	LastEventAt time.Time     `json:"last_event_at"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty"`
}

// IsActive returns true if the session still accepts progression events
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// IdleFor returns how long the session has gone without an event
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastEventAt)
}

// LevelResult records the outcome of a single level attempt
type LevelResult struct {
	ID         int64         `json:"id"`
	SessionID  string        `json:"session_id"`
	LevelID    int           `json:"level_id"`
	Outcome    LevelStatus   `json:"outcome"` // completed or failed
	Reason     string        `json:"reason,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Acquisition is one entry of the append-only acquisition event log
type Acquisition struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	LevelID   int       `json:"level_id"`
	Command   string    `json:"command"`
	Class     string    `json:"class"`
	At        time.Time `json:"at"`
}

// CreateSessionRequest represents a request to create a session
type CreateSessionRequest struct {
	Campaign string `json:"campaign"`
	PlayerID string `json:"player_id"`
}

// AcquireRequest reports that the player completed a program in a level
type AcquireRequest struct {
	Command string `json:"command"`
	Class   string `json:"class"`
}

// PenaltyRequest shaves time off a running level's budget
type PenaltyRequest struct {
	Seconds int `json:"seconds"`
}

// SessionView is a session row together with its per-level progression
type SessionView struct {
	Session *Session    `json:"session"`
	Levels  []LevelView `json:"levels"`
}

// ListFilters defines filters for listing sessions
type ListFilters struct {
	Campaign string
	PlayerID string
	Status   SessionStatus
	Limit    int
	Offset   int
}

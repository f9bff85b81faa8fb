// Package snapshot persists live engine state so sessions survive a restart
// of the service. The durable record (results, event log) lives in Postgres;
// the snapshot store only holds the hot, resumable progression state.
package snapshot

import (
	"context"

	"github.com/terra-clan/mainframe-engine/internal/progression"
)

// Store saves and restores engine snapshots per session
type Store interface {
	// Save stores the snapshot for a session, refreshing its TTL
	Save(ctx context.Context, sessionID string, snap progression.Snapshot) error

	// Load retrieves a session's snapshot. ok is false when none exists
	// (expired or never saved).
	Load(ctx context.Context, sessionID string) (snap progression.Snapshot, ok bool, err error)

	// Delete removes a session's snapshot
	Delete(ctx context.Context, sessionID string) error

	// HealthCheck verifies the store is reachable
	HealthCheck(ctx context.Context) error

	Close() error
}

package storage

import (
	"context"

	"github.com/terra-clan/mainframe-engine/internal/models"
)

// Repository defines the interface for session persistence. Progression
// state itself lives in engine snapshots (internal/snapshot); the repository
// keeps the durable record: session rows, attempt results, the acquisition
// log and API clients.
type Repository interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	ListSessions(ctx context.Context, filters models.ListFilters) ([]*models.Session, error)

	// Level attempt results
	RecordResult(ctx context.Context, res *models.LevelResult) error
	ListResults(ctx context.Context, sessionID string) ([]*models.LevelResult, error)

	// Acquisition event log
	RecordAcquisition(ctx context.Context, acq *models.Acquisition) error

	// API Clients
	GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error)
	UpdateClientLastUsed(ctx context.Context, apiKey string) error

	// Health
	Ping(ctx context.Context) error
	Close() error
}

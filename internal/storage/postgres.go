package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terra-clan/mainframe-engine/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	} else {
		poolConfig.MaxConns = 25
	}

	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	} else {
		poolConfig.MinConns = 5
	}

	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	} else {
		poolConfig.MaxConnLifetime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateSession creates a new session record
func (r *PostgresRepository) CreateSession(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (id, campaign, player_id, status, created_at, last_event_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		s.ID,
		s.Campaign,
		s.PlayerID,
		string(s.Status),
		s.CreatedAt,
		s.LastEventAt,
		nullTime(s.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by ID. Returns (nil, nil) when not found.
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `
		SELECT id, campaign, player_id, status, created_at, last_event_at, closed_at
		FROM sessions
		WHERE id = $1
	`

	s, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return s, nil
}

// UpdateSession updates an existing session
func (r *PostgresRepository) UpdateSession(ctx context.Context, s *models.Session) error {
	query := `
		UPDATE sessions
		SET status = $2, last_event_at = $3, closed_at = $4
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		s.ID,
		string(s.Status),
		s.LastEventAt,
		nullTime(s.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not found", s.ID)
	}

	return nil
}

// ListSessions lists sessions matching the filters
func (r *PostgresRepository) ListSessions(ctx context.Context, filters models.ListFilters) ([]*models.Session, error) {
	query := `
		SELECT id, campaign, player_id, status, created_at, last_event_at, closed_at
		FROM sessions
		WHERE ($1 = '' OR campaign = $1)
		  AND ($2 = '' OR player_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, query,
		filters.Campaign,
		filters.PlayerID,
		string(filters.Status),
		limit,
		filters.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// RecordResult appends a level attempt result
func (r *PostgresRepository) RecordResult(ctx context.Context, res *models.LevelResult) error {
	query := `
		INSERT INTO level_results (session_id, level_id, outcome, reason, started_at, finished_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := r.pool.QueryRow(ctx, query,
		res.SessionID,
		res.LevelID,
		string(res.Outcome),
		nullString(res.Reason),
		res.StartedAt,
		res.FinishedAt,
		res.Duration.Milliseconds(),
	).Scan(&res.ID)
	if err != nil {
		return fmt.Errorf("failed to record level result: %w", err)
	}

	return nil
}

// ListResults returns all attempt results for a session, oldest first
func (r *PostgresRepository) ListResults(ctx context.Context, sessionID string) ([]*models.LevelResult, error) {
	query := `
		SELECT id, session_id, level_id, outcome, reason, started_at, finished_at, duration_ms
		FROM level_results
		WHERE session_id = $1
		ORDER BY finished_at ASC
	`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list level results: %w", err)
	}
	defer rows.Close()

	var results []*models.LevelResult
	for rows.Next() {
		var res models.LevelResult
		var outcome string
		var reason sql.NullString
		var durationMs int64

		if err := rows.Scan(
			&res.ID,
			&res.SessionID,
			&res.LevelID,
			&outcome,
			&reason,
			&res.StartedAt,
			&res.FinishedAt,
			&durationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan level result: %w", err)
		}

		res.Outcome = models.LevelStatus(outcome)
		res.Reason = reason.String
		res.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, &res)
	}

	return results, rows.Err()
}

// RecordAcquisition appends one acquisition event to the log
func (r *PostgresRepository) RecordAcquisition(ctx context.Context, acq *models.Acquisition) error {
	query := `
		INSERT INTO acquisitions (session_id, level_id, command, class, at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := r.pool.QueryRow(ctx, query,
		acq.SessionID,
		acq.LevelID,
		acq.Command,
		acq.Class,
		acq.At,
	).Scan(&acq.ID)
	if err != nil {
		return fmt.Errorf("failed to record acquisition: %w", err)
	}

	return nil
}

// GetClientByApiKey retrieves an API client by its key. Returns (nil, nil)
// when no client matches.
func (r *PostgresRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	query := `
		SELECT id, name, api_key, is_active, created_at, last_used_at, permissions
		FROM api_clients
		WHERE api_key = $1
	`

	var c models.ApiClient
	var lastUsed sql.NullTime

	err := r.pool.QueryRow(ctx, query, apiKey).Scan(
		&c.ID,
		&c.Name,
		&c.ApiKey,
		&c.IsActive,
		&c.CreatedAt,
		&lastUsed,
		&c.Permissions,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api client: %w", err)
	}

	if lastUsed.Valid {
		c.LastUsedAt = &lastUsed.Time
	}

	return &c, nil
}

// UpdateClientLastUsed stamps the client's last_used_at
func (r *PostgresRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE api_clients SET last_used_at = NOW() WHERE api_key = $1`, apiKey)
	if err != nil {
		return fmt.Errorf("failed to update client last_used_at: %w", err)
	}
	return nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var status string
	var closedAt sql.NullTime

	if err := row.Scan(
		&s.ID,
		&s.Campaign,
		&s.PlayerID,
		&status,
		&s.CreatedAt,
		&s.LastEventAt,
		&closedAt,
	); err != nil {
		return nil, err
	}

	s.Status = models.SessionStatus(status)
	if closedAt.Valid {
		s.ClosedAt = &closedAt.Time
	}

	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

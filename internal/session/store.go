// Package session persists generation sessions and per-iteration snapshots
// in Postgres. Snapshots are written at iteration boundaries only, so a
// reader always sees consistent loop state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modelsmith/cad-orchestrator/internal/model"
)

// ErrNotFound is returned when a session or snapshot does not exist.
var ErrNotFound = errors.New("session not found")

// Session is one generation session row.
type Session struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Prompt        string          `json:"prompt"`
	Status        model.RunStatus `json:"status"`
	MaxIterations int             `json:"max_iterations"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IterationRecord is one persisted snapshot of loop state.
type IterationRecord struct {
	SessionID uuid.UUID       `json:"session_id"`
	Iteration int             `json:"iteration"`
	State     model.LoopState `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store reads and writes sessions through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a session store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateSession inserts a new session in pending state.
func (s *Store) CreateSession(ctx context.Context, userID uuid.UUID, prompt string, maxIterations int) (uuid.UUID, error) {
	var sessionID uuid.UUID

	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (user_id, prompt, status, max_iterations)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		userID, prompt, model.StatusPending, maxIterations,
	).Scan(&sessionID)

	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create session: %w", err)
	}

	return sessionID, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	var sess Session

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, prompt, status, max_iterations, created_at, updated_at
		FROM sessions
		WHERE id = $1
	`, sessionID).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.Prompt,
		&sess.Status,
		&sess.MaxIterations,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &sess, nil
}

// SaveIteration upserts the snapshot for one iteration and keeps the session
// row's status in step with the loop.
func (s *Store) SaveIteration(ctx context.Context, sessionID uuid.UUID, state model.LoopState) error {
	snapshot, err := EncodeSnapshot(state)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO session_iterations (session_id, iteration, state)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, iteration) DO UPDATE SET state = EXCLUDED.state`,
		sessionID, state.Iteration, snapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to save iteration snapshot: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE sessions SET status = $2, updated_at = NOW() WHERE id = $1`,
		sessionID, state.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit iteration snapshot: %w", err)
	}

	return nil
}

// LoadLatest returns the most recent snapshot for a session.
func (s *Store) LoadLatest(ctx context.Context, sessionID uuid.UUID) (*IterationRecord, error) {
	var rec IterationRecord
	var raw []byte

	err := s.pool.QueryRow(ctx, `
		SELECT session_id, iteration, state, created_at
		FROM session_iterations
		WHERE session_id = $1
		ORDER BY iteration DESC
		LIMIT 1
	`, sessionID).Scan(&rec.SessionID, &rec.Iteration, &raw, &rec.CreatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	state, err := DecodeSnapshot(raw)
	if err != nil {
		return nil, err
	}
	rec.State = state

	return &rec, nil
}

// ListIterations returns every snapshot for a session in iteration order.
func (s *Store) ListIterations(ctx context.Context, sessionID uuid.UUID) ([]*IterationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, iteration, state, created_at
		FROM session_iterations
		WHERE session_id = $1
		ORDER BY iteration ASC
	`, sessionID)

	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	var records []*IterationRecord
	for rows.Next() {
		var rec IterationRecord
		var raw []byte
		if err := rows.Scan(&rec.SessionID, &rec.Iteration, &raw, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		state, err := DecodeSnapshot(raw)
		if err != nil {
			return nil, err
		}
		rec.State = state
		records = append(records, &rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return records, nil
}

// UpdateStatus sets the session row's status directly, used when a run turns
// fatal before any snapshot exists.
func (s *Store) UpdateStatus(ctx context.Context, sessionID uuid.UUID, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $2, updated_at = NOW() WHERE id = $1`,
		sessionID, status,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EncodeSnapshot serializes loop state for the jsonb state column.
func EncodeSnapshot(state model.LoopState) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return raw, nil
}

// DecodeSnapshot deserializes a jsonb state column value.
func DecodeSnapshot(raw []byte) (model.LoopState, error) {
	var state model.LoopState
	if err := json.Unmarshal(raw, &state); err != nil {
		return model.LoopState{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return state, nil
}

package patterns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sqliteStore persists patterns in the shared reviewd database. The single
// database connection serializes read-modify-write cycles, which keeps
// concurrent upserts combining instead of clobbering each other.
type sqliteStore struct {
	db       *sql.DB
	halfLife time.Duration
}

// NewSQLiteStore wraps an already-opened, migrated database handle.
func NewSQLiteStore(db *sql.DB, halfLife time.Duration) (Store, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	return &sqliteStore{db: db, halfLife: halfLife}, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, req *UpsertRequest, now time.Time) (*Pattern, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	var (
		confidence float64
		frequency  int
		source     string
		createdAt  int64
		updatedAt  int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT confidence, frequency, source, created_at, updated_at
		 FROM patterns WHERE scope = ? AND pattern_type = ? AND value = ?`,
		req.Scope, req.Type, req.Value,
	).Scan(&confidence, &frequency, &source, &createdAt, &updatedAt)

	switch {
	case err == nil:
		decayed := DecayConfidence(confidence, now.Sub(time.Unix(updatedAt, 0)), s.halfLife)
		confidence = Reinforce(decayed, req.Weight)
		frequency++
		if req.Source == SourceUntrusted {
			source = string(SourceUntrusted)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE patterns SET confidence = ?, frequency = ?, source = ?, updated_at = ?
			 WHERE scope = ? AND pattern_type = ? AND value = ?`,
			confidence, frequency, source, now.Unix(),
			req.Scope, req.Type, req.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to update pattern: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		confidence = Reinforce(0, req.Weight)
		frequency = 1
		source = string(req.Source)
		createdAt = now.Unix()
		updatedAt = now.Unix()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO patterns (scope, pattern_type, value, confidence, frequency, source, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			req.Scope, req.Type, req.Value, confidence, frequency, source, createdAt, now.Unix())
		if err != nil {
			return nil, fmt.Errorf("failed to insert pattern: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to read pattern: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upsert: %w", err)
	}

	return &Pattern{
		Scope:      req.Scope,
		Type:       req.Type,
		Value:      req.Value,
		Confidence: confidence,
		Frequency:  frequency,
		Source:     Source(source),
		CreatedAt:  time.Unix(createdAt, 0),
		UpdatedAt:  now,
	}, nil
}

func (s *sqliteStore) Get(ctx context.Context, scope, patternType string) ([]Pattern, error) {
	query := `SELECT scope, pattern_type, value, confidence, frequency, source, created_at, updated_at
		 FROM patterns WHERE scope = ?`
	args := []any{scope}
	if patternType != "" {
		query += ` AND pattern_type = ?`
		args = append(args, patternType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		var source string
		var createdAt, updatedAt int64
		if err := rows.Scan(&p.Scope, &p.Type, &p.Value, &p.Confidence, &p.Frequency, &source, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.Source = Source(source)
		p.CreatedAt = time.Unix(createdAt, 0)
		p.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Sweep(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	cutoff := now.Add(-ttl).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM patterns WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep patterns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqliteStore) RecordFrequency(ctx context.Context, ruleID string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_frequencies (rule_id, count) VALUES (?, 1)
		 ON CONFLICT(rule_id) DO UPDATE SET count = count + 1`, ruleID)
	if err != nil {
		return 0, fmt.Errorf("failed to record frequency: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count FROM rule_frequencies WHERE rule_id = ?`, ruleID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read frequency: %w", err)
	}
	return count, nil
}

func (s *sqliteStore) Frequencies(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_id, count FROM rule_frequencies`)
	if err != nil {
		return nil, fmt.Errorf("failed to query frequencies: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var ruleID string
		var count int
		if err := rows.Scan(&ruleID, &count); err != nil {
			return nil, err
		}
		out[ruleID] = count
	}
	return out, rows.Err()
}

// Close is a no-op; the database handle is owned by the caller.
func (s *sqliteStore) Close() error {
	return nil
}

var _ Store = (*sqliteStore)(nil)

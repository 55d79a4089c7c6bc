package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Checkpoint is one durable state transition. Sequence is monotonic per
// workflow; the highest sequence is the current state.
type Checkpoint struct {
	WorkflowID string    `json:"workflow_id"`
	Sequence   int       `json:"sequence"`
	Status     Status    `json:"status"`
	Step       Step      `json:"step"`
	Cursor     int       `json:"cursor"`
	RetryCount int       `json:"retry_count"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}

// CheckpointStore persists execution state transitions.
type CheckpointStore interface {
	// Save appends one checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// Latest returns the highest-sequence checkpoint, or ErrNotFound.
	Latest(ctx context.Context, workflowID string) (*Checkpoint, error)

	// Incomplete returns workflow IDs whose latest status is not terminal.
	Incomplete(ctx context.Context) ([]string, error)

	// Close releases the store.
	Close() error
}

// memoryCheckpointStore keeps checkpoints in process memory, for tests and
// single-shot CLI runs where resume-after-crash is not needed.
type memoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]Checkpoint
}

// NewMemoryCheckpointStore creates an in-memory checkpoint store.
func NewMemoryCheckpointStore() CheckpointStore {
	return &memoryCheckpointStore{checkpoints: make(map[string][]Checkpoint)}
}

func (m *memoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.WorkflowID] = append(m.checkpoints[cp.WorkflowID], *cp)
	return nil
}

func (m *memoryCheckpointStore) Latest(ctx context.Context, workflowID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.checkpoints[workflowID]
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	latest := cps[len(cps)-1]
	return &latest, nil
}

func (m *memoryCheckpointStore) Incomplete(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, cps := range m.checkpoints {
		if len(cps) > 0 && !cps[len(cps)-1].Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memoryCheckpointStore) Close() error { return nil }

// sqliteCheckpointStore persists checkpoints in the shared SQLite database.
type sqliteCheckpointStore struct {
	db *sql.DB
}

// NewSQLiteCheckpointStore wraps the shared database handle. The schema is
// created by storage.Open.
func NewSQLiteCheckpointStore(db *sql.DB) CheckpointStore {
	return &sqliteCheckpointStore{db: db}
}

func (s *sqliteCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints
			(workflow_id, sequence, status, step, cursor, retry_count, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.WorkflowID, cp.Sequence, string(cp.Status), string(cp.Step),
		cp.Cursor, cp.RetryCount, cp.State, cp.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *sqliteCheckpointStore) Latest(ctx context.Context, workflowID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, sequence, status, step, cursor, retry_count, state, created_at
		FROM workflow_checkpoints
		WHERE workflow_id = ?
		ORDER BY sequence DESC
		LIMIT 1`, workflowID)

	var cp Checkpoint
	var createdAt int64
	err := row.Scan(&cp.WorkflowID, &cp.Sequence, &cp.Status, &cp.Step,
		&cp.Cursor, &cp.RetryCount, &cp.State, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.CreatedAt = time.Unix(createdAt, 0)
	return &cp, nil
}

func (s *sqliteCheckpointStore) Incomplete(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.workflow_id
		FROM workflow_checkpoints c
		JOIN (
			SELECT workflow_id, MAX(sequence) AS seq
			FROM workflow_checkpoints
			GROUP BY workflow_id
		) latest ON latest.workflow_id = c.workflow_id AND latest.seq = c.sequence
		WHERE c.status NOT IN (?, ?, ?)
		ORDER BY c.workflow_id`,
		string(StatusSucceeded), string(StatusFailed), string(StatusRolledBack))
	if err != nil {
		return nil, fmt.Errorf("failed to query incomplete workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteCheckpointStore) Close() error { return nil }

// encodeState serializes the resumable portion of an execution.
func encodeState(exec *Execution) (string, error) {
	raw, err := json.Marshal(exec)
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow state: %w", err)
	}
	return string(raw), nil
}

// decodeState rebuilds an execution from checkpoint state.
func decodeState(state string) (*Execution, error) {
	var exec Execution
	if err := json.Unmarshal([]byte(state), &exec); err != nil {
		return nil, fmt.Errorf("failed to decode workflow state: %w", err)
	}
	return &exec, nil
}

var (
	_ CheckpointStore = (*memoryCheckpointStore)(nil)
	_ CheckpointStore = (*sqliteCheckpointStore)(nil)
)

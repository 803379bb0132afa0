// Package resultbuf is a durable FIFO of task results produced while
// the upstream coordinator is unreachable. Rows survive restarts; a
// bounded retry budget moves poison rows to a dead-letter status.
package resultbuf

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hubmesh/hubmesh/internal/scanloop"
	"github.com/hubmesh/hubmesh/internal/store"
)

// Row statuses.
const (
	StatusPending = "pending"
	StatusFailed  = "failed"
)

const bufferSchema = `
CREATE TABLE IF NOT EXISTS buffered_results (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id        TEXT NOT NULL UNIQUE,
	agent_id       TEXT NOT NULL,
	lease_token    TEXT NOT NULL,
	result_json    TEXT NOT NULL,
	metadata_json  TEXT NOT NULL DEFAULT '{}',
	created_at_ns  INTEGER NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_retry_ns  INTEGER,
	status         TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_buffered_created ON buffered_results(created_at_ns);
CREATE INDEX IF NOT EXISTS idx_buffered_status  ON buffered_results(status);
`

// BufferFullError means the pending set is at capacity.
type BufferFullError struct {
	Capacity int
}

func (e BufferFullError) Error() string {
	return fmt.Sprintf("resultbuf: buffer full (%d pending)", e.Capacity)
}

// DuplicateTaskError means a result for this task is already buffered.
type DuplicateTaskError struct {
	TaskID string
}

func (e DuplicateTaskError) Error() string {
	return fmt.Sprintf("resultbuf: result for task %s already buffered", e.TaskID)
}

// Sink receives flushed results. IsConnected is a cheap hint consulted
// by the periodic flush loop before attempting a pass.
type Sink interface {
	Send(r Result) error
	IsConnected() bool
}

// Result is one buffered row.
type Result struct {
	ID         int64           `json:"id"`
	TaskID     string          `json:"task_id"`
	AgentID    string          `json:"agent_id"`
	LeaseToken string          `json:"lease_token"`
	Result     json.RawMessage `json:"result"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	LastRetry  *time.Time      `json:"last_retry_at,omitempty"`
	Status     string          `json:"status"`
}

// Metrics is a point-in-time occupancy view over pending rows.
type Metrics struct {
	Current    int      `json:"current"`
	Max        int      `json:"max"`
	UtilPct    float64  `json:"util_pct"`
	OldestAgeS *float64 `json:"oldest_age_s,omitempty"`
	NewestAgeS *float64 `json:"newest_age_s,omitempty"`
}

// Buffer is the durable queue. flushMu serializes flush passes so the
// periodic loop and a recovery-triggered flush cannot interleave.
type Buffer struct {
	db         *sql.DB
	maxPending int
	maxRetries int

	flushMu sync.Mutex

	loopMu sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Open creates or reopens the buffer database at path.
func Open(path string, maxPending, maxRetries int) (*Buffer, error) {
	if maxPending <= 0 {
		maxPending = 10000
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	db, err := store.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("resultbuf: open db: %w", err)
	}
	if _, err := db.Exec(bufferSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultbuf: init schema: %w", err)
	}
	return &Buffer{db: db, maxPending: maxPending, maxRetries: maxRetries}, nil
}

// Enqueue appends a result. Capacity counts pending rows only.
func (b *Buffer) Enqueue(taskID, agentID, leaseToken string, result, metadata json.RawMessage) (int64, error) {
	if taskID == "" || agentID == "" {
		return 0, fmt.Errorf("resultbuf: task_id and agent_id required")
	}
	if len(result) == 0 {
		return 0, fmt.Errorf("resultbuf: result required")
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	tx, err := b.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("resultbuf: begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var pending int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM buffered_results WHERE status = ?`,
		StatusPending).Scan(&pending); err != nil {
		return 0, fmt.Errorf("resultbuf: count pending: %w", err)
	}
	if pending >= b.maxPending {
		return 0, BufferFullError{Capacity: b.maxPending}
	}

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM buffered_results WHERE task_id = ?`,
		taskID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("resultbuf: check duplicate: %w", err)
	}
	if exists > 0 {
		return 0, DuplicateTaskError{TaskID: taskID}
	}

	res, err := tx.Exec(`INSERT INTO buffered_results
		(task_id, agent_id, lease_token, result_json, metadata_json, created_at_ns)
		VALUES (?,?,?,?,?,?)`,
		taskID, agentID, leaseToken, string(result), string(metadata), time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("resultbuf: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("resultbuf: last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("resultbuf: commit enqueue: %w", err)
	}
	return id, nil
}

// Size returns the pending row count.
func (b *Buffer) Size() (int, error) {
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM buffered_results WHERE status = ?`,
		StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("resultbuf: size: %w", err)
	}
	return n, nil
}

// Metrics reports occupancy and the age span of pending rows.
func (b *Buffer) Metrics() (Metrics, error) {
	n, err := b.Size()
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{
		Current: n,
		Max:     b.maxPending,
		UtilPct: 100 * float64(n) / float64(b.maxPending),
	}
	if n > 0 {
		var oldestNs, newestNs int64
		err := b.db.QueryRow(`SELECT MIN(created_at_ns), MAX(created_at_ns)
			FROM buffered_results WHERE status = ?`, StatusPending).Scan(&oldestNs, &newestNs)
		if err != nil {
			return Metrics{}, fmt.Errorf("resultbuf: age span: %w", err)
		}
		now := time.Now()
		oldest := now.Sub(time.Unix(0, oldestNs)).Seconds()
		newest := now.Sub(time.Unix(0, newestNs)).Seconds()
		m.OldestAgeS = &oldest
		m.NewestAgeS = &newest
	}
	return m, nil
}

// Flush sends pending rows oldest-first. Rows over the retry budget
// move to failed; per-row send errors increment retry_count and leave
// the row pending for the next pass. Returns the number delivered.
func (b *Buffer) Flush(sink Sink) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	rows, err := b.selectRows(`WHERE status = ? ORDER BY created_at_ns ASC, id ASC`, StatusPending)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, r := range rows {
		if r.RetryCount >= b.maxRetries {
			if _, err := b.db.Exec(`UPDATE buffered_results SET status = ? WHERE id = ?`,
				StatusFailed, r.ID); err != nil {
				return sent, fmt.Errorf("resultbuf: mark failed: %w", err)
			}
			log.Printf("[resultbuf] task %s exceeded %d retries, dead-lettered", r.TaskID, b.maxRetries)
			continue
		}
		if err := sink.Send(r); err != nil {
			if _, uerr := b.db.Exec(`UPDATE buffered_results
				SET retry_count = retry_count + 1, last_retry_ns = ? WHERE id = ?`,
				time.Now().UnixNano(), r.ID); uerr != nil {
				return sent, fmt.Errorf("resultbuf: bump retry: %w", uerr)
			}
			continue
		}
		if _, err := b.db.Exec(`DELETE FROM buffered_results WHERE id = ?`, r.ID); err != nil {
			return sent, fmt.Errorf("resultbuf: delete sent row: %w", err)
		}
		sent++
	}
	return sent, nil
}

// GetFailedResults returns the dead-letter set oldest-first.
func (b *Buffer) GetFailedResults() ([]Result, error) {
	return b.selectRows(`WHERE status = ? ORDER BY created_at_ns ASC, id ASC`, StatusFailed)
}

// RequeueFailed resets failed rows to pending with a fresh retry
// budget. Returns how many rows were revived.
func (b *Buffer) RequeueFailed() (int, error) {
	res, err := b.db.Exec(`UPDATE buffered_results
		SET status = ?, retry_count = 0, last_retry_ns = NULL WHERE status = ?`,
		StatusPending, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("resultbuf: requeue failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CompactFailed deletes failed rows older than retention.
func (b *Buffer) CompactFailed(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UnixNano()
	res, err := b.db.Exec(`DELETE FROM buffered_results WHERE status = ? AND created_at_ns < ?`,
		StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("resultbuf: compact failed rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StartPeriodicFlush launches a background loop that flushes whenever
// the sink reports connectivity. Idempotent while running.
func (b *Buffer) StartPeriodicFlush(sink Sink, interval time.Duration) {
	b.loopMu.Lock()
	defer b.loopMu.Unlock()
	if b.stopCh != nil {
		return
	}
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})

	stopCh, doneCh := b.stopCh, b.doneCh
	go func() {
		defer close(doneCh)
		scanloop.Run(stopCh, interval, interval/4, func() {
			if !sink.IsConnected() {
				return
			}
			n, err := b.Flush(sink)
			if err != nil {
				log.Printf("[resultbuf] periodic flush failed: %v", err)
				return
			}
			if n > 0 {
				log.Printf("[resultbuf] flushed %d buffered result(s)", n)
			}
		})
	}()
}

// StopPeriodicFlush cancels the background loop and waits for it.
func (b *Buffer) StopPeriodicFlush() {
	b.loopMu.Lock()
	stopCh, doneCh := b.stopCh, b.doneCh
	b.stopCh, b.doneCh = nil, nil
	b.loopMu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// Stats reports buffer occupancy for health aggregation.
func (b *Buffer) Stats() (map[string]any, error) {
	m, err := b.Metrics()
	if err != nil {
		return nil, err
	}
	var failed int
	if err := b.db.QueryRow(`SELECT COUNT(*) FROM buffered_results WHERE status = ?`,
		StatusFailed).Scan(&failed); err != nil {
		return nil, fmt.Errorf("resultbuf: count failed: %w", err)
	}
	return map[string]any{
		"current":     m.Current,
		"max":         m.Max,
		"util_pct":    m.UtilPct,
		"failed_rows": failed,
	}, nil
}

func (b *Buffer) Close() error {
	b.StopPeriodicFlush()
	return b.db.Close()
}

func (b *Buffer) selectRows(where string, args ...any) ([]Result, error) {
	rows, err := b.db.Query(`SELECT id, task_id, agent_id, lease_token, result_json,
		metadata_json, created_at_ns, retry_count, last_retry_ns, status
		FROM buffered_results `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("resultbuf: select rows: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var resultJSON, metaJSON string
		var createdNs int64
		var lastRetryNs sql.NullInt64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.AgentID, &r.LeaseToken, &resultJSON,
			&metaJSON, &createdNs, &r.RetryCount, &lastRetryNs, &r.Status); err != nil {
			return nil, fmt.Errorf("resultbuf: scan row: %w", err)
		}
		r.Result = json.RawMessage(resultJSON)
		r.Metadata = json.RawMessage(metaJSON)
		r.CreatedAt = time.Unix(0, createdNs).UTC()
		if lastRetryNs.Valid {
			t := time.Unix(0, lastRetryNs.Int64).UTC()
			r.LastRetry = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore implements Store over a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens the store database at path and applies migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(t Task) error {
	if t.ID == "" {
		return fmt.Errorf("store: task id required")
	}
	if t.Status == "" {
		t.Status = TaskQueued
	}
	if t.Complexity == "" {
		t.Complexity = ComplexityMedium
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	reqJSON, err := json.Marshal(t.Requirements)
	if err != nil {
		return fmt.Errorf("store: marshal requirements: %w", err)
	}
	payload := t.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	_, err = s.db.Exec(`INSERT INTO tasks (id, status, complexity, requirements_json, payload_json, created_at_ns, updated_at_ns)
		VALUES (?,?,?,?,?,?,?)`,
		t.ID, string(t.Status), string(t.Complexity), string(reqJSON), string(payload),
		t.CreatedAt.UnixNano(), now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateTask
		}
		return fmt.Errorf("store: insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(id string) (Task, error) {
	row := s.db.QueryRow(`SELECT id, status, complexity, requirements_json, payload_json, created_at_ns, updated_at_ns
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *SQLiteStore) SetTaskStatus(id string, status TaskStatus) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at_ns = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("store: update task status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// --- Leases ---

func (s *SQLiteStore) IssueLease(l Lease) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin issue tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var status string
	err = tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, l.TaskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotAvailable
	}
	if err != nil {
		return fmt.Errorf("store: load task: %w", err)
	}
	if TaskStatus(status) != TaskQueued {
		return ErrTaskNotAvailable
	}

	// Exactly one active lease per task.
	var active int
	err = tx.QueryRow(`SELECT COUNT(1) FROM leases WHERE task_id = ? AND is_active = 1 AND expires_at_ns > ?`,
		l.TaskID, time.Now().UnixNano()).Scan(&active)
	if err != nil {
		return fmt.Errorf("store: count active leases: %w", err)
	}
	if active > 0 {
		return ErrTaskNotAvailable
	}

	_, err = tx.Exec(`INSERT INTO leases (id, task_id, peer_id, token, issued_at_ns, expires_at_ns, is_active)
		VALUES (?,?,?,?,?,?,1)`,
		l.ID, l.TaskID, l.PeerID, l.Token, l.IssuedAt.UnixNano(), l.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: insert lease: %w", err)
	}

	_, err = tx.Exec(`UPDATE tasks SET status = ?, updated_at_ns = ? WHERE id = ?`,
		string(TaskLeased), time.Now().UnixNano(), l.TaskID)
	if err != nil {
		return fmt.Errorf("store: mark task leased: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit issue tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLease(id string) (Lease, error) {
	row := s.db.QueryRow(`SELECT id, task_id, peer_id, token, issued_at_ns, expires_at_ns, is_active, revoke_reason
		FROM leases WHERE id = ?`, id)
	return scanLease(row)
}

func (s *SQLiteStore) ActiveLeaseForTask(taskID string, now time.Time) (Lease, bool, error) {
	row := s.db.QueryRow(`SELECT id, task_id, peer_id, token, issued_at_ns, expires_at_ns, is_active, revoke_reason
		FROM leases WHERE task_id = ? AND is_active = 1 AND expires_at_ns > ? ORDER BY issued_at_ns DESC LIMIT 1`,
		taskID, now.UnixNano())
	l, err := scanLease(row)
	if errors.Is(err, ErrLeaseNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	return l, true, nil
}

func (s *SQLiteStore) RevokeLease(id, reason string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin revoke tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	l, err := scanLease(tx.QueryRow(`SELECT id, task_id, peer_id, token, issued_at_ns, expires_at_ns, is_active, revoke_reason
		FROM leases WHERE id = ?`, id))
	if err != nil {
		return err
	}
	if !l.Active(now) {
		// Idempotent on already-expired or already-revoked leases.
		return nil
	}

	_, err = tx.Exec(`UPDATE leases SET is_active = 0, expires_at_ns = ?, revoke_reason = ?, revoked_at_ns = ? WHERE id = ?`,
		now.UnixNano(), reason, now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("store: revoke lease: %w", err)
	}
	_, err = tx.Exec(`UPDATE tasks SET status = ?, updated_at_ns = ? WHERE id = ?`,
		string(TaskQueued), now.UnixNano(), l.TaskID)
	if err != nil {
		return fmt.Errorf("store: requeue task: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ExpireLeases(now time.Time) ([]Lease, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin expire tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(`SELECT id, task_id, peer_id, token, issued_at_ns, expires_at_ns, is_active, revoke_reason
		FROM leases WHERE is_active = 1 AND expires_at_ns <= ? ORDER BY expires_at_ns ASC`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: query expired leases: %w", err)
	}
	var expired []Lease
	for rows.Next() {
		l, err := scanLeaseRows(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate expired leases: %w", err)
	}

	for _, l := range expired {
		if _, err := tx.Exec(`UPDATE leases SET is_active = 0 WHERE id = ?`, l.ID); err != nil {
			return nil, fmt.Errorf("store: deactivate lease %s: %w", l.ID, err)
		}
		if _, err := tx.Exec(`UPDATE tasks SET status = ?, updated_at_ns = ? WHERE id = ? AND status = ?`,
			string(TaskQueued), now.UnixNano(), l.TaskID, string(TaskLeased)); err != nil {
			return nil, fmt.Errorf("store: requeue task %s: %w", l.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit expire tx: %w", err)
	}
	return expired, nil
}

func (s *SQLiteStore) CountLeases() (int, int, error) {
	var issued, revoked int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM leases`).Scan(&issued); err != nil {
		return 0, 0, fmt.Errorf("store: count leases: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM leases WHERE revoked_at_ns IS NOT NULL`).Scan(&revoked); err != nil {
		return 0, 0, fmt.Errorf("store: count revoked leases: %w", err)
	}
	return issued, revoked, nil
}

// --- Provisioning records ---

func (s *SQLiteStore) PutProvisionRecord(r ProvisionRecord) error {
	cfg := r.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO provision_records (peer_id, public_key, assigned_ip, config_json, provisioned_at_ns)
		VALUES (?,?,?,?,?)`,
		r.PeerID, r.PublicKey, r.AssignedIP, string(cfg), r.ProvisionedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: put provision record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProvisionRecord(peerID string) (ProvisionRecord, error) {
	row := s.db.QueryRow(`SELECT peer_id, public_key, assigned_ip, config_json, provisioned_at_ns
		FROM provision_records WHERE peer_id = ?`, peerID)
	var r ProvisionRecord
	var cfg string
	var provNs int64
	err := row.Scan(&r.PeerID, &r.PublicKey, &r.AssignedIP, &cfg, &provNs)
	if errors.Is(err, sql.ErrNoRows) {
		return ProvisionRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return ProvisionRecord{}, fmt.Errorf("store: get provision record: %w", err)
	}
	r.Config = json.RawMessage(cfg)
	r.ProvisionedAt = time.Unix(0, provNs)
	return r, nil
}

func (s *SQLiteStore) DeleteProvisionRecord(peerID string) error {
	res, err := s.db.Exec(`DELETE FROM provision_records WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("store: delete provision record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *SQLiteStore) ListProvisionRecords() ([]ProvisionRecord, error) {
	rows, err := s.db.Query(`SELECT peer_id, public_key, assigned_ip, config_json, provisioned_at_ns
		FROM provision_records ORDER BY provisioned_at_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list provision records: %w", err)
	}
	defer rows.Close()

	var out []ProvisionRecord
	for rows.Next() {
		var r ProvisionRecord
		var cfg string
		var provNs int64
		if err := rows.Scan(&r.PeerID, &r.PublicKey, &r.AssignedIP, &cfg, &provNs); err != nil {
			return nil, fmt.Errorf("store: scan provision record: %w", err)
		}
		r.Config = json.RawMessage(cfg)
		r.ProvisionedAt = time.Unix(0, provNs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var status, complexity, reqJSON, payload string
	var createdNs, updatedNs int64
	err := row.Scan(&t.ID, &status, &complexity, &reqJSON, &payload, &createdNs, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("store: scan task: %w", err)
	}
	t.Status = TaskStatus(status)
	t.Complexity = Complexity(complexity)
	if err := json.Unmarshal([]byte(reqJSON), &t.Requirements); err != nil {
		return Task{}, fmt.Errorf("store: decode requirements for %s: %w", t.ID, err)
	}
	t.Payload = json.RawMessage(payload)
	t.CreatedAt = time.Unix(0, createdNs)
	t.UpdatedAt = time.Unix(0, updatedNs)
	return t, nil
}

func scanLease(row rowScanner) (Lease, error) {
	l, err := scanLeaseRows(row)
	if err != nil {
		return Lease{}, err
	}
	return l, nil
}

func scanLeaseRows(row rowScanner) (Lease, error) {
	var l Lease
	var issuedNs, expiresNs int64
	var active int
	err := row.Scan(&l.ID, &l.TaskID, &l.PeerID, &l.Token, &issuedNs, &expiresNs, &active, &l.RevokeReason)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrLeaseNotFound
	}
	if err != nil {
		return Lease{}, fmt.Errorf("store: scan lease: %w", err)
	}
	l.IssuedAt = time.Unix(0, issuedNs)
	l.ExpiresAt = time.Unix(0, expiresNs)
	l.IsActive = active != 0
	return l, nil
}

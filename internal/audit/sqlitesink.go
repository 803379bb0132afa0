package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hubmesh/hubmesh/internal/store"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id             TEXT PRIMARY KEY,
	ts_ns          INTEGER NOT NULL,
	kind           TEXT NOT NULL,
	peer_id        TEXT NOT NULL DEFAULT '',
	action         TEXT NOT NULL,
	resource       TEXT NOT NULL DEFAULT '',
	result         TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	metadata_json  TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_ts   ON audit_events(ts_ns);
CREATE INDEX IF NOT EXISTS idx_audit_peer ON audit_events(peer_id);
`

// SQLiteSink stores audit events durably and supports filtered queries.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := store.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sink db: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init sink schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Write(ev Event) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO audit_events
		(id, ts_ns, kind, peer_id, action, resource, result, reason, metadata_json)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.Timestamp.UnixNano(), string(ev.Kind), ev.PeerID,
		ev.Action, ev.Resource, ev.Result, ev.Reason, string(meta))
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Filter selects audit events. Zero-valued fields are not filtered on.
type Filter struct {
	PeerID    string
	EventType Kind
	Result    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// Query returns matching events newest-first.
func (s *SQLiteSink) Query(f Filter) ([]Event, error) {
	q := `SELECT id, ts_ns, kind, peer_id, action, resource, result, reason, metadata_json
		FROM audit_events WHERE 1=1`
	args := []any{}
	if f.PeerID != "" {
		q += " AND peer_id = ?"
		args = append(args, f.PeerID)
	}
	if f.EventType != "" {
		q += " AND kind = ?"
		args = append(args, string(f.EventType))
	}
	if f.Result != "" {
		q += " AND result = ?"
		args = append(args, f.Result)
	}
	if !f.StartTime.IsZero() {
		q += " AND ts_ns >= ?"
		args = append(args, f.StartTime.UnixNano())
	}
	if !f.EndTime.IsZero() {
		q += " AND ts_ns <= ?"
		args = append(args, f.EndTime.UnixNano())
	}
	q += " ORDER BY ts_ns DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var tsNs int64
		var kind, meta string
		if err := rows.Scan(&ev.ID, &tsNs, &kind, &ev.PeerID, &ev.Action,
			&ev.Resource, &ev.Result, &ev.Reason, &meta); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		ev.Timestamp = time.Unix(0, tsNs).UTC()
		ev.Kind = Kind(kind)
		if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("audit: unmarshal metadata: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Audit actions.
const (
	ActionRegister = "register_source"
	ActionRemove   = "remove_source"
	ActionExecute  = "execute_action"
	ActionFetch    = "run_fetcher"
)

// AuditEntry represents an audit log entry
type AuditEntry struct {
	ID      string                 `json:"id"`
	Action  string                 `json:"action"`
	Actor   string                 `json:"actor"`  // user or system identifier
	Target  string                 `json:"target"` // source name, or source.action
	Outcome string                 `json:"outcome"`
	Details map[string]interface{} `json:"details"`
	// Timestamp has millisecond precision once stored.
	Timestamp time.Time `json:"timestamp"`
}

// AuditFilter narrows ListAuditEntries. Zero values match everything.
type AuditFilter struct {
	Action string
	Target string
	Since  time.Time
	Limit  int
}

// Auditor records audit entries.
type Auditor interface {
	RecordAudit(ctx context.Context, entry AuditEntry) error
}

// RecordAudit inserts entry, filling in its id and timestamp when unset.
func (s *Store) RecordAudit(ctx context.Context, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}
	if entry.Details == nil {
		entry.Details = map[string]interface{}{}
	}

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	query := `INSERT INTO audit_entries (
		id, action, actor, target, outcome, details, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.Action, entry.Actor, entry.Target, entry.Outcome,
		string(detailsJSON), entry.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

// ListAuditEntries returns entries newest first.
func (s *Store) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, filter.Target)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	query := `SELECT id, action, actor, target, outcome, details, timestamp FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			entry       AuditEntry
			detailsJSON string
			timestamp   int64
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.Target,
			&entry.Outcome, &detailsJSON, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = time.UnixMilli(timestamp)

		if err := json.Unmarshal([]byte(detailsJSON), &entry.Details); err != nil {
			// If unmarshaling fails, store as string
			entry.Details = map[string]interface{}{"raw": detailsJSON}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}

	return entries, nil
}

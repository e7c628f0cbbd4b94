package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// timeLayout is fixed-width so text ordering matches time ordering.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// ErrInvalidEntry is returned when an entry lacks required fields.
var ErrInvalidEntry = errors.New("history: invalid entry")

// Entry is one persisted event.
type Entry struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	DeviceID   string         `json:"device_id"`
	Category   string         `json:"category"`
	Kind       string         `json:"kind,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Filter narrows Recent. Empty fields match everything.
type Filter struct {
	DeviceID string
	Name     string
	// Limit defaults to 50 and is clamped to 500.
	Limit int
}

// Repository stores and lists events.
type Repository interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, f Filter) ([]Entry, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLiteRepository implements Repository on the events table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository returns a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts one event.
func (r *SQLiteRepository) Record(ctx context.Context, e Entry) error {
	if e.ID == "" || e.Name == "" || e.DeviceID == "" {
		return fmt.Errorf("%w: id, name and device id are required", ErrInvalidEntry)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	fields := e.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshalling fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO events (id, name, device_id, category, kind, fields, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.DeviceID, e.Category, e.Kind, string(fieldsJSON),
		e.OccurredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Recent returns matching events, newest first.
func (r *SQLiteRepository) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	var (
		where []string
		args  []any
	)
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}

	query := "SELECT id, name, device_id, category, kind, fields, occurred_at FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e          Entry
			fieldsJSON string
			occurredAt string
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.DeviceID, &e.Category, &e.Kind, &fieldsJSON, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
			return nil, fmt.Errorf("unmarshalling fields of %s: %w", e.ID, err)
		}
		if e.OccurredAt, err = time.Parse(timeLayout, occurredAt); err != nil {
			return nil, fmt.Errorf("parsing occurred_at of %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return entries, nil
}

// Prune deletes events older than olderThan and returns the count removed.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)

	res, err := r.db.ExecContext(ctx, "DELETE FROM events WHERE occurred_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

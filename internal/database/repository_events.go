package database

import (
	"context"
	"fmt"
	"time"
)

// InsertEvent records a lifecycle event. Failures are logged, never fatal;
// event logging must not take down the loop that emits it.
func (r *Repository) InsertEvent(ctx context.Context, e *SystemEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = "info"
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO system_events (event_type, source, message, data, severity, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.EventType, e.Source, e.Message, e.Data, e.Severity, e.Timestamp.UTC())
	if err != nil {
		r.log.Warn().Err(err).Str("event_type", e.EventType).Msg("event insert failed")
	}
}

// RecentEvents returns the latest events for diagnostics endpoints.
func (r *Repository) RecentEvents(ctx context.Context, limit int) ([]SystemEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, event_type, source, message, data, severity, timestamp
		FROM system_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: recent events: %w", err)
	}
	defer rows.Close()

	var out []SystemEvent
	for rows.Next() {
		var e SystemEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Source, &e.Message,
			&e.Data, &e.Severity, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("repository: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

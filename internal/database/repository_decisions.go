package database

import (
	"context"
	"fmt"
)

// InsertDecision appends one audit row for a strategist or trader cycle.
func (r *Repository) InsertDecision(ctx context.Context, d *Decision) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO decisions (
			decision_layer, input_context, thought_process, tools_used,
			decision, action_taken, model_used, tokens_used, latency_ms, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		d.Layer, d.InputContext, d.ThoughtProcess, d.ToolsUsed,
		d.DecisionText, d.ActionTaken, d.ModelUsed, d.TokensUsed, d.LatencyMs,
		d.Timestamp.UTC(),
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("repository: insert %s decision: %w", d.Layer, err)
	}
	return nil
}

// ListDecisions returns recent audit rows for one layer, newest first. An
// empty layer returns both.
func (r *Repository) ListDecisions(ctx context.Context, layer string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, decision_layer, input_context, thought_process, tools_used,
			decision, action_taken, model_used, tokens_used, latency_ms, timestamp
		FROM decisions
		WHERE ($1 = '' OR decision_layer = $1)
		ORDER BY timestamp DESC
		LIMIT $2`, layer, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: list decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.Layer, &d.InputContext, &d.ThoughtProcess,
			&d.ToolsUsed, &d.DecisionText, &d.ActionTaken, &d.ModelUsed,
			&d.TokensUsed, &d.LatencyMs, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("repository: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
)

// RecordAIUsage appends one reasoning-provider invocation's accounting row.
// Usage logs are append-only.
func (db *DB) RecordAIUsage(ctx context.Context, l types.AiUsageLog) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO ai_usage_log (id, account_id, provider, model, prompt_tokens, completion_tokens,
			estimated_cost, success, user_prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.AccountID, l.Provider, l.Model, l.PromptTokens, l.CompletionTokens,
		l.EstimatedCost.String(), l.Success, l.UserPrompt, l.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record ai usage: %w", err)
	}
	return nil
}

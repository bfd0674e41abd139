package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type LLMUsageLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	InvocationID *uuid.UUID      `json:"invocation_id,omitempty" db:"invocation_id"`
	Provider     string          `json:"provider" db:"provider"`
	Model        string          `json:"model" db:"model"`
	InputTokens  int             `json:"input_tokens" db:"input_tokens"`
	OutputTokens int             `json:"output_tokens" db:"output_tokens"`
	TotalTokens  int             `json:"total_tokens" db:"total_tokens"`
	CostUSD      float64         `json:"cost_usd" db:"cost_usd"`
	LatencyMs    int             `json:"latency_ms" db:"latency_ms"`
	Endpoint     string          `json:"endpoint" db:"endpoint"`
	Metadata     json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

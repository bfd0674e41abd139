package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/promptrunner/internal/models"
)

// Service records one row per model call and summarises spend.
type Service struct {
	db *pgxpool.Pool
}

func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

func (s *Service) LogLLMUsage(ctx context.Context, record models.LLMUsageLog) error {
	var metadata []byte
	if len(record.Metadata) > 0 {
		metadata = record.Metadata
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO llm_usage_logs (invocation_id, provider, model, input_tokens, output_tokens, total_tokens, cost_usd, latency_ms, endpoint, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.InvocationID, record.Provider, record.Model, record.InputTokens, record.OutputTokens,
		record.TotalTokens, record.CostUSD, record.LatencyMs, record.Endpoint, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert LLM usage log: %w", err)
	}

	return nil
}

type UsageQuery struct {
	StartDate *time.Time
	EndDate   *time.Time
	Provider  string
}

type UsageSummary struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	TotalCalls   int     `json:"total_calls"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

func (s *Service) GetUsageSummary(ctx context.Context, q UsageQuery) ([]UsageSummary, error) {
	query := `SELECT provider, model, COUNT(*) as total_calls,
			         COALESCE(SUM(total_tokens), 0) as total_tokens,
			         COALESCE(SUM(cost_usd), 0)::float8 as total_cost_usd
			  FROM llm_usage_logs WHERE true`
	var args []interface{}
	argIdx := 1

	if q.Provider != "" {
		query += fmt.Sprintf(" AND provider = $%d", argIdx)
		args = append(args, q.Provider)
		argIdx++
	}
	if q.StartDate != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *q.StartDate)
		argIdx++
	}
	if q.EndDate != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *q.EndDate)
	}

	query += " GROUP BY provider, model ORDER BY total_cost_usd DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	defer rows.Close()

	summaries := []UsageSummary{}
	for rows.Next() {
		var us UsageSummary
		if err := rows.Scan(&us.Provider, &us.Model, &us.TotalCalls, &us.TotalTokens, &us.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		summaries = append(summaries, us)
	}
	return summaries, rows.Err()
}

// Metadata encodes call attributes for the metadata column.
func Metadata(attrs map[string]any) json.RawMessage {
	if len(attrs) == 0 {
		return nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil
	}
	return data
}

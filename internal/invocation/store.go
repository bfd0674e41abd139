package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/promptrunner/internal/models"
)

// errNotInProgress is returned when a terminal write targets a row that is
// already Completed or Failed.
var errNotInProgress = errors.New("invocation is not in progress")

// Store persists invocation rows. Every method is a single-row statement.
type Store interface {
	Create(ctx context.Context, inv *models.PromptInvocation) error
	SetTemplate(ctx context.Context, id, templateID, versionID uuid.UUID) error
	SetPrompt(ctx context.Context, id uuid.UUID, prompt string) error
	SetOutput(ctx context.Context, id uuid.UUID, output json.RawMessage) error
	IncrementCalls(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, transformed json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
	Get(ctx context.Context, id uuid.UUID) (*models.PromptInvocation, error)
	List(ctx context.Context, f Filter) ([]models.PromptInvocation, error)
}

type Filter struct {
	SpaceID   string
	PromptKey string
	Status    models.InvocationStatus
	Limit     int
	Offset    int
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const invocationColumns = `id, space_id, prompt_key, template_id, version_id, input_json, prompt, output_json,
	transformed_json, status, error, llm_provider, model, body_to_append, request_from, llm_calls,
	created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, inv *models.PromptInvocation) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO prompt_invocations (id, space_id, prompt_key, input_json, status, llm_provider, model, body_to_append, request_from)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		inv.ID, inv.SpaceID, inv.PromptKey, []byte(inv.InputJSON), string(inv.Status),
		inv.LLMProvider, inv.Model, inv.BodyToAppend, inv.RequestFrom,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

func (s *PGStore) SetTemplate(ctx context.Context, id, templateID, versionID uuid.UUID) error {
	return s.update(ctx, id, "set template",
		`UPDATE prompt_invocations SET template_id = $2, version_id = $3, updated_at = now() WHERE id = $1`,
		templateID, versionID)
}

func (s *PGStore) SetPrompt(ctx context.Context, id uuid.UUID, prompt string) error {
	return s.update(ctx, id, "set prompt",
		`UPDATE prompt_invocations SET prompt = $2, updated_at = now() WHERE id = $1`, prompt)
}

func (s *PGStore) SetOutput(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	return s.update(ctx, id, "set output",
		`UPDATE prompt_invocations SET output_json = $2, updated_at = now() WHERE id = $1`, []byte(output))
}

func (s *PGStore) IncrementCalls(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, id, "increment calls",
		`UPDATE prompt_invocations SET llm_calls = llm_calls + 1, updated_at = now() WHERE id = $1`)
}

func (s *PGStore) Complete(ctx context.Context, id uuid.UUID, transformed json.RawMessage) error {
	return s.terminal(ctx, id, "complete",
		`UPDATE prompt_invocations SET status = 'Completed', transformed_json = $2, error = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'InProgress'`, []byte(transformed))
}

func (s *PGStore) Fail(ctx context.Context, id uuid.UUID, message string) error {
	return s.terminal(ctx, id, "fail",
		`UPDATE prompt_invocations SET status = 'Failed', error = $2, updated_at = now()
		 WHERE id = $1 AND status = 'InProgress'`, message)
}

func (s *PGStore) update(ctx context.Context, id uuid.UUID, op, query string, args ...interface{}) error {
	tag, err := s.db.Exec(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w: invocation %s", op, ErrNotFound, id)
	}
	return nil
}

func (s *PGStore) terminal(ctx context.Context, id uuid.UUID, op, query string, args ...interface{}) error {
	tag, err := s.db.Exec(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("%s invocation: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s invocation %s: %w", op, id, errNotInProgress)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*models.PromptInvocation, error) {
	inv, err := scanInvocation(s.db.QueryRow(ctx,
		`SELECT `+invocationColumns+` FROM prompt_invocations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: invocation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation: %w", err)
	}
	return inv, nil
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]models.PromptInvocation, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}

	query := `SELECT ` + invocationColumns + ` FROM prompt_invocations WHERE true`
	var args []interface{}
	argIdx := 1

	if f.SpaceID != "" {
		query += fmt.Sprintf(" AND space_id = $%d", argIdx)
		args = append(args, f.SpaceID)
		argIdx++
	}
	if f.PromptKey != "" {
		query += fmt.Sprintf(" AND prompt_key = $%d", argIdx)
		args = append(args, f.PromptKey)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	invs := []models.PromptInvocation{}
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		invs = append(invs, *inv)
	}
	return invs, rows.Err()
}

func scanInvocation(row pgx.Row) (*models.PromptInvocation, error) {
	var (
		inv    models.PromptInvocation
		status string
	)
	err := row.Scan(&inv.ID, &inv.SpaceID, &inv.PromptKey, &inv.TemplateID, &inv.VersionID,
		&inv.InputJSON, &inv.Prompt, &inv.OutputJSON, &inv.TransformedJSON, &status, &inv.Error,
		&inv.LLMProvider, &inv.Model, &inv.BodyToAppend, &inv.RequestFrom, &inv.LLMCalls,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Status = models.InvocationStatus(status)
	return &inv, nil
}

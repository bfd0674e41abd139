package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/promptrunner/internal/cache"
	"github.com/nikhilbhutani/promptrunner/internal/models"
	"github.com/nikhilbhutani/promptrunner/internal/transform"
)

var (
	ErrNotFound = errors.New("prompt template not found")
	ErrConflict = errors.New("prompt template already exists")
	ErrInvalid  = errors.New("invalid prompt template")
)

// Resolved is a template together with its active version.
type Resolved struct {
	Template models.PromptTemplate `json:"template"`
	Version  models.PromptVersion  `json:"version"`
}

type Service struct {
	db    *pgxpool.Pool
	cache *cache.Cache
	ttl   time.Duration
}

// NewService builds the template store. c may be nil, in which case every
// Resolve goes to Postgres.
func NewService(db *pgxpool.Pool, c *cache.Cache, ttl time.Duration) *Service {
	return &Service{db: db, cache: c, ttl: ttl}
}

func resolveKey(space, key string) string {
	return "prompt:resolve:" + space + ":" + key
}

// Resolve returns the template identified by key in space and its active
// version. It fails with ErrNotFound when either is missing.
func (s *Service) Resolve(ctx context.Context, space, key string) (*Resolved, error) {
	ck := resolveKey(space, key)
	if s.cache != nil {
		var r Resolved
		err := s.cache.Get(ctx, ck, &r)
		if err == nil {
			return &r, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			slog.Warn("template cache read failed", "space", space, "key", key, "error", err)
		}
	}

	r, err := s.resolveDB(ctx, space, key)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, ck, r, s.ttl); err != nil {
			slog.Warn("template cache write failed", "space", space, "key", key, "error", err)
		}
	}
	return r, nil
}

func (s *Service) resolveDB(ctx context.Context, space, key string) (*Resolved, error) {
	var r Resolved
	var (
		versionID *uuid.UUID
		version   *int
		body      *string
		versionAt *time.Time
	)

	err := s.db.QueryRow(ctx,
		`SELECT t.id, t.space_id, t.key, t.name, t.description, COALESCE(t.input_schema, ''), t.output_schema,
		        t.transformation_patch, t.active_version_id, t.created_at, t.updated_at,
		        v.id, v.version, v.body, v.created_at
		 FROM prompt_templates t
		 LEFT JOIN prompt_versions v ON v.id = t.active_version_id
		 WHERE t.space_id = $1 AND t.key = $2`,
		space, key,
	).Scan(&r.Template.ID, &r.Template.SpaceID, &r.Template.Key, &r.Template.Name, &r.Template.Description,
		&r.Template.InputSchema, &r.Template.OutputSchema, &r.Template.TransformationPatch,
		&r.Template.ActiveVersionID, &r.Template.CreatedAt, &r.Template.UpdatedAt,
		&versionID, &version, &body, &versionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q in space %q", ErrNotFound, key, space)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve prompt template: %w", err)
	}
	if versionID == nil {
		return nil, fmt.Errorf("%w: %q in space %q has no active version", ErrNotFound, key, space)
	}

	r.Version = models.PromptVersion{
		ID:         *versionID,
		TemplateID: r.Template.ID,
		Version:    *version,
		Body:       *body,
		CreatedAt:  *versionAt,
	}
	return &r, nil
}

func (s *Service) invalidate(ctx context.Context, space, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, resolveKey(space, key)); err != nil {
		slog.Warn("template cache invalidation failed", "space", space, "key", key, "error", err)
	}
}

type CreateRequest struct {
	Key                 string          `json:"key" yaml:"key"`
	Name                string          `json:"name" yaml:"name"`
	Description         string          `json:"description" yaml:"description"`
	InputSchema         string          `json:"input_schema" yaml:"input_schema"`
	OutputSchema        string          `json:"output_schema" yaml:"output_schema"`
	TransformationPatch json.RawMessage `json:"transformation_patch,omitempty" yaml:"-"`
	Body                string          `json:"body" yaml:"body"`
}

func (req CreateRequest) validate() error {
	if req.Key == "" {
		return fmt.Errorf("%w: key required", ErrInvalid)
	}
	if req.OutputSchema == "" {
		return fmt.Errorf("%w: output_schema required", ErrInvalid)
	}
	if err := Check(req.Body); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return validatePatch(req.TransformationPatch)
}

func validatePatch(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if _, err := transform.Parse(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func nullablePatch(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Create inserts a template with version 1 as its active version.
func (s *Service) Create(ctx context.Context, space string, req CreateRequest) (*Resolved, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var r Resolved
	err = tx.QueryRow(ctx,
		`INSERT INTO prompt_templates (space_id, key, name, description, input_schema, output_schema, transformation_patch)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, space_id, key, name, description, COALESCE(input_schema, ''), output_schema,
		           transformation_patch, created_at, updated_at`,
		space, req.Key, req.Name, req.Description, nullableString(req.InputSchema), req.OutputSchema,
		nullablePatch(req.TransformationPatch),
	).Scan(&r.Template.ID, &r.Template.SpaceID, &r.Template.Key, &r.Template.Name, &r.Template.Description,
		&r.Template.InputSchema, &r.Template.OutputSchema, &r.Template.TransformationPatch,
		&r.Template.CreatedAt, &r.Template.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %q in space %q", ErrConflict, req.Key, space)
		}
		return nil, fmt.Errorf("insert prompt template: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO prompt_versions (template_id, version, body)
		 VALUES ($1, 1, $2)
		 RETURNING id, template_id, version, body, created_at`,
		r.Template.ID, req.Body,
	).Scan(&r.Version.ID, &r.Version.TemplateID, &r.Version.Version, &r.Version.Body, &r.Version.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert prompt version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE prompt_templates SET active_version_id = $1 WHERE id = $2",
		r.Version.ID, r.Template.ID,
	); err != nil {
		return nil, fmt.Errorf("activate version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	r.Template.ActiveVersionID = &r.Version.ID
	s.invalidate(ctx, space, req.Key)
	return &r, nil
}

type NewVersionRequest struct {
	Body     string `json:"body"`
	Activate bool   `json:"activate"`
}

// CreateVersion appends an immutable version and optionally makes it active.
func (s *Service) CreateVersion(ctx context.Context, space, key string, req NewVersionRequest) (*models.PromptVersion, error) {
	if err := Check(req.Body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var templateID uuid.UUID
	err = tx.QueryRow(ctx,
		"SELECT id FROM prompt_templates WHERE space_id = $1 AND key = $2 FOR UPDATE",
		space, key,
	).Scan(&templateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q in space %q", ErrNotFound, key, space)
	}
	if err != nil {
		return nil, fmt.Errorf("lock prompt template: %w", err)
	}

	var v models.PromptVersion
	err = tx.QueryRow(ctx,
		`INSERT INTO prompt_versions (template_id, version, body)
		 SELECT $1, COALESCE(MAX(version), 0) + 1, $2 FROM prompt_versions WHERE template_id = $1
		 RETURNING id, template_id, version, body, created_at`,
		templateID, req.Body,
	).Scan(&v.ID, &v.TemplateID, &v.Version, &v.Body, &v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}

	if req.Activate {
		if _, err := tx.Exec(ctx,
			"UPDATE prompt_templates SET active_version_id = $1, updated_at = now() WHERE id = $2",
			v.ID, templateID,
		); err != nil {
			return nil, fmt.Errorf("activate version: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if req.Activate {
		s.invalidate(ctx, space, key)
	}
	return &v, nil
}

// Activate points the template at an existing version.
func (s *Service) Activate(ctx context.Context, space, key string, version int) (*models.PromptVersion, error) {
	var v models.PromptVersion
	err := s.db.QueryRow(ctx,
		`UPDATE prompt_templates t
		 SET active_version_id = v.id, updated_at = now()
		 FROM prompt_versions v
		 WHERE v.template_id = t.id AND v.version = $3 AND t.space_id = $1 AND t.key = $2
		 RETURNING v.id, v.template_id, v.version, v.body, v.created_at`,
		space, key, version,
	).Scan(&v.ID, &v.TemplateID, &v.Version, &v.Body, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q version %d in space %q", ErrNotFound, key, version, space)
	}
	if err != nil {
		return nil, fmt.Errorf("activate version: %w", err)
	}

	s.invalidate(ctx, space, key)
	return &v, nil
}

type Settings struct {
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	InputSchema         string          `json:"input_schema"`
	OutputSchema        string          `json:"output_schema"`
	TransformationPatch json.RawMessage `json:"transformation_patch,omitempty"`
}

// UpdateSettings replaces the mutable template attributes. Versions are untouched.
func (s *Service) UpdateSettings(ctx context.Context, space, key string, st Settings) error {
	if st.OutputSchema == "" {
		return fmt.Errorf("%w: output_schema required", ErrInvalid)
	}
	if err := validatePatch(st.TransformationPatch); err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE prompt_templates
		 SET name = $3, description = $4, input_schema = $5, output_schema = $6,
		     transformation_patch = $7, updated_at = now()
		 WHERE space_id = $1 AND key = $2`,
		space, key, st.Name, st.Description, nullableString(st.InputSchema), st.OutputSchema,
		nullablePatch(st.TransformationPatch),
	)
	if err != nil {
		return fmt.Errorf("update prompt template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q in space %q", ErrNotFound, key, space)
	}

	s.invalidate(ctx, space, key)
	return nil
}

func (s *Service) Get(ctx context.Context, space, key string) (*models.PromptTemplate, []models.PromptVersion, error) {
	var t models.PromptTemplate
	err := s.db.QueryRow(ctx,
		`SELECT id, space_id, key, name, description, COALESCE(input_schema, ''), output_schema,
		        transformation_patch, active_version_id, created_at, updated_at
		 FROM prompt_templates WHERE space_id = $1 AND key = $2`,
		space, key,
	).Scan(&t.ID, &t.SpaceID, &t.Key, &t.Name, &t.Description, &t.InputSchema, &t.OutputSchema,
		&t.TransformationPatch, &t.ActiveVersionID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %q in space %q", ErrNotFound, key, space)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get prompt template: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, template_id, version, body, created_at
		 FROM prompt_versions WHERE template_id = $1 ORDER BY version DESC`,
		t.ID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("get versions: %w", err)
	}
	defer rows.Close()

	var versions []models.PromptVersion
	for rows.Next() {
		var v models.PromptVersion
		if err := rows.Scan(&v.ID, &v.TemplateID, &v.Version, &v.Body, &v.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate versions: %w", err)
	}

	return &t, versions, nil
}

func (s *Service) List(ctx context.Context, space string, limit, offset int) ([]models.PromptTemplate, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, space_id, key, name, description, COALESCE(input_schema, ''), output_schema,
		        transformation_patch, active_version_id, created_at, updated_at
		 FROM prompt_templates WHERE space_id = $1
		 ORDER BY key LIMIT $2 OFFSET $3`,
		space, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list prompt templates: %w", err)
	}
	defer rows.Close()

	var templates []models.PromptTemplate
	for rows.Next() {
		var t models.PromptTemplate
		if err := rows.Scan(&t.ID, &t.SpaceID, &t.Key, &t.Name, &t.Description, &t.InputSchema, &t.OutputSchema,
			&t.TransformationPatch, &t.ActiveVersionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

type RenderRequest struct {
	Version      int             `json:"version,omitempty"` // 0 = active
	Input        json.RawMessage `json:"inputJson,omitempty"`
	BodyToAppend string          `json:"bodyToAppend,omitempty"`
}

type RenderResponse struct {
	Version   int      `json:"version"`
	Prompt    string   `json:"prompt"`
	Variables []string `json:"variables"`
}

// Render compiles a version of the template without calling a model.
func (s *Service) Render(ctx context.Context, space, key string, req RenderRequest) (*RenderResponse, error) {
	var body string
	version := req.Version

	if version == 0 {
		r, err := s.Resolve(ctx, space, key)
		if err != nil {
			return nil, err
		}
		body, version = r.Version.Body, r.Version.Version
	} else {
		err := s.db.QueryRow(ctx,
			`SELECT v.body FROM prompt_versions v
			 JOIN prompt_templates t ON t.id = v.template_id
			 WHERE t.space_id = $1 AND t.key = $2 AND v.version = $3`,
			space, key, version,
		).Scan(&body)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q version %d in space %q", ErrNotFound, key, version, space)
		}
		if err != nil {
			return nil, fmt.Errorf("get version %d: %w", version, err)
		}
	}

	var input any
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return nil, fmt.Errorf("%w: inputJson: %v", ErrInvalid, err)
		}
	}

	out, err := Compile(body, input, req.BodyToAppend)
	if err != nil {
		return nil, err
	}

	return &RenderResponse{
		Version:   version,
		Prompt:    out,
		Variables: ExtractVariables(body),
	}, nil
}

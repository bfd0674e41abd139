// Package invocation runs a prompt template end to end: resolve, validate
// input, compile, call the model with output validation, optionally patch the
// result, and record every step on a durable invocation row.
package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptrunner/internal/audit"
	"github.com/nikhilbhutani/promptrunner/internal/llm"
	"github.com/nikhilbhutani/promptrunner/internal/metrics"
	"github.com/nikhilbhutani/promptrunner/internal/models"
	"github.com/nikhilbhutani/promptrunner/internal/prompt"
	"github.com/nikhilbhutani/promptrunner/internal/schema"
	"github.com/nikhilbhutani/promptrunner/internal/transform"
)

// DefaultMaxAttempts bounds both the output loop and the patch loop. It is
// also the ceiling: Config.MaxAttempts above it is lowered to it.
const DefaultMaxAttempts = 2

// Resolver returns a template with its active version.
type Resolver interface {
	Resolve(ctx context.Context, space, key string) (*prompt.Resolved, error)
}

// UsageRecorder stores one usage row per model call.
type UsageRecorder interface {
	LogLLMUsage(ctx context.Context, record models.LLMUsageLog) error
}

type Config struct {
	DefaultSpace string
	MaxAttempts  int
	StrictSchema bool
}

type Service struct {
	store     Store
	templates Resolver
	schemas   schema.Loader
	gateway   llm.Gateway
	usage     UsageRecorder
	cfg       Config
}

// NewService wires the pipeline. usage may be nil.
func NewService(store Store, templates Resolver, schemas schema.Loader, gateway llm.Gateway, usage UsageRecorder, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 || cfg.MaxAttempts > DefaultMaxAttempts {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.DefaultSpace == "" {
		cfg.DefaultSpace = "default"
	}
	return &Service{
		store:     store,
		templates: templates,
		schemas:   schemas,
		gateway:   gateway,
		usage:     usage,
		cfg:       cfg,
	}
}

// Result is what the caller gets back: the envelope, or the patched object
// when the template declares a transformation.
type Result struct {
	InvocationID uuid.UUID
	Body         map[string]any
	Transformed  bool
	LLMCalls     int
}

func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Body)
}

// Invoke runs the pipeline once. Once the invocation row exists, every
// return path leaves it Completed or Failed.
func (s *Service) Invoke(ctx context.Context, req Request) (*Result, error) {
	req, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.process(ctx, req)
}

// Prepare checks the request and records it as an InProgress invocation
// without running it. The returned request is normalized and carries the
// invocation id.
func (s *Service) Prepare(ctx context.Context, req Request) (Request, error) {
	if err := req.Normalize(s.cfg.DefaultSpace); err != nil {
		return req, stageError("check request", ErrValidation, err)
	}

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	inv := &models.PromptInvocation{
		ID:           req.ID,
		SpaceID:      req.SpaceID,
		PromptKey:    req.PromptKey,
		InputJSON:    req.InputJSON,
		Status:       models.StatusInProgress,
		LLMProvider:  req.LLMProvider,
		Model:        req.Model,
		BodyToAppend: optional(req.BodyToAppend),
		RequestFrom:  req.RequestFrom,
	}
	if err := s.store.Create(ctx, inv); err != nil {
		return req, fmt.Errorf("create invocation: %w", err)
	}
	return req, nil
}

// Resume runs an invocation recorded earlier by Prepare. The row must still
// be InProgress; a finished row is left untouched.
func (s *Service) Resume(ctx context.Context, req Request) (*Result, error) {
	if req.ID == uuid.Nil {
		return nil, stageError("resume invocation", ErrValidation, errors.New("missing invocation id"))
	}
	inv, err := s.store.Get(ctx, req.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, stageError("resume invocation", ErrNotFound, err)
		}
		return nil, fmt.Errorf("resume invocation: %w", err)
	}
	if inv.Status != models.StatusInProgress {
		return nil, fmt.Errorf("resume invocation %s: %w (status %s)", req.ID, errNotInProgress, inv.Status)
	}

	if err := req.Normalize(s.cfg.DefaultSpace); err != nil {
		e := &Error{Op: "check request", Kind: ErrValidation, Err: err}
		return nil, s.abandon(ctx, req, e)
	}
	return s.process(ctx, req)
}

// Abandon marks a prepared invocation Failed without running it, for example
// when it could not be queued.
func (s *Service) Abandon(ctx context.Context, id uuid.UUID, cause error) error {
	metrics.InvocationsTotal.WithLabelValues(string(models.StatusFailed)).Inc()
	return s.store.Fail(context.WithoutCancel(ctx), id, cause.Error())
}

func (s *Service) abandon(ctx context.Context, req Request, e *Error) error {
	e.InvocationID = req.ID
	if err := s.Abandon(ctx, req.ID, e); err != nil {
		slog.Error("failed to record invocation failure", "invocation_id", req.ID, "error", err)
	}
	return e
}

// process runs the stages for a prepared request.
func (s *Service) process(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	r := &run{
		svc: s,
		id:  req.ID,
		req: req,
		log: slog.With("invocation_id", req.ID, "space", req.SpaceID, "prompt_key", req.PromptKey),
	}

	defer func() {
		if p := recover(); p != nil {
			s.fail(ctx, r, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()

	res, err = r.execute(ctx)
	metrics.InvocationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e := asError(err, req.ID)
		s.fail(ctx, r, e)
		return nil, e
	}

	metrics.InvocationsTotal.WithLabelValues(string(models.StatusCompleted)).Inc()
	r.log.Info("invocation completed", "llm_calls", r.calls, "transformed", res.Transformed)
	return res, nil
}

func (s *Service) fail(ctx context.Context, r *run, cause error) {
	metrics.InvocationsTotal.WithLabelValues(string(models.StatusFailed)).Inc()
	r.log.Error("invocation failed", "llm_calls", r.calls, "error", cause)
	if err := s.store.Fail(context.WithoutCancel(ctx), r.id, cause.Error()); err != nil {
		r.log.Error("failed to record invocation failure", "error", err)
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.PromptInvocation, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]models.PromptInvocation, error) {
	return s.store.List(ctx, f)
}

// asError attaches the invocation id, classifying bare errors as unclassified.
func asError(err error, id uuid.UUID) *Error {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Op: "invoke", Err: err}
	}
	e.InvocationID = id
	return e
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// run carries the state of one invocation through the stages.
type run struct {
	svc   *Service
	id    uuid.UUID
	req   Request
	log   *slog.Logger
	calls int
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	s := r.svc

	provider, err := s.gateway.Provider(r.req.LLMProvider)
	if err != nil {
		if errors.Is(err, llm.ErrUnsupportedProvider) {
			return nil, stageError("select provider", ErrUnsupportedProvider, err)
		}
		return nil, stageError("select provider", nil, err)
	}

	resolved, err := s.templates.Resolve(ctx, r.req.SpaceID, r.req.PromptKey)
	if err != nil {
		if errors.Is(err, prompt.ErrNotFound) {
			return nil, stageError("resolve template", ErrNotFound, err)
		}
		return nil, stageError("resolve template", nil, err)
	}
	if err := s.store.SetTemplate(ctx, r.id, resolved.Template.ID, resolved.Version.ID); err != nil {
		return nil, err
	}

	input, err := r.validateInput(ctx, resolved.Template.InputSchema)
	if err != nil {
		return nil, err
	}

	compiled, err := prompt.Compile(resolved.Version.Body, input, r.req.BodyToAppend)
	if err != nil {
		return nil, stageError("compile template", ErrCompilation, err)
	}
	if err := s.store.SetPrompt(ctx, r.id, compiled); err != nil {
		return nil, err
	}

	out, err := r.loadSchema(ctx, "load output schema", resolved.Template.OutputSchema)
	if err != nil {
		return nil, err
	}

	response, err := r.generate(ctx, provider, compiled, out)
	if err != nil {
		return nil, err
	}

	envelope := map[string]any{
		"request":      r.req.document(),
		"prompt":       compiled,
		"response":     response,
		"invocationId": r.id.String(),
	}

	if !resolved.Template.HasPatch() {
		if err := s.store.Complete(ctx, r.id, nil); err != nil {
			return nil, err
		}
		return &Result{InvocationID: r.id, Body: envelope, LLMCalls: r.calls}, nil
	}

	patched, err := r.transform(ctx, provider, compiled, out, resolved.Template.TransformationPatch, envelope)
	if err != nil {
		return nil, err
	}
	transformed, err := json.Marshal(patched)
	if err != nil {
		return nil, fmt.Errorf("encode transformed result: %w", err)
	}
	if err := s.store.Complete(ctx, r.id, transformed); err != nil {
		return nil, err
	}

	body, ok := patched.(map[string]any)
	if !ok {
		body = map[string]any{"result": patched}
	}
	body["invocationId"] = r.id.String()
	return &Result{InvocationID: r.id, Body: body, Transformed: true, LLMCalls: r.calls}, nil
}

func (r *run) loadSchema(ctx context.Context, op, name string) (*schema.Schema, error) {
	sc, err := r.svc.schemas.Load(ctx, name)
	if err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			return nil, stageError(op, ErrNotFound, err)
		}
		return nil, stageError(op, nil, err)
	}
	return sc, nil
}

// validateInput decodes the caller's input and checks it against the
// template's input schema. No schema means no check.
func (r *run) validateInput(ctx context.Context, schemaName string) (any, error) {
	var input any = map[string]any{}
	if raw := r.req.InputJSON; len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, stageError("decode input", ErrValidation, err)
		}
	}

	if schemaName == "" {
		return input, nil
	}

	sc, err := r.loadSchema(ctx, "load input schema", schemaName)
	if err != nil {
		return nil, err
	}
	res := sc.Validate(input)
	if !res.Valid {
		return nil, &Error{
			Op:      "validate input",
			Kind:    ErrValidation,
			Details: res.Errors,
			Err:     errors.New(res.Summary()),
		}
	}
	return input, nil
}

// generate calls the model until its output passes the schema, at most
// MaxAttempts times. The raw output of every attempt is saved.
func (r *run) generate(ctx context.Context, p llm.Provider, compiled string, out *schema.Schema) (any, error) {
	var last schema.Result
	for attempt := 1; attempt <= r.svc.cfg.MaxAttempts; attempt++ {
		value, res, err := r.call(ctx, p, compiled, out)
		if err != nil {
			return nil, err
		}
		if res.Valid {
			return value, nil
		}
		last = res
		r.log.Warn("model output failed validation", "attempt", attempt, "errors", res.Summary())
	}
	return nil, &Error{
		Op:      "validate output",
		Kind:    ErrOutputValidation,
		Details: last.Errors,
		Err:     fmt.Errorf("after %d attempts: %s", r.svc.cfg.MaxAttempts, last.Summary()),
	}
}

// transform applies the template's patch to the envelope. A failed attempt
// fetches a fresh response from the model before the next one.
func (r *run) transform(ctx context.Context, p llm.Provider, compiled string, out *schema.Schema, rawPatch json.RawMessage, envelope map[string]any) (any, error) {
	patch, err := transform.Parse(rawPatch)
	if err != nil {
		return nil, stageError("parse patch", ErrPatch, err)
	}

	var lastErr error
	for attempt := 1; attempt <= r.svc.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			value, res, err := r.call(ctx, p, compiled, out)
			if err != nil {
				return nil, err
			}
			if !res.Valid {
				return nil, &Error{
					Op:      "validate output",
					Kind:    ErrOutputValidation,
					Details: res.Errors,
					Err:     fmt.Errorf("patch retry response: %s", res.Summary()),
				}
			}
			envelope["response"] = value
		}

		patched, err := patch.Apply(envelope)
		if err == nil {
			metrics.PatchAttemptsTotal.WithLabelValues("applied").Inc()
			return patched, nil
		}
		metrics.PatchAttemptsTotal.WithLabelValues("failed").Inc()
		lastErr = err
		r.log.Warn("transformation patch failed", "attempt", attempt, "error", err)
	}
	return nil, stageError("apply patch", ErrPatch, fmt.Errorf("after %d attempts: %w", r.svc.cfg.MaxAttempts, lastErr))
}

// call makes one model request, saves its raw output and validates it.
func (r *run) call(ctx context.Context, p llm.Provider, compiled string, out *schema.Schema) (any, schema.Result, error) {
	s := r.svc
	resp, err := p.ChatCompletion(ctx, llm.ChatRequest{
		Model:    r.req.Model,
		Messages: []llm.Message{{Role: "user", Content: compiled}},
		ResponseSchema: &llm.ResponseSchema{
			Name:   llm.SchemaName(r.req.PromptKey),
			Schema: out.Document,
			Strict: s.cfg.StrictSchema,
		},
	})
	r.calls++
	if cerr := s.store.IncrementCalls(ctx, r.id); cerr != nil {
		return nil, schema.Result{}, cerr
	}
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues(p.Name(), "error").Inc()
		return nil, schema.Result{}, stageError("call model", nil, err)
	}
	r.recordUsage(ctx, resp)

	if err := s.store.SetOutput(ctx, r.id, rawOutput(resp.Content)); err != nil {
		return nil, schema.Result{}, err
	}

	value, res := out.ValidateJSON([]byte(resp.Content))
	outcome := "valid"
	if !res.Valid {
		outcome = "invalid"
	}
	metrics.LLMCallsTotal.WithLabelValues(p.Name(), outcome).Inc()
	return value, res, nil
}

func (r *run) recordUsage(ctx context.Context, resp *llm.ChatResponse) {
	if r.svc.usage == nil {
		return
	}
	id := r.id
	err := r.svc.usage.LogLLMUsage(ctx, models.LLMUsageLog{
		InvocationID: &id,
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		TotalTokens:  resp.TotalTokens,
		CostUSD:      resp.CostUSD,
		LatencyMs:    int(resp.LatencyMs),
		Endpoint:     "invocation",
		Metadata:     audit.Metadata(map[string]any{"prompt_key": r.req.PromptKey, "request_from": r.req.RequestFrom}),
	})
	if err != nil {
		r.log.Warn("failed to log LLM usage", "error", err)
	}
}

// rawOutput keeps model text that is not JSON as a JSON string so it can be
// stored in a jsonb column.
func rawOutput(content string) json.RawMessage {
	if json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	data, _ := json.Marshal(content)
	return data
}

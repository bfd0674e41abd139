package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nikhilbhutani/promptrunner/internal/llm"
	"github.com/nikhilbhutani/promptrunner/internal/models"
	"github.com/nikhilbhutani/promptrunner/internal/prompt"
)

func TestMain(m *testing.M) {
	// raymond keeps its lexer blocked after a parse error. prompt.Templates
	// parses each broken body once, so at most one per body stays behind.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/mailgun/raymond/v2/lexer.(*Lexer).produce"))
}

const greetOutput = `{
	"type": "object",
	"properties": {"message": {"type": "string"}},
	"required": ["message"]
}`

const nameInput = `{
	"type": "object",
	"properties": {"name": {"type": "string", "minLength": 1}},
	"required": ["name"]
}`

type harness struct {
	svc       *Service
	store     *memStore
	templates *fakeResolver
	schemas   *fakeLoader
	provider  *scriptedProvider
	usage     *usageLog
}

func newHarness(t *testing.T, responses ...string) *harness {
	t.Helper()
	loader := &fakeLoader{docs: map[string]string{
		"greet.output.json": greetOutput,
		"name.input.json":   nameInput,
	}}
	h := &harness{
		store:     newMemStore(),
		templates: &fakeResolver{templates: map[string]*prompt.Resolved{}},
		schemas:   loader,
		provider:  &scriptedProvider{responses: responses},
		usage:     &usageLog{},
	}
	h.svc = NewService(h.store, h.templates, h.schemas, llm.NewStaticGateway(h.provider), h.usage,
		Config{DefaultSpace: "default"})
	return h
}

func (h *harness) addTemplate(space, key, body, inputSchema, patch string) {
	t := models.PromptTemplate{
		ID:           uuid.New(),
		SpaceID:      space,
		Key:          key,
		InputSchema:  inputSchema,
		OutputSchema: "greet.output.json",
	}
	if patch != "" {
		t.TransformationPatch = json.RawMessage(patch)
	}
	v := models.PromptVersion{ID: uuid.New(), TemplateID: t.ID, Version: 1, Body: body}
	t.ActiveVersionID = &v.ID
	h.templates.templates[space+"/"+key] = &prompt.Resolved{Template: t, Version: v}
}

func greetRequest() Request {
	return Request{
		InputJSON:   json.RawMessage(`{"name": "Ana"}`),
		PromptKey:   "greet",
		LLMProvider: "openai",
		Model:       "gpt-4o-mini",
		RequestFrom: "ui",
	}
}

func TestInvokeCompletesOnFirstValidResponse(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "", "")

	res, err := h.svc.Invoke(context.Background(), greetRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, h.provider.calls)
	assert.Equal(t, "Hello Ana", res.Body["prompt"])
	assert.Equal(t, map[string]any{"message": "hi"}, res.Body["response"])
	assert.Equal(t, res.InvocationID.String(), res.Body["invocationId"])
	assert.False(t, res.Transformed)
	assert.Equal(t, "greet", res.Body["request"].(map[string]any)["promptKey"])

	row := h.store.only()
	assert.Equal(t, models.StatusCompleted, row.Status)
	assert.JSONEq(t, `{"message":"hi"}`, string(row.OutputJSON))
	assert.Equal(t, "Hello Ana", *row.Prompt)
	assert.Nil(t, row.TransformedJSON)
	assert.Nil(t, row.Error)
	assert.Equal(t, 1, row.LLMCalls)

	assert.Equal(t, []string{"greet.output.json"}, h.schemas.loads, "no input schema means no input validation")
	require.Len(t, h.usage.records, 1)
	assert.Equal(t, res.InvocationID, *h.usage.records[0].InvocationID)

	req := h.provider.requests[0]
	require.NotNil(t, req.ResponseSchema)
	assert.Equal(t, "greet", req.ResponseSchema.Name)
	assert.JSONEq(t, greetOutput, string(req.ResponseSchema.Schema))
}

func TestInvokeFailsAfterTwoInvalidResponses(t *testing.T) {
	h := newHarness(t, `{"msg": "first"}`, `{"msg": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "", "")

	_, err := h.svc.Invoke(context.Background(), greetRequest())
	require.ErrorIs(t, err, ErrOutputValidation)

	var ierr *Error
	require.True(t, errors.As(err, &ierr))
	assert.NotEmpty(t, ierr.Details)

	assert.Equal(t, 2, h.provider.calls)
	row := h.store.only()
	assert.Equal(t, ierr.InvocationID, row.ID)
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.JSONEq(t, `{"msg":"hi"}`, string(row.OutputJSON))
	require.NotNil(t, row.Error)
	assert.Contains(t, *row.Error, "message")
	assert.Nil(t, row.TransformedJSON)
}

func TestInvokeCapsAttemptsAtTwo(t *testing.T) {
	h := newHarness(t, `{"msg": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "", "")
	h.svc = NewService(h.store, h.templates, h.schemas, llm.NewStaticGateway(h.provider), h.usage,
		Config{DefaultSpace: "default", MaxAttempts: 5})

	_, err := h.svc.Invoke(context.Background(), greetRequest())
	require.ErrorIs(t, err, ErrOutputValidation)
	assert.Equal(t, 2, h.provider.calls)
	assert.Equal(t, 2, h.store.only().LLMCalls)
}

func TestInvokeRetriesOnceThenSucceeds(t *testing.T) {
	h := newHarness(t, `not json at all`, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "", "")

	res, err := h.svc.Invoke(context.Background(), greetRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, h.provider.calls)
	assert.Equal(t, 2, res.LLMCalls)
	assert.Equal(t, models.StatusCompleted, h.store.only().Status)
}

func TestInvokeAppliesTransformation(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "", `[{"op": "add", "path": "/response/extra", "value": "x"}]`)

	res, err := h.svc.Invoke(context.Background(), greetRequest())
	require.NoError(t, err)

	assert.True(t, res.Transformed)
	assert.Equal(t, "x", res.Body["response"].(map[string]any)["extra"])
	assert.Equal(t, res.InvocationID.String(), res.Body["invocationId"])

	row := h.store.only()
	assert.Equal(t, models.StatusCompleted, row.Status)
	require.NotNil(t, row.TransformedJSON)
	var transformed map[string]any
	require.NoError(t, json.Unmarshal(row.TransformedJSON, &transformed))
	assert.Equal(t, "x", transformed["response"].(map[string]any)["extra"])
	assert.Equal(t, 1, h.provider.calls)
}

func TestInvokeRetriesPatchWithFreshResponse(t *testing.T) {
	h := newHarness(t,
		`{"message": "hi"}`,
		`{"message": "hi", "nested": {"field": "a"}}`,
	)
	h.addTemplate("default", "greet", "Hello {{name}}", "",
		`[{"op": "replace", "path": "/response/nested/field", "value": "b"}]`)

	res, err := h.svc.Invoke(context.Background(), greetRequest())
	require.NoError(t, err)

	assert.Equal(t, 2, h.provider.calls)
	nested := res.Body["response"].(map[string]any)["nested"].(map[string]any)
	assert.Equal(t, "b", nested["field"])

	row := h.store.only()
	assert.Equal(t, models.StatusCompleted, row.Status)
	assert.JSONEq(t, `{"message": "hi", "nested": {"field": "a"}}`, string(row.OutputJSON))
	assert.Equal(t, 2, row.LLMCalls)
}

func TestInvokeFailsWhenPatchNeverApplies(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "",
		`[{"op": "replace", "path": "/response/nested/field", "value": "b"}]`)

	_, err := h.svc.Invoke(context.Background(), greetRequest())
	require.ErrorIs(t, err, ErrPatch)

	assert.Equal(t, 2, h.provider.calls)
	row := h.store.only()
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Nil(t, row.TransformedJSON)
}

func TestInvokePatchRetryResponseMustValidate(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`, `{"msg": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "",
		`[{"op": "replace", "path": "/response/nested/field", "value": "b"}]`)

	_, err := h.svc.Invoke(context.Background(), greetRequest())
	require.ErrorIs(t, err, ErrOutputValidation)
	assert.Equal(t, 2, h.provider.calls)
	assert.Equal(t, models.StatusFailed, h.store.only().Status)
}

func TestInvokeRejectsUnsupportedProvider(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "", "")

	req := greetRequest()
	req.LLMProvider = "anthropic"
	_, err := h.svc.Invoke(context.Background(), req)
	require.ErrorIs(t, err, ErrUnsupportedProvider)
	assert.ErrorIs(t, err, llm.ErrUnsupportedProvider)

	assert.Zero(t, h.provider.calls)
	assert.Zero(t, h.templates.calls)
	assert.Empty(t, h.schemas.loads)

	row := h.store.only()
	assert.Equal(t, models.StatusFailed, row.Status)
	require.NotNil(t, row.Error)
	assert.Contains(t, *row.Error, "unsupported")
	assert.Nil(t, row.OutputJSON)
}

func TestInvokeRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "name.input.json", "")

	req := greetRequest()
	req.InputJSON = json.RawMessage(`{"name": ""}`)
	_, err := h.svc.Invoke(context.Background(), req)
	require.ErrorIs(t, err, ErrValidation)

	var ierr *Error
	require.True(t, errors.As(err, &ierr))
	require.NotEmpty(t, ierr.Details)
	assert.Equal(t, "/name", ierr.Details[0].Path)

	assert.Zero(t, h.provider.calls)
	row := h.store.only()
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Nil(t, row.Prompt)
}

func TestInvokeValidInputPassesSchema(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "name.input.json", "")

	_, err := h.svc.Invoke(context.Background(), greetRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"name.input.json", "greet.output.json"}, h.schemas.loads)
}

func TestInvokeTemplateNotFound(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)

	_, err := h.svc.Invoke(context.Background(), greetRequest())
	require.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, prompt.ErrNotFound)
	assert.Equal(t, models.StatusFailed, h.store.only().Status)
}

func TestInvokeMissingOutputSchema(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "", "")
	delete(h.schemas.docs, "greet.output.json")

	_, err := h.svc.Invoke(context.Background(), greetRequest())
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, h.provider.calls)
	assert.Equal(t, models.StatusFailed, h.store.only().Status)
}

func TestInvokeCompilationError(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "{{#if name}}unterminated", "", "")

	_, err := h.svc.Invoke(context.Background(), greetRequest())
	require.ErrorIs(t, err, ErrCompilation)
	assert.ErrorIs(t, err, prompt.ErrRender)
	assert.Zero(t, h.provider.calls)
	assert.Equal(t, models.StatusFailed, h.store.only().Status)
}

func TestInvokeProviderErrorIsUnclassified(t *testing.T) {
	h := newHarness(t)
	h.provider.err = errors.New("connection reset by peer")
	h.addTemplate("default", "greet", "Hello {{name}}", "", "")

	_, err := h.svc.Invoke(context.Background(), greetRequest())
	require.Error(t, err)
	assert.Nil(t, KindOf(err))
	assert.Equal(t, 1, h.provider.calls, "transport errors are not retried")

	row := h.store.only()
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Contains(t, *row.Error, "connection reset by peer")
	assert.Equal(t, 1, row.LLMCalls)
}

func TestInvokeRecordsFailureAfterCancellation(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.provider.onCall = cancel

	_, err := h.svc.Invoke(ctx, greetRequest())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StatusFailed, h.store.only().Status)
}

func TestInvokeRejectsMalformedRequestWithoutRow(t *testing.T) {
	for name, mutate := range map[string]func(*Request){
		"no prompt key":  func(r *Request) { r.PromptKey = "" },
		"no provider":    func(r *Request) { r.LLMProvider = " " },
		"no model":       func(r *Request) { r.Model = "" },
		"bad origin":     func(r *Request) { r.RequestFrom = "cron" },
		"bad input json": func(r *Request) { r.InputJSON = json.RawMessage(`{"name":`) },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, `{"message": "hi"}`)
			req := greetRequest()
			mutate(&req)

			_, err := h.svc.Invoke(context.Background(), req)
			require.ErrorIs(t, err, ErrValidation)
			list, _ := h.store.List(context.Background(), Filter{})
			assert.Empty(t, list)
		})
	}
}

func TestInvokeAppliesDefaults(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "", "")

	req := greetRequest()
	req.RequestFrom = ""
	req.ID = uuid.New()
	req.BodyToAppend = "PS"

	res, err := h.svc.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, res.InvocationID)

	row, err := h.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, "default", row.SpaceID)
	assert.Equal(t, FromUI, row.RequestFrom)
	assert.Equal(t, "Hello Ana\n\nPS", *row.Prompt)
	assert.Equal(t, "PS", *row.BodyToAppend)
}

func TestPrepareThenResume(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	h.addTemplate("default", "greet", "Hello {{name}}", "", "")
	ctx := context.Background()

	req, err := h.svc.Prepare(ctx, greetRequest())
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, req.ID)

	row, err := h.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, row.Status)
	assert.Zero(t, h.provider.calls)

	res, err := h.svc.Resume(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, res.InvocationID)
	assert.Equal(t, models.StatusCompleted, h.store.only().Status)

	_, err = h.svc.Resume(ctx, req)
	require.ErrorIs(t, err, errNotInProgress)
	assert.Equal(t, 1, h.provider.calls)
	assert.Equal(t, models.StatusCompleted, h.store.only().Status)
}

func TestResumeUnknownInvocation(t *testing.T) {
	h := newHarness(t, `{"message": "hi"}`)
	req := greetRequest()
	req.ID = uuid.New()

	_, err := h.svc.Resume(context.Background(), req)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, h.provider.calls)

	req.ID = uuid.Nil
	_, err = h.svc.Resume(context.Background(), req)
	require.ErrorIs(t, err, ErrValidation)
}

func TestAbandonFailsPreparedInvocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req, err := h.svc.Prepare(ctx, greetRequest())
	require.NoError(t, err)
	require.NoError(t, h.svc.Abandon(ctx, req.ID, errors.New("enqueue invocation: redis down")))

	row := h.store.only()
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Equal(t, "enqueue invocation: redis down", *row.Error)

	_, err = h.svc.Resume(ctx, req)
	require.ErrorIs(t, err, errNotInProgress)
	assert.Zero(t, h.provider.calls)
}

func TestInvokeNeverLeavesRowInProgress(t *testing.T) {
	cases := []struct {
		name      string
		responses []string
		patch     string
		provider  string
		body      string
	}{
		{name: "valid", responses: []string{`{"message": "a"}`}},
		{name: "invalid twice", responses: []string{`[]`, `null`}},
		{name: "patch ok", responses: []string{`{"message": "a"}`}, patch: `[{"op": "remove", "path": "/prompt"}]`},
		{name: "patch broken", responses: []string{`{"message": "a"}`}, patch: `[{"op": "remove", "path": "/nope"}]`},
		{name: "patch not a patch", responses: []string{`{"message": "a"}`}, patch: `{"op": "remove"}`},
		{name: "provider", responses: []string{`{"message": "a"}`}, provider: "ollama"},
		{name: "template", responses: []string{`{"message": "a"}`}, body: "{{/each}}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.responses...)
			body := tc.body
			if body == "" {
				body = "Hello {{name}}"
			}
			h.addTemplate("default", "greet", body, "", tc.patch)
			req := greetRequest()
			if tc.provider != "" {
				req.LLMProvider = tc.provider
			}

			_, _ = h.svc.Invoke(context.Background(), req)
			row := h.store.only()
			assert.True(t, row.Status.Terminal(), "status %s", row.Status)
			if row.Status == models.StatusFailed {
				assert.Nil(t, row.TransformedJSON)
			}
			assert.LessOrEqual(t, h.provider.calls, 2)
		})
	}
}

func TestKindOf(t *testing.T) {
	err := &Error{Op: "apply patch", Kind: ErrPatch, Err: errors.New("boom")}
	assert.Equal(t, ErrPatch, KindOf(err))
	assert.Equal(t, "apply patch: transformation patch failed: boom", err.Error())
	assert.Nil(t, KindOf(errors.New("other")))
}

package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptrunner/internal/llm"
	"github.com/nikhilbhutani/promptrunner/internal/models"
	"github.com/nikhilbhutani/promptrunner/internal/prompt"
	"github.com/nikhilbhutani/promptrunner/internal/schema"
)

type memStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.PromptInvocation
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uuid.UUID]*models.PromptInvocation)}
}

func (m *memStore) with(ctx context.Context, id uuid.UUID, fn func(*models.PromptInvocation) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("%w: invocation %s", ErrNotFound, id)
	}
	inv.UpdatedAt = time.Now()
	return fn(inv)
}

func (m *memStore) Create(ctx context.Context, inv *models.PromptInvocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[inv.ID]; ok {
		return errors.New("duplicate invocation id")
	}
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	row := *inv
	m.rows[inv.ID] = &row
	return nil
}

func (m *memStore) SetTemplate(ctx context.Context, id, templateID, versionID uuid.UUID) error {
	return m.with(ctx, id, func(inv *models.PromptInvocation) error {
		inv.TemplateID, inv.VersionID = &templateID, &versionID
		return nil
	})
}

func (m *memStore) SetPrompt(ctx context.Context, id uuid.UUID, p string) error {
	return m.with(ctx, id, func(inv *models.PromptInvocation) error {
		inv.Prompt = &p
		return nil
	})
}

func (m *memStore) SetOutput(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	return m.with(ctx, id, func(inv *models.PromptInvocation) error {
		inv.OutputJSON = append(json.RawMessage(nil), output...)
		return nil
	})
}

func (m *memStore) IncrementCalls(ctx context.Context, id uuid.UUID) error {
	return m.with(ctx, id, func(inv *models.PromptInvocation) error {
		inv.LLMCalls++
		return nil
	})
}

func (m *memStore) Complete(ctx context.Context, id uuid.UUID, transformed json.RawMessage) error {
	return m.with(ctx, id, func(inv *models.PromptInvocation) error {
		if inv.Status != models.StatusInProgress {
			return errNotInProgress
		}
		inv.Status = models.StatusCompleted
		inv.TransformedJSON = transformed
		return nil
	})
}

func (m *memStore) Fail(ctx context.Context, id uuid.UUID, message string) error {
	return m.with(ctx, id, func(inv *models.PromptInvocation) error {
		if inv.Status != models.StatusInProgress {
			return errNotInProgress
		}
		inv.Status = models.StatusFailed
		inv.Error = &message
		return nil
	})
}

func (m *memStore) Get(ctx context.Context, id uuid.UUID) (*models.PromptInvocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: invocation %s", ErrNotFound, id)
	}
	row := *inv
	return &row, nil
}

func (m *memStore) List(ctx context.Context, f Filter) ([]models.PromptInvocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PromptInvocation
	for _, inv := range m.rows {
		if f.PromptKey != "" && inv.PromptKey != f.PromptKey {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		out = append(out, *inv)
	}
	return out, nil
}

func (m *memStore) only() *models.PromptInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rows) != 1 {
		panic(fmt.Sprintf("expected exactly one invocation row, have %d", len(m.rows)))
	}
	for _, inv := range m.rows {
		row := *inv
		return &row
	}
	return nil
}

type fakeResolver struct {
	templates map[string]*prompt.Resolved
	calls     int
}

func (f *fakeResolver) Resolve(_ context.Context, space, key string) (*prompt.Resolved, error) {
	f.calls++
	r, ok := f.templates[space+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%w: %q in space %q", prompt.ErrNotFound, key, space)
	}
	return r, nil
}

type fakeLoader struct {
	docs  map[string]string
	loads []string
}

func (f *fakeLoader) Load(_ context.Context, name string) (*schema.Schema, error) {
	f.loads = append(f.loads, name)
	doc, ok := f.docs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrNotFound, name)
	}
	return schema.Compile(name, []byte(doc))
}

// scriptedProvider answers with responses in order and repeats the last one.
type scriptedProvider struct {
	responses []string
	err       error
	onCall    func()
	calls     int
	requests  []llm.ChatRequest
}

func (p *scriptedProvider) Name() string     { return "openai" }
func (p *scriptedProvider) Models() []string { return []string{"gpt-4o-mini"} }

func (p *scriptedProvider) ChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.calls++
	p.requests = append(p.requests, req)
	if p.onCall != nil {
		p.onCall()
	}
	if p.err != nil {
		return nil, p.err
	}
	i := p.calls - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return &llm.ChatResponse{
		ID:          fmt.Sprintf("chatcmpl-%d", p.calls),
		Provider:    "openai",
		Model:       req.Model,
		Content:     p.responses[i],
		TotalTokens: 12,
	}, nil
}

type usageLog struct {
	mu      sync.Mutex
	records []models.LLMUsageLog
}

func (u *usageLog) LogLLMUsage(_ context.Context, record models.LLMUsageLog) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, record)
	return nil
}

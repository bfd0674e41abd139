package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nikhilbhutani/promptrunner/internal/llm"
)

type oneModel struct{}

func (oneModel) Provider(name string) (llm.Provider, error) { return nil, llm.ErrUnsupportedProvider }
func (oneModel) ListModels() []llm.ModelInfo {
	return []llm.ModelInfo{{Provider: "openai", Model: "gpt-4o-mini"}}
}

func TestHealthz(t *testing.T) {
	h := NewHealthHandler(nil, nil)
	rec, body := do(t, http.HandlerFunc(h.Healthz), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = do(t, http.HandlerFunc(h.Readyz), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestModels(t *testing.T) {
	rec, body := do(t, http.HandlerFunc(NewLLMHandler(oneModel{}).Models), http.MethodGet, "/llm/models", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nikhilbhutani/promptrunner/internal/models"
	"github.com/nikhilbhutani/promptrunner/internal/prompt"
)

type PromptStore interface {
	Create(ctx context.Context, space string, req prompt.CreateRequest) (*prompt.Resolved, error)
	CreateVersion(ctx context.Context, space, key string, req prompt.NewVersionRequest) (*models.PromptVersion, error)
	Activate(ctx context.Context, space, key string, version int) (*models.PromptVersion, error)
	UpdateSettings(ctx context.Context, space, key string, st prompt.Settings) error
	Get(ctx context.Context, space, key string) (*models.PromptTemplate, []models.PromptVersion, error)
	List(ctx context.Context, space string, limit, offset int) ([]models.PromptTemplate, error)
	Render(ctx context.Context, space, key string, req prompt.RenderRequest) (*prompt.RenderResponse, error)
}

type PromptHandler struct {
	svc PromptStore
}

func NewPromptHandler(svc PromptStore) *PromptHandler {
	return &PromptHandler{svc: svc}
}

func writePromptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, prompt.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, prompt.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, prompt.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, prompt.ErrRender):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *PromptHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req prompt.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.svc.Create(r.Context(), chi.URLParam(r, "space"), req)
	if err != nil {
		writePromptError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

func (h *PromptHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 20
	}

	prompts, err := h.svc.List(r.Context(), chi.URLParam(r, "space"), limit, offset)
	if err != nil {
		writePromptError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"prompts": prompts, "count": len(prompts)})
}

func (h *PromptHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, versions, err := h.svc.Get(r.Context(), chi.URLParam(r, "space"), chi.URLParam(r, "key"))
	if err != nil {
		writePromptError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"prompt": p, "versions": versions})
}

func (h *PromptHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var st prompt.Settings
	if !decodeJSON(w, r, &st) {
		return
	}

	if err := h.svc.UpdateSettings(r.Context(), chi.URLParam(r, "space"), chi.URLParam(r, "key"), st); err != nil {
		writePromptError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *PromptHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var req prompt.NewVersionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	v, err := h.svc.CreateVersion(r.Context(), chi.URLParam(r, "space"), chi.URLParam(r, "key"), req)
	if err != nil {
		writePromptError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, v)
}

func (h *PromptHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int `json:"version"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Version <= 0 {
		writeError(w, http.StatusBadRequest, "version must be positive")
		return
	}

	v, err := h.svc.Activate(r.Context(), chi.URLParam(r, "space"), chi.URLParam(r, "key"), req.Version)
	if err != nil {
		writePromptError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, v)
}

func (h *PromptHandler) Render(w http.ResponseWriter, r *http.Request) {
	var req prompt.RenderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.svc.Render(r.Context(), chi.URLParam(r, "space"), chi.URLParam(r, "key"), req)
	if err != nil {
		writePromptError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

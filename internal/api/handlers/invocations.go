package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptrunner/internal/invocation"
	"github.com/nikhilbhutani/promptrunner/internal/models"
	"github.com/nikhilbhutani/promptrunner/internal/queue"
)

type Invoker interface {
	Invoke(ctx context.Context, req invocation.Request) (*invocation.Result, error)
	Prepare(ctx context.Context, req invocation.Request) (invocation.Request, error)
	Abandon(ctx context.Context, id uuid.UUID, cause error) error
	Get(ctx context.Context, id uuid.UUID) (*models.PromptInvocation, error)
	List(ctx context.Context, f invocation.Filter) ([]models.PromptInvocation, error)
}

type Enqueuer interface {
	EnqueueInvocation(ctx context.Context, payload queue.InvocationRunPayload, timeout time.Duration) (string, error)
}

type InvocationHandler struct {
	svc         Invoker
	queue       Enqueuer
	taskTimeout time.Duration
}

// NewInvocationHandler serves the invocation routes. q may be nil, which
// disables the async endpoint.
func NewInvocationHandler(svc Invoker, q Enqueuer, taskTimeout time.Duration) *InvocationHandler {
	return &InvocationHandler{svc: svc, queue: q, taskTimeout: taskTimeout}
}

func (h *InvocationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req invocation.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.svc.Invoke(r.Context(), req)
	if err != nil {
		writeInvocationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *InvocationHandler) CreateAsync(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "async invocations are not enabled")
		return
	}

	var req invocation.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	// The row exists before the task does, so the returned id can be polled
	// right away even if no worker has picked it up yet.
	req, err := h.svc.Prepare(r.Context(), req)
	if err != nil {
		writeInvocationError(w, err)
		return
	}

	taskID, err := h.queue.EnqueueInvocation(r.Context(), queue.InvocationRunPayload{
		InvocationID: req.ID.String(),
		Request:      req,
	}, h.taskTimeout)
	if err != nil {
		slog.Error("failed to enqueue invocation", "invocation_id", req.ID, "error", err)
		if ferr := h.svc.Abandon(r.Context(), req.ID, fmt.Errorf("enqueue invocation: %w", err)); ferr != nil {
			slog.Error("failed to record invocation failure", "invocation_id", req.ID, "error", ferr)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":        "failed to enqueue invocation",
			"invocationId": req.ID.String(),
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"invocationId": req.ID.String(), "taskId": taskID})
}

func (h *InvocationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invocation ID")
		return
	}

	inv, err := h.svc.Get(r.Context(), id)
	if errors.Is(err, invocation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, inv)
}

func (h *InvocationHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := invocation.Filter{
		SpaceID:   q.Get("space"),
		PromptKey: q.Get("key"),
		Status:    models.InvocationStatus(q.Get("status")),
	}
	switch f.Status {
	case "", models.StatusInProgress, models.StatusCompleted, models.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(f.Status)))
		return
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	if f.Limit <= 0 {
		f.Limit = 50
	}

	invs, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"invocations": invs, "count": len(invs)})
}

// invocationStatus maps an error kind to the HTTP status returned to callers.
func invocationStatus(err error) int {
	switch invocation.KindOf(err) {
	case invocation.ErrNotFound:
		return http.StatusNotFound
	case invocation.ErrValidation, invocation.ErrUnsupportedProvider:
		return http.StatusBadRequest
	case invocation.ErrCompilation:
		return http.StatusUnprocessableEntity
	case invocation.ErrOutputValidation, invocation.ErrPatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeInvocationError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{"error": err.Error()}

	var ierr *invocation.Error
	if errors.As(err, &ierr) {
		if ierr.InvocationID != uuid.Nil {
			body["invocationId"] = ierr.InvocationID.String()
		}
		if len(ierr.Details) > 0 {
			body["details"] = ierr.Details
		}
	}

	writeJSON(w, invocationStatus(err), body)
}

package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/promptrunner/internal/invocation"
	"github.com/nikhilbhutani/promptrunner/internal/queue"
)

// Invoker runs an invocation whose row was created when the task was queued.
type Invoker interface {
	Resume(ctx context.Context, req invocation.Request) (*invocation.Result, error)
}

type InvocationWorker struct {
	svc Invoker
}

func NewInvocationWorker(svc Invoker) *InvocationWorker {
	return &InvocationWorker{svc: svc}
}

func (w *InvocationWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.InvocationRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}

	id, err := uuid.Parse(payload.InvocationID)
	if err != nil {
		return fmt.Errorf("parse invocation ID: %w: %w", err, asynq.SkipRetry)
	}

	req := payload.Request
	req.ID = id

	slog.Info("running invocation", "invocation_id", id, "prompt_key", req.PromptKey)

	res, err := w.svc.Resume(ctx, req)
	if err != nil {
		// The failure is on the invocation row, or the row was already finished.
		return fmt.Errorf("invocation %s: %w: %w", id, err, asynq.SkipRetry)
	}

	slog.Info("invocation finished", "invocation_id", id, "llm_calls", res.LLMCalls)
	return nil
}

package workers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/promptrunner/internal/invocation"
	"github.com/nikhilbhutani/promptrunner/internal/queue"
)

type recordingInvoker struct {
	got []invocation.Request
	err error
}

func (r *recordingInvoker) Resume(_ context.Context, req invocation.Request) (*invocation.Result, error) {
	r.got = append(r.got, req)
	if r.err != nil {
		return nil, r.err
	}
	return &invocation.Result{InvocationID: req.ID, LLMCalls: 1}, nil
}

func task(t *testing.T, payload any) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(queue.TypeInvocationRun, data)
}

func TestInvocationWorkerUsesPreallocatedID(t *testing.T) {
	inv := &recordingInvoker{}
	w := NewInvocationWorker(inv)
	id := uuid.New()

	err := w.ProcessTask(context.Background(), task(t, queue.InvocationRunPayload{
		InvocationID: id.String(),
		Request: invocation.Request{
			PromptKey:   "greet",
			LLMProvider: "openai",
			Model:       "gpt-4o-mini",
			InputJSON:   json.RawMessage(`{"name":"Ana"}`),
		},
	}))
	require.NoError(t, err)

	require.Len(t, inv.got, 1)
	assert.Equal(t, id, inv.got[0].ID)
	assert.Equal(t, "greet", inv.got[0].PromptKey)
	assert.JSONEq(t, `{"name":"Ana"}`, string(inv.got[0].InputJSON))
}

func TestInvocationWorkerNeverRetries(t *testing.T) {
	inv := &recordingInvoker{err: &invocation.Error{Op: "apply patch", Kind: invocation.ErrPatch}}
	w := NewInvocationWorker(inv)

	err := w.ProcessTask(context.Background(), task(t, queue.InvocationRunPayload{
		InvocationID: uuid.NewString(),
		Request:      invocation.Request{PromptKey: "greet"},
	}))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.ErrorIs(t, err, invocation.ErrPatch)

	err = w.ProcessTask(context.Background(), task(t, queue.InvocationRunPayload{InvocationID: "nope"}))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Len(t, inv.got, 1)
}

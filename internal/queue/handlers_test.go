package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
)

func TestRegistryRoutesByType(t *testing.T) {
	var ran []string
	r := NewHandlersRegistry()
	r.Register(TypeInvocationRun, asynq.HandlerFunc(func(_ context.Context, t *asynq.Task) error {
		ran = append(ran, t.Type())
		return nil
	}))
	r.Register("noop:fail", asynq.HandlerFunc(func(context.Context, *asynq.Task) error {
		return errors.New("boom")
	}))

	assert.Equal(t, []string{TypeInvocationRun, "noop:fail"}, r.Types())

	err := r.Mux().ProcessTask(context.Background(), asynq.NewTask(TypeInvocationRun, nil))
	assert.NoError(t, err)
	assert.Equal(t, []string{TypeInvocationRun}, ran)

	err = r.Mux().ProcessTask(context.Background(), asynq.NewTask("noop:fail", nil))
	assert.EqualError(t, err, "boom")

	err = r.Mux().ProcessTask(context.Background(), asynq.NewTask("unknown", nil))
	assert.Error(t, err)
}

package queue

import "github.com/nikhilbhutani/promptrunner/internal/invocation"

const (
	TypeInvocationRun = "invocation:run"
)

// InvocationRunPayload carries an invocation request whose id was allocated
// when the task was enqueued.
type InvocationRunPayload struct {
	InvocationID string             `json:"invocation_id"`
	Request      invocation.Request `json:"request"`
}

package invocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	FromUI       = "ui"
	FromLangflow = "langflow"
)

// Request is the body of an invocation call.
type Request struct {
	// ID is set when the caller pre-allocates the invocation id (async runs).
	ID uuid.UUID `json:"-"`

	SpaceID      string          `json:"spaceId,omitempty"`
	InputJSON    json.RawMessage `json:"inputJson,omitempty"`
	PromptKey    string          `json:"promptKey"`
	LLMProvider  string          `json:"llmProvider"`
	Model        string          `json:"model"`
	BodyToAppend string          `json:"bodyToAppend,omitempty"`
	RequestFrom  string          `json:"requestFrom,omitempty"`
}

// Normalize fills defaults and rejects a malformed request.
func (r *Request) Normalize(defaultSpace string) error {
	r.SpaceID = strings.TrimSpace(r.SpaceID)
	if r.SpaceID == "" {
		r.SpaceID = defaultSpace
	}
	if r.RequestFrom == "" {
		r.RequestFrom = FromUI
	}

	var missing []string
	if strings.TrimSpace(r.PromptKey) == "" {
		missing = append(missing, "promptKey")
	}
	if strings.TrimSpace(r.LLMProvider) == "" {
		missing = append(missing, "llmProvider")
	}
	if strings.TrimSpace(r.Model) == "" {
		missing = append(missing, "model")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	if r.RequestFrom != FromUI && r.RequestFrom != FromLangflow {
		return fmt.Errorf("requestFrom must be %q or %q, got %q", FromUI, FromLangflow, r.RequestFrom)
	}
	if len(r.InputJSON) > 0 && !json.Valid(r.InputJSON) {
		return errors.New("inputJson is not valid JSON")
	}
	return nil
}

// document is the request as it appears under "request" in the envelope.
func (r *Request) document() map[string]any {
	doc := map[string]any{
		"spaceId":     r.SpaceID,
		"promptKey":   r.PromptKey,
		"llmProvider": r.LLMProvider,
		"model":       r.Model,
		"requestFrom": r.RequestFrom,
	}
	if len(r.InputJSON) > 0 {
		var input any
		if err := json.Unmarshal(r.InputJSON, &input); err == nil {
			doc["inputJson"] = input
		}
	}
	if r.BodyToAppend != "" {
		doc["bodyToAppend"] = r.BodyToAppend
	}
	return doc
}

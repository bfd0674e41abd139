package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type PromptTemplate struct {
	ID                  uuid.UUID       `json:"id" db:"id"`
	SpaceID             string          `json:"space_id" db:"space_id"`
	Key                 string          `json:"key" db:"key"`
	Name                string          `json:"name" db:"name"`
	Description         string          `json:"description,omitempty" db:"description"`
	InputSchema         string          `json:"input_schema,omitempty" db:"input_schema"`
	OutputSchema        string          `json:"output_schema" db:"output_schema"`
	TransformationPatch json.RawMessage `json:"transformation_patch,omitempty" db:"transformation_patch"`
	ActiveVersionID     *uuid.UUID      `json:"active_version_id,omitempty" db:"active_version_id"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// HasPatch reports whether the template declares a non-empty transformation patch.
func (t *PromptTemplate) HasPatch() bool {
	if len(t.TransformationPatch) == 0 {
		return false
	}
	s := string(t.TransformationPatch)
	return s != "null" && s != "[]"
}

type PromptVersion struct {
	ID         uuid.UUID `json:"id" db:"id"`
	TemplateID uuid.UUID `json:"template_id" db:"template_id"`
	Version    int       `json:"version" db:"version"`
	Body       string    `json:"body" db:"body"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

type InvocationStatus string

const (
	StatusInProgress InvocationStatus = "InProgress"
	StatusCompleted  InvocationStatus = "Completed"
	StatusFailed     InvocationStatus = "Failed"
)

// Terminal reports whether no further transitions are allowed.
func (s InvocationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type PromptInvocation struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	SpaceID         string           `json:"space_id" db:"space_id"`
	PromptKey       string           `json:"prompt_key" db:"prompt_key"`
	TemplateID      *uuid.UUID       `json:"template_id,omitempty" db:"template_id"`
	VersionID       *uuid.UUID       `json:"version_id,omitempty" db:"version_id"`
	InputJSON       json.RawMessage  `json:"input_json,omitempty" db:"input_json"`
	Prompt          *string          `json:"prompt,omitempty" db:"prompt"`
	OutputJSON      json.RawMessage  `json:"output_json,omitempty" db:"output_json"`
	TransformedJSON json.RawMessage  `json:"transformed_json,omitempty" db:"transformed_json"`
	Status          InvocationStatus `json:"status" db:"status"`
	Error           *string          `json:"error,omitempty" db:"error"`
	LLMProvider     string           `json:"llm_provider" db:"llm_provider"`
	Model           string           `json:"model" db:"model"`
	BodyToAppend    *string          `json:"body_to_append,omitempty" db:"body_to_append"`
	RequestFrom     string           `json:"request_from" db:"request_from"`
	LLMCalls        int              `json:"llm_calls" db:"llm_calls"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// Package schema loads JSON Schema documents from disk, inlines every $ref and
// validates JSON values against the result.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrNotFound    = errors.New("schema not found")
	ErrCircularRef = errors.New("circular $ref")
)

// Loader resolves a schema by the file name declared on a template.
type Loader interface {
	Load(ctx context.Context, name string) (*Schema, error)
}

// Schema is a compiled, self-contained schema document.
type Schema struct {
	Name     string
	Document json.RawMessage

	compiled *jsonschema.Schema
}

// ErrorDetail is one leaf validation failure.
type ErrorDetail struct {
	Path    string `json:"path"`
	Keyword string `json:"keyword,omitempty"`
	Message string `json:"message"`
}

func (d ErrorDetail) String() string {
	path := d.Path
	if path == "" {
		path = "/"
	}
	return path + ": " + d.Message
}

type Result struct {
	Valid  bool          `json:"valid"`
	Errors []ErrorDetail `json:"errors,omitempty"`
}

// Summary joins the error details into one line for logs and error messages.
func (r Result) Summary() string {
	parts := make([]string, len(r.Errors))
	for i, d := range r.Errors {
		parts[i] = d.String()
	}
	return strings.Join(parts, "; ")
}

// Compile builds a Schema from an already dereferenced document.
func Compile(name string, document []byte) (*Schema, error) {
	url := "mem:///" + strings.TrimPrefix(name, "/")

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(document)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	return &Schema{
		Name:     name,
		Document: json.RawMessage(document),
		compiled: compiled,
	}, nil
}

// Validate checks a value decoded by encoding/json (maps, slices, float64...).
func (s *Schema) Validate(value any) Result {
	err := s.compiled.Validate(value)
	if err == nil {
		return Result{Valid: true}
	}

	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return Result{Errors: flatten(ve, nil)}
	}
	return Result{Errors: []ErrorDetail{{Message: err.Error()}}}
}

// ValidateJSON decodes raw JSON and validates it. Undecodable input is reported
// as a single error detail rather than a Go error.
func (s *Schema) ValidateJSON(data []byte) (any, Result) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, Result{Errors: []ErrorDetail{{Message: "invalid JSON: " + err.Error()}}}
	}
	return value, s.Validate(value)
}

func flatten(ve *jsonschema.ValidationError, out []ErrorDetail) []ErrorDetail {
	if len(ve.Causes) == 0 {
		return append(out, ErrorDetail{
			Path:    ve.InstanceLocation,
			Keyword: lastToken(ve.KeywordLocation),
			Message: ve.Message,
		})
	}
	for _, c := range ve.Causes {
		out = flatten(c, out)
	}
	return out
}

func lastToken(pointer string) string {
	if i := strings.LastIndexByte(pointer, '/'); i >= 0 {
		return pointer[i+1:]
	}
	return pointer
}

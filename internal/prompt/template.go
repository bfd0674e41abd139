package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mailgun/raymond/v2"
)

// ErrRender marks template syntax and execution failures.
var ErrRender = errors.New("render template")

// appendSeparator sits between the rendered template and caller-supplied text.
const appendSeparator = "\n\n"

// parsed is the outcome of parsing one template body.
type parsed struct {
	tpl *raymond.Template
	err error
}

// Templates parses each distinct body once and keeps the outcome, failures
// included. raymond's lexer goroutine is left blocked when parsing fails, so
// a broken body costs one goroutine for the life of the process, not one per
// render. Parsed templates are safe for concurrent Exec.
type Templates struct {
	mu     sync.Mutex
	bodies map[string]*parsed
}

func NewTemplates() *Templates {
	return &Templates{bodies: make(map[string]*parsed)}
}

var defaultTemplates = NewTemplates()

// Parse returns the cached template for body, parsing it on first use.
func (t *Templates) Parse(body string) (*raymond.Template, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.bodies[body]
	if !ok {
		p = &parsed{}
		p.tpl, p.err = raymond.Parse(body)
		if p.err != nil {
			p.err = fmt.Errorf("%w: parse: %v", ErrRender, p.err)
		}
		t.bodies[body] = p
	}
	return p.tpl, p.err
}

// Len reports how many distinct bodies have been parsed.
func (t *Templates) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bodies)
}

// Compile renders a Handlebars template body against input and appends
// appendedBody verbatim when it is non-empty. Variables missing from input
// render as empty strings. String values are inserted as given: the output
// is a model prompt, not HTML.
func (t *Templates) Compile(body string, input any, appendedBody string) (string, error) {
	tpl, err := t.Parse(body)
	if err != nil {
		return "", err
	}

	if input == nil {
		input = map[string]any{}
	}

	out, err := tpl.Exec(unescaped(input))
	if err != nil {
		return "", fmt.Errorf("%w: exec: %v", ErrRender, err)
	}

	if appendedBody != "" {
		out += appendSeparator + appendedBody
	}
	return out, nil
}

// Check parses body without executing it.
func (t *Templates) Check(body string) error {
	_, err := t.Parse(body)
	return err
}

// Compile renders body with the process-wide template cache.
func Compile(body string, input any, appendedBody string) (string, error) {
	return defaultTemplates.Compile(body, input, appendedBody)
}

// Check parses body with the process-wide template cache.
func Check(body string) error {
	return defaultTemplates.Check(body)
}

// unescaped copies a decoded JSON value, turning every string into a
// raymond.SafeString so {{x}} and {{{x}}} render the same text.
func unescaped(v any) any {
	switch v := v.(type) {
	case string:
		return raymond.SafeString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = unescaped(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = unescaped(e)
		}
		return out
	default:
		return v
	}
}

var variablePattern = regexp.MustCompile(`\{\{\{?\s*([A-Za-z_][\w.]*)\s*\}?\}\}`)

// ExtractVariables returns the plain variable paths referenced by the template,
// in order of first appearance. Block helpers and their arguments are skipped.
func ExtractVariables(body string) []string {
	matches := variablePattern.FindAllStringSubmatch(body, -1)
	seen := make(map[string]bool)
	var vars []string
	for _, m := range matches {
		name := m[1]
		if name == "else" || name == "this" || strings.HasPrefix(name, "this.") || seen[name] {
			continue
		}
		vars = append(vars, name)
		seen[name] = true
	}
	return vars
}

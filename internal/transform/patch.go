// Package transform applies RFC 6902 JSON Patch documents to result envelopes.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

var (
	ErrInvalidPatch = errors.New("invalid patch")
	ErrApply        = errors.New("patch does not apply")
)

var supportedOps = map[string]bool{
	"add": true, "remove": true, "replace": true,
	"move": true, "copy": true, "test": true,
}

// Patch is a decoded, validated operation list. It is immutable and safe to
// share between goroutines.
type Patch struct {
	ops jsonpatch.Patch
	raw json.RawMessage
}

// Parse decodes an operation array such as
// [{"op": "add", "path": "/response/extra", "value": "x"}].
func Parse(raw []byte) (*Patch, error) {
	ops, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	for i, op := range ops {
		kind := op.Kind()
		if !supportedOps[kind] {
			return nil, fmt.Errorf("%w: operation %d: unsupported op %q", ErrInvalidPatch, i, kind)
		}
		if _, err := op.Path(); err != nil {
			return nil, fmt.Errorf("%w: operation %d: %v", ErrInvalidPatch, i, err)
		}
	}
	return &Patch{ops: ops, raw: json.RawMessage(raw)}, nil
}

func (p *Patch) Len() int { return len(p.ops) }

func (p *Patch) MarshalJSON() ([]byte, error) { return p.raw, nil }

// ApplyJSON returns the patched copy of doc. doc itself is never modified, so
// a failing operation leaves nothing half-applied.
func (p *Patch) ApplyJSON(doc []byte) ([]byte, error) {
	out, err := p.ops.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrApply, err)
	}
	return out, nil
}

// Apply patches a value built from encoding/json types and returns the result
// decoded the same way.
func (p *Patch) Apply(doc any) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	out, err := p.ApplyJSON(data)
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("decode patched document: %w", err)
	}
	return result, nil
}

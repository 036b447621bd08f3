package models

import (
	"encoding/json"
	"fmt"
)

// Keys with a fixed meaning in the context document and in script bindings.
const (
	ContextKeyGlobal       = "GLOBAL"
	ContextKeyHTTPResponse = "HTTP_RESPONSE"
	ContextKeyEnumStore    = "ENUM_STORE"
	ContextKeyParams       = "_params"
	ContextKeyMeta         = "_meta"
)

const metaPerfTest = "perfTest"

var reservedContextKeys = map[string]struct{}{
	ContextKeyGlobal:       {},
	ContextKeyHTTPResponse: {},
	ContextKeyEnumStore:    {},
	ContextKeyParams:       {},
	ContextKeyMeta:         {},
}

func IsReservedContextKey(key string) bool {
	_, ok := reservedContextKeys[key]

	return ok
}

// Context is the per-instance JSON document accumulating node outputs.
type Context map[string]any

// MergeNodeOutput stores a node's raw output under its key.
func (c Context) MergeNodeOutput(key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrContextKeyCollision)
	}

	if IsReservedContextKey(key) {
		return fmt.Errorf("%w: %q is reserved", ErrContextKeyCollision, key)
	}

	c[key] = value

	return nil
}

// MergeParameters folds evaluated node parameters into the scratch slot.
func (c Context) MergeParameters(params map[string]any) {
	if len(params) == 0 {
		return
	}

	current, _ := c[ContextKeyParams].(map[string]any)

	merged := make(map[string]any, len(current)+len(params))
	for k, v := range current {
		merged[k] = v
	}

	for k, v := range params {
		merged[k] = v
	}

	c[ContextKeyParams] = merged
}

func (c Context) Params() map[string]any {
	params, _ := c[ContextKeyParams].(map[string]any)

	return params
}

// PerfTest reports whether the instance was started as a performance test.
func (c Context) PerfTest() bool {
	meta, ok := c[ContextKeyMeta].(map[string]any)
	if !ok {
		return false
	}

	flag, _ := meta[metaPerfTest].(bool)

	return flag
}

// SetMeta records instance metadata under the metadata key.
func (c Context) SetMeta(key string, value any) {
	meta, ok := c[ContextKeyMeta].(map[string]any)
	if !ok {
		meta = map[string]any{}
		c[ContextKeyMeta] = meta
	}

	meta[key] = value
}

func (c Context) SetPerfTest(enabled bool) {
	c.SetMeta(metaPerfTest, enabled)
}

// Clone returns an independent deep copy of the document.
func (c Context) Clone() (Context, error) {
	if c == nil {
		return Context{}, nil
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to copy context: %w", err)
	}

	out := Context{}

	err = json.Unmarshal(data, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to copy context: %w", err)
	}

	return out, nil
}

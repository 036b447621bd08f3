// Package models defines the node-graph data model: values, dynamic components,
// node definitions, workflow graphs, context documents and execution state.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ValueType tags the payload carried by a Value.
type ValueType string

const (
	ValueTypeString  ValueType = "STRING"
	ValueTypeMap     ValueType = "MAP"
	ValueTypeBoolean ValueType = "BOOLEAN"
	ValueTypeJSON    ValueType = "JSON"
)

var ErrInvalidValue = errors.New("invalid value")

// Value is a tagged union over STRING, MAP, BOOLEAN and JSON payloads.
// It serializes as {"type": "<TAG>", "value": <payload>}.
type Value struct {
	Type ValueType
	Raw  json.RawMessage
}

type valueEnvelope struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

func StringValue(s string) Value {
	raw, _ := json.Marshal(s)

	return Value{Type: ValueTypeString, Raw: raw}
}

func BoolValue(b bool) Value {
	raw, _ := json.Marshal(b)

	return Value{Type: ValueTypeBoolean, Raw: raw}
}

func MapValue(m map[string]any) (Value, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	return Value{Type: ValueTypeMap, Raw: raw}, nil
}

// JSONValue wraps an arbitrary JSON document.
func JSONValue(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	return Value{Type: ValueTypeJSON, Raw: raw}, nil
}

// Interface decodes the raw payload into plain Go values.
func (v Value) Interface() (any, error) {
	if len(v.Raw) == 0 {
		return nil, nil
	}

	var out any

	err := json.Unmarshal(v.Raw, &out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	return out, nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	raw := v.Raw
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}

	return json.Marshal(valueEnvelope{Type: v.Type, Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var env valueEnvelope

	err := json.Unmarshal(data, &env)
	if err != nil {
		return err
	}

	err = checkShape(env.Type, env.Value)
	if err != nil {
		return err
	}

	v.Type = env.Type
	v.Raw = env.Value

	return nil
}

func checkShape(t ValueType, raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch t {
	case ValueTypeString:
		if trimmed[0] != '"' {
			return fmt.Errorf("%w: STRING value must be a JSON string", ErrInvalidValue)
		}
	case ValueTypeMap:
		if trimmed[0] != '{' {
			return fmt.Errorf("%w: MAP value must be a JSON object", ErrInvalidValue)
		}
	case ValueTypeBoolean:
		if !bytes.Equal(trimmed, []byte("true")) && !bytes.Equal(trimmed, []byte("false")) {
			return fmt.Errorf("%w: BOOLEAN value must be true or false", ErrInvalidValue)
		}
	case ValueTypeJSON:
	default:
		return fmt.Errorf("%w: unknown value type %q", ErrInvalidValue, t)
	}

	return nil
}

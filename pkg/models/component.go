package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DetailKind tells whether a component field holds a literal or a script.
type DetailKind string

const (
	DetailStatic   DetailKind = "STATIC"
	DetailScripted DetailKind = "SCRIPTED"
)

// ComponentDetail is either a static value of type V or a script whose
// evaluation yields a V.
type ComponentDetail[V any] struct {
	Kind   DetailKind `json:"type"             validate:"required,oneof=STATIC SCRIPTED"`
	Value  V          `json:"value,omitempty"`
	Script string     `json:"script,omitempty"`
}

func Static[V any](v V) *ComponentDetail[V] {
	return &ComponentDetail[V]{Kind: DetailStatic, Value: v}
}

func Scripted[V any](script string) *ComponentDetail[V] {
	return &ComponentDetail[V]{Kind: DetailScripted, Script: script}
}

// FieldKind is the literal shape of a component field; it selects how a
// static value is rendered into generated script source.
type FieldKind string

const (
	FieldString  FieldKind = "STRING"
	FieldBoolean FieldKind = "BOOLEAN"
	FieldMap     FieldKind = "MAP"
	FieldList    FieldKind = "LIST"
	FieldAny     FieldKind = "ANY"
)

// Field is the flattened, ordered view of one dynamic component field.
type Field struct {
	Name     string    `json:"name"`
	Kind     FieldKind `json:"kind"`
	Scripted bool      `json:"scripted"`
	Script   string    `json:"script,omitempty"`
	Literal  any       `json:"literal,omitempty"`
}

// Component is a record of dynamic fields that can be synthesized into a
// single script and evaluated against a context.
type Component interface {
	ComponentType() string
	Fields() []Field
	Hash() string
}

const (
	ComponentHTTP        = "HTTP"
	ComponentBranch      = "BRANCH"
	ComponentTransformer = "TRANSFORMER"
	ComponentAttribute   = "ATTRIBUTE"
)

func detailField[V any](name string, kind FieldKind, d *ComponentDetail[V]) (Field, bool) {
	if d == nil || d.Kind == "" {
		return Field{}, false
	}

	if d.Kind == DetailScripted {
		return Field{Name: name, Kind: kind, Scripted: true, Script: d.Script}, true
	}

	return Field{Name: name, Kind: kind, Literal: d.Value}, true
}

func appendField[V any](fields []Field, name string, kind FieldKind, d *ComponentDetail[V]) []Field {
	if f, ok := detailField(name, kind, d); ok {
		fields = append(fields, f)
	}

	return fields
}

// HashFields digests the component type and its dynamic fields. encoding/json
// writes map keys in sorted order, which keeps the digest stable.
func HashFields(componentType string, fields []Field) string {
	payload, err := json.Marshal(struct {
		Type   string  `json:"type"`
		Fields []Field `json:"fields"`
	}{componentType, fields})
	if err != nil {
		payload = fmt.Appendf(nil, "%s:%v", componentType, fields)
	}

	sum := sha256.Sum256(payload)

	return hex.EncodeToString(sum[:])
}

// HTTPComponents describes an outbound call. URL, Headers, QueryParams and
// Body are dynamic; the rest is copied verbatim into HTTPDetails.
type HTTPComponents struct {
	URL            *ComponentDetail[string]            `json:"url,omitempty"            validate:"required"`
	Headers        *ComponentDetail[map[string]string] `json:"headers,omitempty"`
	QueryParams    *ComponentDetail[map[string]string] `json:"queryParams,omitempty"`
	Body           *ComponentDetail[any]               `json:"body,omitempty"`
	Method         string                              `json:"method,omitempty"`
	ContentType    string                              `json:"contentType,omitempty"`
	TargetClientID string                              `json:"targetClientId,omitempty"`
	TimeoutSeconds int                                 `json:"timeoutSeconds,omitempty"`
}

func (c *HTTPComponents) ComponentType() string { return ComponentHTTP }

func (c *HTTPComponents) Fields() []Field {
	fields := make([]Field, 0, 4)
	fields = appendField(fields, "url", FieldString, c.URL)
	fields = appendField(fields, "headers", FieldMap, c.Headers)
	fields = appendField(fields, "queryParams", FieldMap, c.QueryParams)
	fields = appendField(fields, "body", FieldAny, c.Body)

	return fields
}

func (c *HTTPComponents) Hash() string { return HashFields(c.ComponentType(), c.Fields()) }

// BranchComponents holds the boolean rule of one branch choice.
type BranchComponents struct {
	Rule *ComponentDetail[bool] `json:"rule,omitempty" validate:"required"`
}

func (c *BranchComponents) ComponentType() string { return ComponentBranch }

func (c *BranchComponents) Fields() []Field {
	return appendField(nil, "rule", FieldBoolean, c.Rule)
}

func (c *BranchComponents) Hash() string { return HashFields(c.ComponentType(), c.Fields()) }

// TransformerComponents produces an arbitrary output document.
type TransformerComponents struct {
	Output *ComponentDetail[any] `json:"output,omitempty" validate:"required"`
}

func (c *TransformerComponents) ComponentType() string { return ComponentTransformer }

func (c *TransformerComponents) Fields() []Field {
	return appendField(nil, "output", FieldAny, c.Output)
}

func (c *TransformerComponents) Hash() string { return HashFields(c.ComponentType(), c.Fields()) }

// AttributeComponents carries a single tagged Value; the Value's type picks
// the literal rendering when the attribute is static.
type AttributeComponents struct {
	Value *ComponentDetail[Value] `json:"value,omitempty" validate:"required"`
}

func (c *AttributeComponents) ComponentType() string { return ComponentAttribute }

func (c *AttributeComponents) Fields() []Field {
	if c.Value == nil || c.Value.Kind == "" {
		return nil
	}

	if c.Value.Kind == DetailScripted {
		return []Field{{Name: "value", Kind: FieldAny, Scripted: true, Script: c.Value.Script}}
	}

	literal, err := c.Value.Value.Interface()
	if err != nil {
		literal = nil
	}

	return []Field{{Name: "value", Kind: valueFieldKind(c.Value.Value.Type), Literal: literal}}
}

func (c *AttributeComponents) Hash() string { return HashFields(c.ComponentType(), c.Fields()) }

func valueFieldKind(t ValueType) FieldKind {
	switch t {
	case ValueTypeString:
		return FieldString
	case ValueTypeBoolean:
		return FieldBoolean
	case ValueTypeMap:
		return FieldMap
	default:
		return FieldAny
	}
}

// HTTPDetails is the resolved form of HTTPComponents.
type HTTPDetails struct {
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	QueryParams    map[string]string `json:"queryParams"`
	Body           any               `json:"body"`
	Method         string            `json:"method"`
	ContentType    string            `json:"contentType"`
	TargetClientID string            `json:"targetClientId"`
	Timeout        time.Duration     `json:"timeout"`
}

type BranchDetails struct {
	Rule bool `json:"rule"`
}

type TransformerDetails struct {
	Output any `json:"output"`
}

type AttributeDetails struct {
	Value any `json:"value"`
}

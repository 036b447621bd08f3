package script

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dukex/nodeflow/pkg/models"
)

// InfoKey holds the per-field STATIC/SCRIPTED map in a synthesized result.
const InfoKey = "__info"

var evaluateCall = regexp.MustCompile(`\bevaluate\(`)

// Synthesize generates one program that evaluates every dynamic field of the
// component and yields a map keyed by field name, plus InfoKey.
func Synthesize(component models.Component) (string, error) {
	fields := component.Fields()

	var b strings.Builder

	b.WriteString("{\n")
	b.WriteString(strconv.Quote(InfoKey))
	b.WriteString(": {")

	for i, field := range fields {
		if i > 0 {
			b.WriteString(", ")
		}

		kind := models.DetailStatic
		if field.Scripted {
			kind = models.DetailScripted
		}

		b.WriteString(strconv.Quote(field.Name))
		b.WriteString(": ")
		b.WriteString(strconv.Quote(string(kind)))
	}

	b.WriteString("}")

	for _, field := range fields {
		body, err := fieldBody(field)
		if err != nil {
			return "", &models.ScriptError{Stage: "synthesize", ComponentType: component.ComponentType(), Err: err}
		}

		b.WriteString(",\n")
		b.WriteString(strconv.Quote(field.Name))
		b.WriteString(": ")
		b.WriteString(body)
	}

	b.WriteString("\n}")

	return b.String(), nil
}

func fieldBody(field models.Field) (string, error) {
	if field.Scripted {
		// Newlines keep a trailing line comment in the script from swallowing
		// the closing parenthesis.
		return "(\n" + evaluateCall.ReplaceAllString(field.Script, "evaluateCached(") + "\n)", nil
	}

	if field.Literal == nil {
		return "nil", nil
	}

	switch field.Kind {
	case models.FieldString:
		s, ok := field.Literal.(string)
		if !ok {
			return "", fmt.Errorf("field %s: expected string literal, got %T", field.Name, field.Literal)
		}

		// Quote escapes invalid bytes as \x sequences, which read back as
		// different runes.
		if !utf8.ValidString(s) {
			return "", fmt.Errorf("field %s: string literal is not valid UTF-8", field.Name)
		}

		return strconv.Quote(s), nil
	case models.FieldBoolean:
		v, ok := field.Literal.(bool)
		if !ok {
			return "", fmt.Errorf("field %s: expected boolean literal, got %T", field.Name, field.Literal)
		}

		return strconv.FormatBool(v), nil
	default:
		data, err := json.Marshal(field.Literal)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", field.Name, err)
		}

		return "fromJSON(" + strconv.Quote(string(data)) + ")", nil
	}
}

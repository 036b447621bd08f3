package services

import (
	"fmt"
	"strings"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

func componentDetailSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"type"},
		"properties": map[string]any{
			"type":   map[string]any{"enum": []any{string(models.DetailStatic), string(models.DetailScripted)}},
			"script": map[string]any{"type": "string"},
		},
	}
}

func componentSchema(field string) map[string]any {
	return map[string]any{
		"type":       "object",
		"required":   []any{field},
		"properties": map[string]any{field: componentDetailSchema()},
	}
}

// typeSchemas holds the structural rules each node type adds on top of the
// shared metadata.
func typeSchemas() map[models.NodeType]map[string]any {
	return map[models.NodeType]map[string]any{
		models.NodeTypeHTTP: {
			"required": []any{"request"},
			"properties": map[string]any{
				"request": map[string]any{
					"type":     "object",
					"required": []any{"url"},
					"properties": map[string]any{
						"url":            componentDetailSchema(),
						"method":         map[string]any{"enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}},
						"timeoutSeconds": map[string]any{"type": "integer", "minimum": 0},
					},
				},
			},
		},
		models.NodeTypeTransform: {
			"required":   []any{"transformer"},
			"properties": map[string]any{"transformer": componentSchema("output")},
		},
		models.NodeTypeContextOverride: {
			"required":   []any{"transformer"},
			"properties": map[string]any{"transformer": componentSchema("output")},
		},
		models.NodeTypeBranch: {
			"required": []any{"choices"},
			"properties": map[string]any{
				"choices": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type":     "object",
						"required": []any{"name", "rule", "nextNode"},
						"properties": map[string]any{
							"rule":     componentSchema("rule"),
							"nextNode": map[string]any{"type": "string", "minLength": 1},
						},
					},
				},
			},
		},
		models.NodeTypeProcessor: {
			"required":   []any{"instructionNodeRef"},
			"properties": map[string]any{"instructionNodeRef": map[string]any{"type": "string", "minLength": 1}},
		},
		models.NodeTypeChildInvoke: {
			"required": []any{"childWorkflowId"},
			"properties": map[string]any{
				"childWorkflowId": map[string]any{"type": "string", "minLength": 1},
				"spawnMode":       map[string]any{"enum": []any{string(models.SpawnSync), string(models.SpawnAsync)}},
			},
		},
		models.NodeTypeWait: {
			"required": []any{"config"},
			"properties": map[string]any{
				"config": map[string]any{
					"type":     "object",
					"required": []any{"type"},
					"properties": map[string]any{
						"type": map[string]any{"enum": []any{
							string(models.WaitScheduler), string(models.WaitAbsolute), string(models.WaitOnEvent),
						}},
					},
				},
			},
		},
	}
}

func nodeSchema(nodeType models.NodeType) map[string]any {
	types := make([]any, 0, len(models.NodeTypes()))
	for _, t := range models.NodeTypes() {
		types = append(types, string(t))
	}

	required := []any{"id", "name", "type"}
	properties := map[string]any{
		"id":   map[string]any{"type": "string", "minLength": 1},
		"name": map[string]any{"type": "string", "minLength": 1},
		"type": map[string]any{"enum": types},
		"parameters": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"name"},
			},
		},
	}

	if extra, ok := typeSchemas()[nodeType]; ok {
		if r, ok := extra["required"].([]any); ok {
			required = append(required, r...)
		}

		if p, ok := extra["properties"].(map[string]any); ok {
			for k, v := range p {
				properties[k] = v
			}
		}
	}

	return map[string]any{
		"type":       "object",
		"required":   required,
		"properties": properties,
	}
}

// compileNodeSchemas builds one JSON schema per node type.
func compileNodeSchemas() (map[models.NodeType]*gojsonschema.Schema, error) {
	schemas := make(map[models.NodeType]*gojsonschema.Schema, len(models.NodeTypes()))

	for _, t := range models.NodeTypes() {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(nodeSchema(t)))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", t, err)
		}

		schemas[t] = schema
	}

	return schemas, nil
}

func validateSchema(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	if !result.Valid() {
		var errors []string
		for _, e := range result.Errors() {
			errors = append(errors, e.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(errors, "; "))
	}

	return nil
}

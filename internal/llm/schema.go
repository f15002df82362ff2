package llm

// ReplySchema returns a JSON Schema (draft 2020-12 subset) for the JSON reply
// the extraction prompt asks for. It is sent as a structured output constraint
// to endpoints that support one. column_id is limited to the schema's ids.
func ReplySchema(o PromptOptions) map[string]any {
	ids := make([]any, 0, len(o.Columns))
	for _, c := range o.Columns {
		ids = append(ids, c.ID)
	}

	props := map[string]any{
		"column_id":   map[string]any{"type": "string", "enum": ids},
		"column_name": map[string]any{"type": "string"},
		"value":       map[string]any{"type": []string{"string", "number", "boolean", "null"}},
		"image_index": map[string]any{"type": "integer", "minimum": 0},
	}
	required := []string{"column_id", "value", "image_index"}

	if o.BBox {
		props["bbox_2d"] = map[string]any{
			"type":     []string{"array", "null"},
			"items":    map[string]any{"type": "number"},
			"minItems": 4,
			"maxItems": 4,
		}
	}
	if o.Confidence {
		props["confidence"] = map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0}
	}
	if o.MultiRow {
		props["row_index"] = map[string]any{"type": "integer", "minimum": 0}
		required = append(required, "row_index")
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"extractions"},
		"properties": map[string]any{
			"extractions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties":           props,
					"required":             required,
				},
			},
		},
	}
}

// JSONSchemaFormat builds the response_format that carries schema.
func JSONSchemaFormat(name string, schema map[string]any) *ResponseFormat {
	return &ResponseFormat{
		Type:       "json_schema",
		JSONSchema: &JSONSchemaSpec{Name: name, Schema: schema},
	}
}

package provider

import (
	"encoding/json"
)

const defaultMaxTokens = 4096

// schemaMap decodes a tool input schema. Missing or malformed schemas become
// an empty object schema so the tool is still advertised.
func schemaMap(raw json.RawMessage) map[string]interface{} {
	var schema map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err == nil && schema != nil {
			return schema
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// requiredFields extracts the "required" list of an object schema.
func requiredFields(schema map[string]interface{}) []string {
	raw, ok := schema["required"].([]interface{})
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			fields = append(fields, s)
		}
	}
	return fields
}

// inputMap decodes tool_use input into a map, treating empty or invalid
// input as no arguments.
func inputMap(raw json.RawMessage) map[string]interface{} {
	args := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	return args
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}

func modelOrDefault(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}

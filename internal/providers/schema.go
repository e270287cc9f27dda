package providers

// CleanSchemaForProvider strips JSON Schema keywords a given provider's
// tool-calling API rejects from a tool's parameter schema, recursing into
// "properties", "items", and "definitions"/"$defs" so nested object and
// array schemas are cleaned too. Anthropic's input_schema does not accept
// the "$schema" meta keyword (MCP/JSON-Schema generators commonly emit
// one); schema is returned unmodified for any other provider name so the
// scrubbing stays an Anthropic-only concern until a second provider needs
// its own rule.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if provider != "anthropic" || schema == nil {
		return schema
	}
	return cleanSchema(schema)
}

func cleanSchema(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if k == "$schema" {
			continue
		}
		out[k] = cleanSchemaValue(v)
	}
	return out
}

func cleanSchemaValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cleanSchema(val)
	case []interface{}:
		cleaned := make([]interface{}, len(val))
		for i, e := range val {
			cleaned[i] = cleanSchemaValue(e)
		}
		return cleaned
	default:
		return v
	}
}

package engine

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

var validParameterTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// validateDefinition checks a tool definition for structural problems
func validateDefinition(def ToolDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("tool id cannot be empty")
	}
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if def.Category != "" && !IsValidCategory(string(def.Category)) {
		return fmt.Errorf("invalid category: %s", def.Category)
	}
	if def.RiskLevel < RiskSafe || def.RiskLevel > RiskCritical {
		return fmt.Errorf("invalid risk level: %d", def.RiskLevel)
	}
	if def.Retry != nil {
		if def.Retry.MaxRetries < 0 {
			return fmt.Errorf("retry max_retries cannot be negative")
		}
		if def.Retry.InitialDelay < 0 {
			return fmt.Errorf("retry initial_delay cannot be negative")
		}
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParameterTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateSchema generates a JSON Schema from tool parameters
func generateSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}

		if param.Default != nil {
			paramSchema["default"] = param.Default
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	schemaLoader := gojsonschema.NewGoLoader(schemaMap)
	schema, err := gojsonschema.NewSchema(schemaLoader)
	if err != nil {
		return nil, err
	}

	return schema, nil
}

// validateInput validates input against a compiled JSON Schema
func validateInput(schema *gojsonschema.Schema, input map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	inputLoader := gojsonschema.NewGoLoader(input)
	result, err := schema.Validate(inputLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := []string{}
		for _, verr := range result.Errors() {
			errs = append(errs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

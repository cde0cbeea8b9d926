// Package schema defines per-service configuration schemas, validation, and
// the compatibility hash used to detect schema drift between restarts.
package schema

import (
	"fmt"
	"regexp"
	"sort"
)

// ConfigSchema describes the configuration surface of one service.
type ConfigSchema struct {
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required"`
}

// PropertySchema describes a single configuration property
type PropertySchema struct {
	Type             string   `json:"type"` // "string", "int", "bool", "float"
	Description      string   `json:"description"`
	Default          any      `json:"default,omitempty"`
	Enum             []string `json:"enum,omitempty"`    // Valid string values
	Minimum          *int     `json:"minimum,omitempty"` // For numeric types
	Maximum          *int     `json:"maximum,omitempty"` // For numeric types
	Pattern          string   `json:"pattern,omitempty"` // Regexp for string values
	Category         string   `json:"category,omitempty"` // "simple" or "advanced"
	Secret           bool     `json:"secret,omitempty"`   // Value is sensitive; env-provided, never logged
	OverrideEligible bool     `json:"overrideEligible,omitempty"` // Environment value may pin this field
}

// ValidationError represents a validation error for a specific configuration field.
//
// Error codes are standardized:
//   - "required": Field is required but missing
//   - "min": Numeric value below minimum threshold
//   - "max": Numeric value above maximum threshold
//   - "enum": Value not in allowed enum values
//   - "type": Value doesn't match expected type
//   - "pattern": String doesn't match required pattern
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidateConfig validates a configuration map against a ConfigSchema.
// It checks required fields, type constraints, min/max bounds, enum values,
// and string patterns.
//
// Unknown fields are allowed to support schema evolution; only explicitly
// defined properties are validated against their constraints.
//
// Returns a slice of ValidationError containing all failures found. An empty
// slice indicates the configuration is valid.
func ValidateConfig(config map[string]any, schema ConfigSchema) []ValidationError {
	var errs []ValidationError

	for _, requiredField := range schema.Required {
		if _, exists := config[requiredField]; !exists {
			errs = append(errs, ValidationError{
				Field:   requiredField,
				Message: fmt.Sprintf("Field %q is required", requiredField),
				Code:    "required",
			})
		}
	}

	for fieldName, value := range config {
		propSchema, exists := schema.Properties[fieldName]
		if !exists {
			continue
		}

		if err := validateType(fieldName, value, propSchema); err != nil {
			errs = append(errs, *err)
			continue // Skip further validation if type is wrong
		}

		if len(propSchema.Enum) > 0 {
			if err := validateEnum(fieldName, value, propSchema.Enum); err != nil {
				errs = append(errs, *err)
			}
		}

		if propSchema.Pattern != "" {
			if err := validatePattern(fieldName, value, propSchema.Pattern); err != nil {
				errs = append(errs, *err)
			}
		}

		if propSchema.Type == "int" || propSchema.Type == "float" {
			if propSchema.Minimum != nil {
				if err := validateMin(fieldName, value, *propSchema.Minimum); err != nil {
					errs = append(errs, *err)
				}
			}
			if propSchema.Maximum != nil {
				if err := validateMax(fieldName, value, *propSchema.Maximum); err != nil {
					errs = append(errs, *err)
				}
			}
		}
	}

	return errs
}

func validateType(fieldName string, value any, propSchema PropertySchema) *ValidationError {
	switch propSchema.Type {
	case "string":
		if _, ok := value.(string); !ok {
			return &ValidationError{
				Field:   fieldName,
				Message: fmt.Sprintf("Field %q must be a string", fieldName),
				Code:    "type",
			}
		}
	case "int":
		// Accept both int and float64 (JSON numbers decode as float64)
		switch v := value.(type) {
		case int, int32, int64:
		case float64:
			if v != float64(int64(v)) {
				return &ValidationError{
					Field:   fieldName,
					Message: fmt.Sprintf("Field %q must be an integer", fieldName),
					Code:    "type",
				}
			}
		default:
			return &ValidationError{
				Field:   fieldName,
				Message: fmt.Sprintf("Field %q must be an integer", fieldName),
				Code:    "type",
			}
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			return &ValidationError{
				Field:   fieldName,
				Message: fmt.Sprintf("Field %q must be a boolean", fieldName),
				Code:    "type",
			}
		}
	case "float":
		switch value.(type) {
		case int, int32, int64, float32, float64:
		default:
			return &ValidationError{
				Field:   fieldName,
				Message: fmt.Sprintf("Field %q must be a number", fieldName),
				Code:    "type",
			}
		}
	}
	return nil
}

func validateEnum(fieldName string, value any, enumValues []string) *ValidationError {
	strValue, ok := value.(string)
	if !ok {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("Field %q must be a string for enum validation", fieldName),
			Code:    "type",
		}
	}

	for _, allowed := range enumValues {
		if strValue == allowed {
			return nil
		}
	}

	return &ValidationError{
		Field:   fieldName,
		Message: fmt.Sprintf("Field %q must be one of: %v", fieldName, enumValues),
		Code:    "enum",
	}
}

func validatePattern(fieldName string, value any, pattern string) *ValidationError {
	strValue, ok := value.(string)
	if !ok {
		// Type validation already reported for non-strings
		return nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("Field %q has an invalid pattern in its schema", fieldName),
			Code:    "pattern",
		}
	}

	if !re.MatchString(strValue) {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("Field %q must match pattern %s", fieldName, pattern),
			Code:    "pattern",
		}
	}
	return nil
}

func validateMin(fieldName string, value any, min int) *ValidationError {
	numValue, ok := asFloat(value)
	if !ok {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("Field %q must be numeric for min validation", fieldName),
			Code:    "type",
		}
	}

	if numValue < float64(min) {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("Field %q must be >= %d", fieldName, min),
			Code:    "min",
		}
	}
	return nil
}

func validateMax(fieldName string, value any, max int) *ValidationError {
	numValue, ok := asFloat(value)
	if !ok {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("Field %q must be numeric for max validation", fieldName),
			Code:    "type",
		}
	}

	if numValue > float64(max) {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("Field %q must be <= %d", fieldName, max),
			Code:    "max",
		}
	}
	return nil
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// Defaults returns the declared default value for every property that has one.
func (s ConfigSchema) Defaults() map[string]any {
	defaults := make(map[string]any)
	for name, prop := range s.Properties {
		if prop.Default != nil {
			defaults[name] = prop.Default
		}
	}
	return defaults
}

// IsRequired reports whether the named field is in the schema's required list.
func (s ConfigSchema) IsRequired(field string) bool {
	for _, r := range s.Required {
		if r == field {
			return true
		}
	}
	return false
}

// SortedPropertyNames returns property names ordered by category ("simple"
// first, then "advanced") and alphabetically within each category. Properties
// without an explicit category default to "advanced".
func SortedPropertyNames(schema ConfigSchema) []string {
	type propertyWithName struct {
		name     string
		category string
	}

	var props []propertyWithName
	for name, prop := range schema.Properties {
		category := prop.Category
		if category == "" {
			category = "advanced"
		}
		props = append(props, propertyWithName{name: name, category: category})
	}

	sort.Slice(props, func(i, j int) bool {
		if props[i].category != props[j].category {
			return props[i].category == "simple"
		}
		return props[i].name < props[j].name
	})

	names := make([]string, len(props))
	for i, prop := range props {
		names[i] = prop.name
	}
	return names
}

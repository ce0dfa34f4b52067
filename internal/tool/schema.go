package tool

import "fmt"

// ValidateArgs checks parsed arguments against a function parameter
// schema and returns the itemized violations, empty when valid. It
// covers what the built-in schemas use: required fields, primitive
// types, enums, and rejection of undeclared fields.
func ValidateArgs(schema map[string]interface{}, args map[string]interface{}) []string {
	var violations []string

	props, _ := schema["properties"].(map[string]interface{})

	if required, ok := schema["required"].([]string); ok {
		for _, field := range required {
			if _, present := args[field]; !present {
				violations = append(violations, fmt.Sprintf("missing required field %q", field))
			}
		}
	} else if required, ok := schema["required"].([]interface{}); ok {
		for _, f := range required {
			field, _ := f.(string)
			if _, present := args[field]; !present {
				violations = append(violations, fmt.Sprintf("missing required field %q", field))
			}
		}
	}

	for name, value := range args {
		propAny, declared := props[name]
		if !declared {
			violations = append(violations, fmt.Sprintf("unexpected field %q", name))
			continue
		}
		prop, _ := propAny.(map[string]interface{})
		if prop == nil {
			continue
		}
		if v := checkType(name, prop, value); v != "" {
			violations = append(violations, v)
			continue
		}
		if v := checkEnum(name, prop, value); v != "" {
			violations = append(violations, v)
		}
	}

	return violations
}

func checkType(name string, prop map[string]interface{}, value interface{}) string {
	wantType, _ := prop["type"].(string)
	switch wantType {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("field %q must be a string", name)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Sprintf("field %q must be a number", name)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return fmt.Sprintf("field %q must be an integer", name)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("field %q must be a boolean", name)
		}
	}
	return ""
}

func checkEnum(name string, prop map[string]interface{}, value interface{}) string {
	str, isStr := value.(string)
	if !isStr {
		return ""
	}
	switch enum := prop["enum"].(type) {
	case []string:
		if !containsString(enum, str) {
			return fmt.Sprintf("field %q must be one of %v", name, enum)
		}
	case []interface{}:
		for _, e := range enum {
			if es, _ := e.(string); es == str {
				return ""
			}
		}
		if len(enum) > 0 {
			return fmt.Sprintf("field %q must be one of %v", name, enum)
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

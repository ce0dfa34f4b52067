package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateArgsAcceptsValidInput(t *testing.T) {
	schema := NewRegistry().Get(ToolNameSearchProperties).Parameters
	args := map[string]interface{}{
		"area":          "Northcote",
		"max_price":     850000.0,
		"min_bedrooms":  3.0,
		"property_type": "house",
	}
	assert.Empty(t, ValidateArgs(schema, args))
}

func TestValidateArgsTypeChecks(t *testing.T) {
	schema := NewRegistry().Get(ToolNameSearchProperties).Parameters

	violations := ValidateArgs(schema, map[string]interface{}{
		"area":         123.0,
		"min_bedrooms": 2.5,
	})
	assert.Len(t, violations, 2)
}

func TestValidateArgsEnum(t *testing.T) {
	schema := NewRegistry().Get(ToolNameSearchProperties).Parameters

	violations := ValidateArgs(schema, map[string]interface{}{
		"area":          "Thornbury",
		"property_type": "castle",
	})
	assert.Len(t, violations, 1)
	assert.Contains(t, violations[0], "property_type")
}

func TestValidateArgsRejectsUndeclaredFields(t *testing.T) {
	schema := NewRegistry().Get(ToolNameQualifyLead).Parameters

	violations := ValidateArgs(schema, map[string]interface{}{
		"timeline": "immediate",
		"budget":   500000.0,
	})
	assert.Len(t, violations, 1)
	assert.Contains(t, violations[0], "budget")
}

// Package tool owns the function tools exposed to the model and the
// coordinator that turns streamed function-call events into validated,
// rate-limited executions.
package tool

import (
	"github.com/CoraHQ/cora-voice-bridge/pkg/logger"
	"go.uber.org/zap"
)

// Tool name constants
const (
	ToolNameSearchProperties = "search_properties"
	ToolNameBookShowing      = "book_showing"
	ToolNameQualifyLead      = "qualify_lead"
	ToolNameRequestCallback  = "request_callback"
	ToolNameTransferToHuman  = "transfer_to_human"
)

// ToolDefinition defines a tool with its metadata and schema.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // OpenAI function parameters schema
	// SideEffecting tools get an idempotency key so provider retries
	// cannot double-execute.
	SideEffecting bool
}

// Registry holds the tools offered to the model for a call.
type Registry struct {
	tools map[string]*ToolDefinition
	order []string
}

// NewRegistry returns a registry with the built-in tools registered.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*ToolDefinition)}
	r.registerBuiltInTools()
	return r
}

// Register adds a tool. Re-registering a name replaces it.
func (r *Registry) Register(tool *ToolDefinition) {
	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
	logger.Base().Info("Registered tool", zap.String("name", tool.Name))
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *ToolDefinition {
	return r.tools[name]
}

// Definitions returns the function tool definitions for the realtime
// session, in registration order.
func (r *Registry) Definitions() []interface{} {
	defs := make([]interface{}, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		defs = append(defs, map[string]interface{}{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		})
	}
	return defs
}

func (r *Registry) registerBuiltInTools() {
	r.Register(&ToolDefinition{
		Name:        ToolNameSearchProperties,
		Description: "Search the active property listings. Use when the caller describes what they are looking for: area, budget, bedrooms, or property type. Returns up to five matching listings with address, price, and key details.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"area": map[string]interface{}{
					"type":        "string",
					"description": "Neighborhood, suburb, or city the caller is interested in",
				},
				"max_price": map[string]interface{}{
					"type":        "number",
					"description": "Upper budget in dollars",
				},
				"min_bedrooms": map[string]interface{}{
					"type":        "integer",
					"description": "Minimum number of bedrooms",
				},
				"property_type": map[string]interface{}{
					"type":        "string",
					"description": "Kind of property the caller wants",
					"enum":        []string{"house", "apartment", "townhouse", "land"},
				},
			},
			"required": []string{"area"},
		},
	})

	r.Register(&ToolDefinition{
		Name:        ToolNameBookShowing,
		Description: "Book a property showing once the caller has picked a listing and a time. Confirm the listing and the exact time with the caller before calling this.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"listing_id": map[string]interface{}{
					"type":        "string",
					"description": "Listing identifier from a prior search_properties result",
				},
				"time": map[string]interface{}{
					"type":        "string",
					"description": "Requested showing time in ISO 8601 format",
				},
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Caller's full name",
				},
				"phone": map[string]interface{}{
					"type":        "string",
					"description": "Callback phone number with country code",
				},
			},
			"required": []string{"listing_id", "time", "name", "phone"},
		},
		SideEffecting: true,
	})

	r.Register(&ToolDefinition{
		Name:        ToolNameQualifyLead,
		Description: "Record the caller's buying position after it comes up naturally in conversation. Never interrogate the caller to fill these fields.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"timeline": map[string]interface{}{
					"type":        "string",
					"description": "How soon the caller wants to move",
					"enum":        []string{"immediate", "three_months", "six_months", "browsing"},
				},
				"financing": map[string]interface{}{
					"type":        "string",
					"description": "Financing status if mentioned",
					"enum":        []string{"pre_approved", "needs_financing", "cash", "unknown"},
				},
				"notes": map[string]interface{}{
					"type":        "string",
					"description": "Anything else relevant the caller shared",
				},
			},
			"required": []string{"timeline"},
		},
		SideEffecting: true,
	})

	r.Register(&ToolDefinition{
		Name:        ToolNameRequestCallback,
		Description: "Schedule a callback from an agent when the caller asks to be called back or a question needs a human answer later.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"phone": map[string]interface{}{
					"type":        "string",
					"description": "Number to call back, with country code",
				},
				"preferred_time": map[string]interface{}{
					"type":        "string",
					"description": "Preferred callback window in the caller's words",
				},
				"topic": map[string]interface{}{
					"type":        "string",
					"description": "What the callback is about",
				},
			},
			"required": []string{"phone", "topic"},
		},
		SideEffecting: true,
	})

	r.Register(&ToolDefinition{
		Name:        ToolNameTransferToHuman,
		Description: "Transfer the call to a human agent immediately. Use when the caller insists on a person, is upset, or asks something outside property search and showings.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"reason": map[string]interface{}{
					"type":        "string",
					"description": "One short sentence on why the transfer is needed",
				},
			},
			"required": []string{"reason"},
		},
	})
}

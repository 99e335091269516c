package tools

import "rssmcp/domain"

var emptySchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

var nameProperty = map[string]any{"type": "string", "minLength": 1, "description": "Feed name."}

var limitProperty = map[string]any{"type": "integer", "minimum": 1, "description": "Maximum number of entries returned."}

var nameSchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{"name": nameProperty},
	"required":   []string{"name"},
}

var addFeedSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name": nameProperty,
		"url":  map[string]any{"type": "string", "minLength": 1, "description": "http or https URL of an RSS or Atom document."},
		"refresh_interval_ms": map[string]any{
			"type":        "integer",
			"minimum":     1,
			"maximum":     domain.MaxRefreshInterval.Milliseconds(),
			"description": "Delay between refreshes in milliseconds.",
		},
		"max_items": map[string]any{"type": "integer", "minimum": 1, "description": "Items kept per refresh."},
	},
	"required": []string{"name", "url"},
}

var getItemsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name":  nameProperty,
		"limit": limitProperty,
	},
	"required": []string{"name"},
}

var searchSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"query": map[string]any{"type": "string", "minLength": 1},
		"limit": limitProperty,
	},
	"required": []string{"query"},
}

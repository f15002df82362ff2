package entity

import (
	"time"

	"github.com/jbndrf/Tabtin-sub001/constants"
)

// Column is one field of a tenant's extraction schema.
type Column struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// TenantSettings is the per-tenant model and extraction configuration.
type TenantSettings struct {
	TenantID          string  `json:"tenant_id"`
	Endpoint          string  `json:"endpoint,omitempty"`
	APIKey            string  `json:"api_key,omitempty"`
	Model             string  `json:"model,omitempty"`
	Temperature       float32 `json:"temperature,omitempty"`
	TimeoutSeconds    *int    `json:"timeout_seconds,omitempty"`
	MaxConcurrency    int     `json:"max_concurrency,omitempty"`
	RequestsPerMinute int     `json:"requests_per_minute,omitempty"`
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	EnableBBox        bool    `json:"enable_bbox"`
	EnableConfidence  bool    `json:"enable_confidence"`
	UseTOON           bool    `json:"use_toon"`
	// StructuredOutput sends a reply schema with JSON prompts.
	StructuredOutput bool                     `json:"structured_output,omitempty"`
	MultiRow         bool                     `json:"multi_row"`
	BBoxConvention   constants.BBoxConvention `json:"bbox_convention,omitempty"`
	Instructions     string                   `json:"instructions,omitempty"`
	Columns          []Column                 `json:"columns"`
}

// Timeout resolves the model call timeout: unset uses def, zero means no ceiling.
func (s TenantSettings) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds == nil {
		return def
	}
	return time.Duration(*s.TimeoutSeconds) * time.Second
}

// ColumnByID returns the schema column with the given id.
func (s TenantSettings) ColumnByID(id string) (Column, bool) {
	for _, c := range s.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// Package transform turns raw change records into search documents.
//
// Transformation is pure: the same record always yields the same
// document. Subject-aware text expansion is additive, so recall improves
// without losing exact-match precision on the original text.
package transform

import (
	"time"
)

// Sensitivity levels, ordered public < low < medium < high.
const (
	SensitivityPublic = "public"
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

// Suggest is a completion field; Weight ranks published or active records
// above drafts in type-ahead results.
type Suggest struct {
	Input  []string `json:"input"`
	Weight int      `json:"weight"`
}

// Document is the search-engine representation of an entity. Fields
// carries the entity-specific content; the named members are required on
// every indexed document.
type Document struct {
	ID               string                 `json:"id"`
	TenantID         string                 `json:"tenant_id"`
	EntityType       string                 `json:"entity_type"`
	UpdatedAt        time.Time              `json:"updated_at"`
	VisibleToRoles   []string               `json:"visible_to_roles"`
	DataSensitivity  string                 `json:"data_sensitivity"`
	RestrictedFields []string               `json:"restricted_fields"`
	SearchText       string                 `json:"search_text,omitempty"`
	Suggest          *Suggest               `json:"suggest,omitempty"`
	Fields           map[string]interface{} `json:"-"`
}

// Source flattens the document into the map indexed as the Elasticsearch
// _source. Entity fields sit alongside the required members; required
// members win on collision.
func (d *Document) Source() map[string]interface{} {
	src := make(map[string]interface{}, len(d.Fields)+8)
	for k, v := range d.Fields {
		src[k] = v
	}
	src["id"] = d.ID
	src["tenant_id"] = d.TenantID
	src["entity_type"] = d.EntityType
	src["updated_at"] = d.UpdatedAt.UTC().Format(time.RFC3339)
	src["visible_to_roles"] = d.VisibleToRoles
	src["data_sensitivity"] = d.DataSensitivity
	src["restricted_fields"] = d.RestrictedFields
	if d.SearchText != "" {
		src["search_text"] = d.SearchText
	}
	if d.Suggest != nil {
		src[d.EntityType+"_suggest"] = d.Suggest
	}
	return src
}

// SensitivityRank orders sensitivity labels for max() comparisons.
func SensitivityRank(s string) int {
	switch s {
	case SensitivityHigh:
		return 3
	case SensitivityMedium:
		return 2
	case SensitivityLow:
		return 1
	default:
		return 0
	}
}

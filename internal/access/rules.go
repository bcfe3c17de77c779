// Package access enforces field-level visibility on search documents
// before they are indexed.
//
// The filter is the write-time half of the platform's RBAC contract: it
// masks or strips restricted fields, redacts sensitive patterns, and
// computes the roles a document is visible to. The search engine enforces
// the read-time half by ANDing visible_to_roles into every query.
package access

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// MaskStrategy is what happens to a field the caller may not see.
type MaskStrategy string

const (
	// MaskRemove deletes the field from the document.
	MaskRemove MaskStrategy = "remove"
	// MaskRedact keeps the first two characters and pads with '*'.
	MaskRedact MaskStrategy = "redact"
	// MaskHash replaces the value with an 8-hex-char SHA-256 digest,
	// stable so equal values still collate in facets.
	MaskHash MaskStrategy = "hash"
)

// FieldRule restricts one field of one entity type.
type FieldRule struct {
	EntityType   string       `yaml:"entity_type"`
	FieldName    string       `yaml:"field_name"`
	AllowedRoles []string     `yaml:"allowed_roles"`
	Strategy     MaskStrategy `yaml:"mask_strategy"`
	Sensitivity  string       `yaml:"sensitivity"`
}

// Policy is the full rule set plus the per-entity audience: the widest
// set of roles an entity type may ever be visible to.
type Policy struct {
	Rules    []FieldRule         `yaml:"rules"`
	Audience map[string][]string `yaml:"audience"`
}

// DefaultPolicy is the compiled-in rule set. A YAML policy file, when
// configured, replaces it wholesale.
func DefaultPolicy() *Policy {
	return &Policy{
		Rules: []FieldRule{
			{EntityType: "learner", FieldName: "ssn",
				AllowedRoles: []string{"district_admin"}, Strategy: MaskRemove, Sensitivity: "high"},
			{EntityType: "learner", FieldName: "address",
				AllowedRoles: []string{"district_admin", "school_admin"}, Strategy: MaskRemove, Sensitivity: "medium"},
			{EntityType: "learner", FieldName: "email",
				AllowedRoles: []string{"teacher", "school_admin", "district_admin"}, Strategy: MaskRedact, Sensitivity: "medium"},
			{EntityType: "learner", FieldName: "guardian_name",
				AllowedRoles: []string{"teacher", "school_admin", "district_admin"}, Strategy: MaskRedact, Sensitivity: "medium"},
			{EntityType: "learner", FieldName: "iep_status",
				AllowedRoles: []string{"teacher", "school_admin", "district_admin"}, Strategy: MaskRemove, Sensitivity: "high"},
			{EntityType: "user", FieldName: "email",
				AllowedRoles: []string{"school_admin", "district_admin"}, Strategy: MaskRedact, Sensitivity: "medium"},
			{EntityType: "user", FieldName: "phone",
				AllowedRoles: []string{"school_admin", "district_admin"}, Strategy: MaskHash, Sensitivity: "medium"},
		},
		Audience: map[string][]string{
			"learner":    {"teacher", "school_admin", "district_admin"},
			"lesson":     {"student", "teacher", "school_admin", "district_admin"},
			"assessment": {"teacher", "school_admin", "district_admin"},
			"user":       {"school_admin", "district_admin"},
		},
	}
}

// LoadPolicy reads a YAML policy file. Missing audience entries fall back
// to the defaults so a partial override cannot open an entity to everyone.
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy: %w", err)
	}
	defer f.Close()

	var p Policy
	if err := yaml.NewDecoder(f).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	def := DefaultPolicy()
	if p.Audience == nil {
		p.Audience = def.Audience
	} else {
		for entity, roles := range def.Audience {
			if _, ok := p.Audience[entity]; !ok {
				p.Audience[entity] = roles
			}
		}
	}
	return &p, nil
}

// rulesFor returns the rules that apply to one entity type.
func (p *Policy) rulesFor(entityType string) []FieldRule {
	var out []FieldRule
	for _, r := range p.Rules {
		if r.EntityType == entityType {
			out = append(out, r)
		}
	}
	return out
}

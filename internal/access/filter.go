package access

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/lumilearn/backend/internal/transform"
)

// Filter applies the policy to documents bound for the index.
type Filter struct {
	policy *Policy
}

// NewFilter builds a filter over the given policy (nil means defaults).
func NewFilter(policy *Policy) *Filter {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Filter{policy: policy}
}

// Apply masks the document for the given caller roles and decides its
// audience. The steps run in a fixed order: field rules, then the
// sensitive-pattern scan, then sensitivity classification, then audience
// intersection. A nil return means the document must not be indexed.
//
// Sensitivity is computed from the fields present in the RAW document:
// a learner row that carried an SSN is high-sensitivity even after the
// field is removed.
func (f *Filter) Apply(doc *transform.Document, callerRoles []string) *transform.Document {
	if doc == nil {
		return nil
	}

	rules := f.policy.rulesFor(doc.EntityType)

	// Classify before masking so removed fields still count.
	sensitivity := transform.SensitivityPublic
	for _, rule := range rules {
		if _, present := doc.Fields[rule.FieldName]; !present {
			continue
		}
		if transform.SensitivityRank(rule.Sensitivity) > transform.SensitivityRank(sensitivity) {
			sensitivity = rule.Sensitivity
		}
	}
	doc.DataSensitivity = sensitivity

	// Field rules.
	for _, rule := range rules {
		value, present := doc.Fields[rule.FieldName]
		if !present {
			continue
		}
		if intersects(callerRoles, rule.AllowedRoles) {
			continue
		}
		switch rule.Strategy {
		case MaskRemove:
			delete(doc.Fields, rule.FieldName)
		case MaskRedact:
			if s, ok := value.(string); ok {
				doc.Fields[rule.FieldName] = redact(s)
			} else {
				delete(doc.Fields, rule.FieldName)
			}
		case MaskHash:
			if s, ok := value.(string); ok {
				doc.Fields[rule.FieldName] = shortHash(s)
			} else {
				delete(doc.Fields, rule.FieldName)
			}
		}
		doc.RestrictedFields = append(doc.RestrictedFields, rule.FieldName)
	}

	// Sensitive-pattern scan over every string field and the search text.
	for name, value := range doc.Fields {
		if s, ok := value.(string); ok {
			doc.Fields[name] = scrubField(name, s)
		}
	}
	doc.SearchText = scrubText(doc.SearchText)

	// Audience: the intersection of the caller's intent and the policy's
	// widest audience for this entity. Empty means not indexable.
	doc.VisibleToRoles = intersection(callerRoles, f.policy.Audience[doc.EntityType])
	if len(doc.VisibleToRoles) == 0 {
		return nil
	}
	return doc
}

// scrubField applies the pattern scan to one field. The email pattern is
// skipped on the dedicated email field: an address that passed the field
// rules is there deliberately.
func scrubField(fieldName, s string) string {
	if fieldName == "email" {
		for _, re := range sensitivePatterns[:len(sensitivePatterns)-1] {
			s = re.ReplaceAllString(s, Redacted)
		}
		return s
	}
	return scrubText(s)
}

// redact keeps the first two characters and pads to the original length.
func redact(s string) string {
	if len(s) <= 2 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-2)
}

// shortHash is the first 8 hex chars of SHA-256, stable per value.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func intersection(a, b []string) []string {
	out := []string{}
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}

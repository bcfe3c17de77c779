package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	nonWordRe    = regexp.MustCompile(`[^\p{L}\p{N}\s-]`)
)

// NormalizeName collapses whitespace and strips everything that is not a
// word character or hyphen. Display casing is preserved.
func NormalizeName(s string) string {
	s = nonWordRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Transform builds the search document for one change record. The
// aggregate type selects the entity builder; unknown types return an
// error so the caller can dead-letter the record with a reason.
// recordedAt stands in for a missing or unparseable updated_at, keeping
// the document identical when the same record is replayed.
func Transform(aggregateType, aggregateID string, eventData json.RawMessage, recordedAt time.Time) (*Document, error) {
	raw := map[string]interface{}{}
	if len(eventData) > 0 {
		if err := json.Unmarshal(eventData, &raw); err != nil {
			return nil, fmt.Errorf("decode %s %s payload: %w", aggregateType, aggregateID, err)
		}
	}

	doc := &Document{
		ID:               aggregateID,
		EntityType:       aggregateType,
		TenantID:         strField(raw, "tenant_id"),
		UpdatedAt:        timeField(raw, "updated_at", recordedAt),
		DataSensitivity:  SensitivityPublic,
		RestrictedFields: []string{},
		Fields:           map[string]interface{}{},
	}

	switch aggregateType {
	case "learner":
		buildLearner(doc, raw)
	case "lesson":
		buildLesson(doc, raw)
	case "assessment":
		buildAssessment(doc, raw)
	case "user":
		buildUser(doc, raw)
	default:
		return nil, fmt.Errorf("no transformer for aggregate type %q", aggregateType)
	}

	return doc, nil
}

func buildLearner(doc *Document, raw map[string]interface{}) {
	name := NormalizeName(strField(raw, "name"))
	doc.Fields["name"] = name
	doc.Fields["grade_level"] = strField(raw, "grade_level")
	if email := strField(raw, "email"); email != "" {
		doc.Fields["email"] = NormalizeEmail(email)
	}
	copyIfPresent(doc.Fields, raw, "address", "ssn", "iep_status", "current_level", "guardian_name")

	doc.SearchText = joinText(name, strField(raw, "grade_level"))
	doc.Suggest = &Suggest{Input: suggestInputs(name), Weight: activeWeight(raw)}
}

func buildLesson(doc *Document, raw map[string]interface{}) {
	title := NormalizeName(strField(raw, "title"))
	subject := strings.ToLower(strField(raw, "subject"))
	description := strField(raw, "description")
	content := strField(raw, "content")
	topics := strSliceField(raw, "topics")
	standards := strSliceField(raw, "standards")

	doc.Fields["title"] = title
	doc.Fields["subject"] = subject
	doc.Fields["description"] = description
	doc.Fields["grade_level"] = strField(raw, "grade_level")
	doc.Fields["status"] = strField(raw, "status")
	if len(topics) > 0 {
		doc.Fields["topics"] = topics
	}
	if len(standards) > 0 {
		doc.Fields["standards"] = standards
	}

	text := joinText(title, description, content, strings.Join(topics, " "), strings.Join(standards, " "))
	doc.SearchText = ExpandForSubject(subject, text)
	doc.Suggest = &Suggest{Input: suggestInputs(title), Weight: publishedWeight(raw)}
}

func buildAssessment(doc *Document, raw map[string]interface{}) {
	title := NormalizeName(strField(raw, "title"))
	subject := strings.ToLower(strField(raw, "subject"))
	description := strField(raw, "description")

	doc.Fields["title"] = title
	doc.Fields["subject"] = subject
	doc.Fields["description"] = description
	doc.Fields["grade_level"] = strField(raw, "grade_level")
	doc.Fields["status"] = strField(raw, "status")
	copyIfPresent(doc.Fields, raw, "max_score", "passing_score")

	text := joinText(title, description, strField(raw, "instructions"))
	doc.SearchText = ExpandForSubject(subject, text)
	doc.Suggest = &Suggest{Input: suggestInputs(title), Weight: publishedWeight(raw)}
}

func buildUser(doc *Document, raw map[string]interface{}) {
	name := NormalizeName(strField(raw, "name"))
	doc.Fields["name"] = name
	if email := strField(raw, "email"); email != "" {
		doc.Fields["email"] = NormalizeEmail(email)
	}
	doc.Fields["role"] = strField(raw, "role")
	copyIfPresent(doc.Fields, raw, "phone", "school")

	doc.SearchText = joinText(name, strField(raw, "role"))
	doc.Suggest = &Suggest{Input: suggestInputs(name), Weight: activeWeight(raw)}
}

// joinText normalizes and concatenates the full-text fields.
func joinText(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(whitespaceRe.ReplaceAllString(p, " "))
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// suggestInputs yields completion inputs: the whole phrase plus each word
// so type-ahead matches mid-phrase starts.
func suggestInputs(phrase string) []string {
	if phrase == "" {
		return nil
	}
	inputs := []string{phrase}
	for _, w := range strings.Fields(phrase) {
		if len(w) > 2 && w != phrase {
			inputs = append(inputs, w)
		}
	}
	return inputs
}

// publishedWeight ranks published records above drafts in suggestions.
func publishedWeight(raw map[string]interface{}) int {
	if strField(raw, "status") == "published" {
		return 10
	}
	return 1
}

// activeWeight ranks active records above inactive in suggestions.
func activeWeight(raw map[string]interface{}) int {
	switch strField(raw, "status") {
	case "active", "":
		return 10
	}
	return 1
}

func strField(raw map[string]interface{}, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}

func strSliceField(raw map[string]interface{}, key string) []string {
	v, ok := raw[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v))
	for _, item := range v {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func timeField(raw map[string]interface{}, key string, fallback time.Time) time.Time {
	if s, ok := raw[key].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	return fallback.UTC()
}

func copyIfPresent(dst map[string]interface{}, src map[string]interface{}, keys ...string) {
	for _, k := range keys {
		if v, ok := src[k]; ok {
			dst[k] = v
		}
	}
}

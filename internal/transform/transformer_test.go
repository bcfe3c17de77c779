package transform

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordedAt = time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC)

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "Jamie Rivera-Ortiz", NormalizeName("  Jamie   Rivera-Ortiz!  "))
	assert.Equal(t, "Grade 4 Fractions", NormalizeName("Grade 4: Fractions?"))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "jamie@school.example", NormalizeEmail("  Jamie@School.Example "))
}

func TestTransform_Learner(t *testing.T) {
	payload := []byte(`{
		"tenant_id": "tenant-1",
		"name": "Jamie Rivera",
		"grade_level": "4",
		"email": "Jamie@School.Example",
		"ssn": "123-45-6789",
		"status": "active",
		"updated_at": "2026-03-10T10:00:00Z"
	}`)

	doc, err := Transform("learner", "learner-1", payload, recordedAt)
	require.NoError(t, err)

	assert.Equal(t, "learner-1", doc.ID)
	assert.Equal(t, "tenant-1", doc.TenantID)
	assert.Equal(t, "learner", doc.EntityType)
	assert.Equal(t, "Jamie Rivera", doc.Fields["name"])
	assert.Equal(t, "jamie@school.example", doc.Fields["email"])
	assert.Equal(t, "123-45-6789", doc.Fields["ssn"], "masking is the access filter's job, not the transformer's")
	assert.Equal(t, "Jamie Rivera 4", doc.SearchText)

	require.NotNil(t, doc.Suggest)
	assert.Contains(t, doc.Suggest.Input, "Jamie Rivera")
	assert.Contains(t, doc.Suggest.Input, "Jamie")
	assert.Equal(t, 10, doc.Suggest.Weight)
}

func TestTransform_LessonMathExpansion(t *testing.T) {
	payload := []byte(`{
		"title": "Adding Fractions",
		"subject": "Mathematics",
		"description": "Practice 1/2 + 1/4 = 3/4",
		"status": "published",
		"topics": ["fractions", "addition"]
	}`)

	doc, err := Transform("lesson", "lesson-1", payload, recordedAt)
	require.NoError(t, err)

	assert.Equal(t, "mathematics", doc.Fields["subject"])
	assert.Contains(t, doc.SearchText, "Practice 1/2 + 1/4 = 3/4", "original text preserved")
	assert.Contains(t, doc.SearchText, "plus")
	assert.Contains(t, doc.SearchText, "equals")
	assert.Contains(t, doc.SearchText, "one half")
	assert.Contains(t, doc.SearchText, "one quarter")
	assert.Contains(t, doc.SearchText, "three quarters")
	assert.Equal(t, 10, doc.Suggest.Weight, "published lessons outrank drafts")
}

func TestTransform_DraftWeight(t *testing.T) {
	doc, err := Transform("lesson", "lesson-2", []byte(`{"title":"Draft Lesson","subject":"science","status":"draft"}`), recordedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Suggest.Weight)
}

func TestTransform_UnknownAggregateType(t *testing.T) {
	_, err := Transform("invoice", "x", []byte(`{}`), recordedAt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoice")
}

func TestTransform_MalformedPayload(t *testing.T) {
	_, err := Transform("learner", "learner-1", json.RawMessage(`{not json`), recordedAt)
	require.Error(t, err)
}

func TestTransform_UpdatedAtFallsBackToRecordTime(t *testing.T) {
	payload := []byte(`{"title":"No Timestamp","subject":"science","status":"published"}`)

	first, err := Transform("lesson", "lesson-3", payload, recordedAt)
	require.NoError(t, err)
	second, err := Transform("lesson", "lesson-3", payload, recordedAt)
	require.NoError(t, err)

	assert.Equal(t, recordedAt, first.UpdatedAt)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt, "replaying the same record yields the same document")

	garbled, err := Transform("lesson", "lesson-4", []byte(`{"title":"Bad Clock","subject":"science","updated_at":"yesterday-ish"}`), recordedAt)
	require.NoError(t, err)
	assert.Equal(t, recordedAt, garbled.UpdatedAt)
}

func TestExpandForSubject_Math(t *testing.T) {
	out := ExpandForSubject(SubjectMath, "Solve 2/5 of the problems, 80% correct")
	assert.Contains(t, out, "percent")
	assert.Contains(t, out, "2 over 5", "unlisted fractions fall back to the n-over-m form")
}

func TestExpandForSubject_ELA(t *testing.T) {
	out := ExpandForSubject(SubjectELA, "Identifying Metaphor and Simile in poetry")
	assert.Contains(t, out, "figurative language comparison")
	assert.Contains(t, out, "like as")

	alias := ExpandForSubject("ela", "spotting irony")
	assert.Contains(t, alias, "opposite expected meaning")
}

func TestExpandForSubject_Science(t *testing.T) {
	out := ExpandForSubject(SubjectScience, "The speed of light is 3.0e8 m/s")
	assert.Contains(t, out, "3.0 times ten to the power of 8")

	caret := ExpandForSubject(SubjectScience, "Avogadro 6.02 x 10^23")
	assert.Contains(t, caret, "6.02 times ten to the power of 23")
}

func TestExpandForSubject_SocialStudies(t *testing.T) {
	out := ExpandForSubject(SubjectSocialStudies, "The Civil War 1861-1865 unit")
	assert.Contains(t, out, "1861 to 1865")
}

func TestExpandForSubject_UnknownSubjectPassesThrough(t *testing.T) {
	assert.Equal(t, "1/2 + 1/2", ExpandForSubject("music", "1/2 + 1/2"))
	assert.Equal(t, "", ExpandForSubject(SubjectMath, ""))
}

func TestDocumentSource_RequiredMembersWin(t *testing.T) {
	doc, err := Transform("lesson", "lesson-1", []byte(`{"title":"Fractions","subject":"mathematics","status":"published"}`), recordedAt)
	require.NoError(t, err)
	doc.VisibleToRoles = []string{"teacher"}
	doc.Fields["id"] = "spoofed"

	src := doc.Source()
	assert.Equal(t, "lesson-1", src["id"])
	assert.Equal(t, []string{"teacher"}, src["visible_to_roles"])

	_, hasSuggest := src["lesson_suggest"]
	assert.True(t, hasSuggest, "completion field is named per entity type")
}

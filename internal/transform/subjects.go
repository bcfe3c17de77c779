package transform

import (
	"fmt"
	"regexp"
	"strings"
)

// Subject identifiers as stored on lessons and assessments.
const (
	SubjectMath          = "mathematics"
	SubjectELA           = "english/ela"
	SubjectScience       = "science"
	SubjectSocialStudies = "social_studies"
)

// ExpandForSubject appends subject-specific expansions to text. The
// original text is always preserved; expansions only add searchable
// phrasings (operators as words, spelled-out fractions, and so on).
func ExpandForSubject(subject, text string) string {
	if text == "" {
		return text
	}
	switch subject {
	case SubjectMath:
		return expandMath(text)
	case SubjectELA, "english", "ela":
		return expandELA(text)
	case SubjectScience:
		return expandScience(text)
	case SubjectSocialStudies:
		return expandSocialStudies(text)
	}
	return text
}

var mathOperators = []struct {
	re    *regexp.Regexp
	words string
}{
	{regexp.MustCompile(`\+`), "plus"},
	{regexp.MustCompile(`×`), "times"},
	{regexp.MustCompile(`÷`), "divided by"},
	{regexp.MustCompile(`=`), "equals"},
	{regexp.MustCompile(`<`), "less than"},
	{regexp.MustCompile(`>`), "greater than"},
	{regexp.MustCompile(`%`), "percent"},
}

var fractionWords = map[string]string{
	"1/2": "one half",
	"1/3": "one third",
	"2/3": "two thirds",
	"1/4": "one quarter",
	"3/4": "three quarters",
	"1/5": "one fifth",
	"1/8": "one eighth",
}

var fractionRe = regexp.MustCompile(`\b(\d+)/(\d+)\b`)

// expandMath appends word forms of operators and fractions.
func expandMath(text string) string {
	var extra []string
	for _, op := range mathOperators {
		if op.re.MatchString(text) {
			extra = append(extra, op.words)
		}
	}
	for _, m := range fractionRe.FindAllString(text, -1) {
		if words, ok := fractionWords[m]; ok {
			extra = append(extra, words)
		} else {
			parts := fractionRe.FindStringSubmatch(m)
			extra = append(extra, parts[1]+" over "+parts[2])
		}
	}
	return appendExpansion(text, extra)
}

// literaryDevices maps device keywords to related search phrasings.
var literaryDevices = map[string]string{
	"metaphor":        "figurative language comparison",
	"simile":          "figurative language comparison like as",
	"alliteration":    "repeated consonant sounds",
	"personification": "human qualities figurative language",
	"hyperbole":       "exaggeration figurative language",
	"onomatopoeia":    "sound words",
	"foreshadowing":   "hints future events",
	"irony":           "opposite expected meaning",
	"imagery":         "descriptive sensory language",
	"symbolism":       "deeper meaning representation",
}

// expandELA appends related phrasings for literary-device keywords.
func expandELA(text string) string {
	lower := strings.ToLower(text)
	var extra []string
	for device, expansion := range literaryDevices {
		if strings.Contains(lower, device) {
			extra = append(extra, expansion)
		}
	}
	return appendExpansion(text, extra)
}

var sciNotationRe = regexp.MustCompile(`\b(\d+(?:\.\d+)?)[eE]([+-]?\d+)\b|\b(\d+(?:\.\d+)?)\s*[x×]\s*10\^([+-]?\d+)\b`)

// expandScience appends spoken forms of scientific notation.
func expandScience(text string) string {
	var extra []string
	for _, m := range sciNotationRe.FindAllStringSubmatch(text, -1) {
		mantissa, exponent := m[1], m[2]
		if mantissa == "" {
			mantissa, exponent = m[3], m[4]
		}
		extra = append(extra, fmt.Sprintf("%s times ten to the power of %s",
			mantissa, strings.TrimPrefix(exponent, "+")))
	}
	return appendExpansion(text, extra)
}

var dateRangeRe = regexp.MustCompile(`\b(1\d{3}|20\d{2})\s*[-–]\s*(1\d{3}|20\d{2})\b`)

// expandSocialStudies appends spoken forms of date ranges.
func expandSocialStudies(text string) string {
	var extra []string
	for _, m := range dateRangeRe.FindAllStringSubmatch(text, -1) {
		extra = append(extra, m[1]+" to "+m[2])
	}
	return appendExpansion(text, extra)
}

func appendExpansion(text string, extra []string) string {
	if len(extra) == 0 {
		return text
	}
	return text + " " + strings.Join(extra, " ")
}

package search

// IndexFor maps an aggregate type to its index name.
func IndexFor(aggregateType string) string {
	switch aggregateType {
	case "learner":
		return "learners"
	case "lesson":
		return "lessons"
	case "assessment":
		return "assessments"
	default:
		// New aggregate types land in a shared index until they earn
		// their own mapping.
		return "entities"
	}
}

// analysisSettings is shared by every managed index: the standard
// analyzer for exact-ish matching, a subject analyzer with english
// stemming for expanded lesson text, and an edge-ngram analyzer feeding
// the completion fields.
const analysisSettings = `
	"settings": {
		"number_of_shards": 1,
		"number_of_replicas": 1,
		"analysis": {
			"filter": {
				"edge_ngram_filter": {
					"type": "edge_ngram",
					"min_gram": 2,
					"max_gram": 20
				}
			},
			"analyzer": {
				"standard_analyzer": {
					"type": "custom",
					"tokenizer": "standard",
					"filter": ["lowercase"]
				},
				"subject_analyzer": {
					"type": "custom",
					"tokenizer": "standard",
					"filter": ["lowercase", "stop", "porter_stem"]
				},
				"edge_ngram_analyzer": {
					"type": "custom",
					"tokenizer": "standard",
					"filter": ["lowercase", "edge_ngram_filter"]
				}
			}
		}
	}`

// commonProperties are the required members of every document.
const commonProperties = `
				"id":               {"type": "keyword"},
				"tenant_id":        {"type": "keyword"},
				"entity_type":      {"type": "keyword"},
				"updated_at":       {"type": "date"},
				"visible_to_roles": {"type": "keyword"},
				"data_sensitivity": {"type": "keyword"},
				"restricted_fields": {"type": "keyword"},
				"search_text": {
					"type": "text",
					"analyzer": "standard_analyzer",
					"fields": {
						"subject": {"type": "text", "analyzer": "subject_analyzer"},
						"ngram":   {"type": "text", "analyzer": "edge_ngram_analyzer"}
					}
				}`

var indexDefinitions = map[string]string{
	"learners": `{` + analysisSettings + `,
	"mappings": {
		"properties": {` + commonProperties + `,
				"name":            {"type": "text", "analyzer": "standard_analyzer"},
				"email":           {"type": "keyword"},
				"grade_level":     {"type": "keyword"},
				"current_level":   {"type": "keyword"},
				"learner_suggest": {"type": "completion", "analyzer": "edge_ngram_analyzer"}
		}
	}
}`,
	"lessons": `{` + analysisSettings + `,
	"mappings": {
		"properties": {` + commonProperties + `,
				"title":          {"type": "text", "analyzer": "standard_analyzer"},
				"subject":        {"type": "keyword"},
				"description":    {"type": "text", "analyzer": "subject_analyzer"},
				"grade_level":    {"type": "keyword"},
				"status":         {"type": "keyword"},
				"topics":         {"type": "keyword"},
				"standards":      {"type": "keyword"},
				"lesson_suggest": {"type": "completion", "analyzer": "edge_ngram_analyzer"}
		}
	}
}`,
	"assessments": `{` + analysisSettings + `,
	"mappings": {
		"properties": {` + commonProperties + `,
				"title":              {"type": "text", "analyzer": "standard_analyzer"},
				"subject":            {"type": "keyword"},
				"description":        {"type": "text", "analyzer": "subject_analyzer"},
				"grade_level":        {"type": "keyword"},
				"status":             {"type": "keyword"},
				"max_score":          {"type": "float"},
				"passing_score":      {"type": "float"},
				"assessment_suggest": {"type": "completion", "analyzer": "edge_ngram_analyzer"}
		}
	}
}`,
	"entities": `{` + analysisSettings + `,
	"mappings": {
		"dynamic": true,
		"properties": {` + commonProperties + `
		}
	}
}`,
}

package search

import (
	"github.com/redis/go-redis/v9"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/keys"
)

type definition struct {
	options *redis.FTCreateOptions
	schema  []*redis.FieldSchema
}

func hashOn(prefix string) *redis.FTCreateOptions {
	return &redis.FTCreateOptions{OnHash: true, Prefix: []interface{}{prefix}}
}

func tag(name string) *redis.FieldSchema {
	return &redis.FieldSchema{FieldName: name, FieldType: redis.SearchFieldTypeTag}
}

func text(name string) *redis.FieldSchema {
	return &redis.FieldSchema{FieldName: name, FieldType: redis.SearchFieldTypeText}
}

func numeric(name string, sortable bool) *redis.FieldSchema {
	return &redis.FieldSchema{FieldName: name, FieldType: redis.SearchFieldTypeNumeric, Sortable: sortable}
}

func vector(name string, dim int) *redis.FieldSchema {
	return &redis.FieldSchema{
		FieldName: name,
		FieldType: redis.SearchFieldTypeVector,
		VectorArgs: &redis.FTVectorArgs{
			FlatOptions: &redis.FTFlatOptions{
				Type:           "FLOAT32",
				Dim:            dim,
				DistanceMetric: "COSINE",
			},
		},
	}
}

// definition returns the index schema for an entity. Every field needed
// for listing, filtering, and freshness ordering is indexed; freshness
// fields are NUMERIC SORTABLE.
func (m *Manager) definition(e Entity) (definition, bool) {
	switch e {
	case Tasks:
		return definition{
			options: hashOn(keys.SearchTaskPrefix),
			schema: []*redis.FieldSchema{
				tag("status"), tag("user_id"), tag("thread_id"),
				text("subject"),
				numeric("created_at", true), numeric("updated_at", true),
			},
		}, true
	case Threads:
		return definition{
			options: hashOn(keys.SearchThreadPrefix),
			schema: []*redis.FieldSchema{
				tag("user_id"), tag("instance_id"),
				text("subject"), text("tags"),
				numeric("created_at", true), numeric("updated_at", true),
			},
		}, true
	case Schedules:
		return definition{
			options: hashOn(keys.SearchSchedulePrefix),
			schema: []*redis.FieldSchema{
				tag("id"), tag("enabled"),
				numeric("next_run_at", true), numeric("last_run_at", true),
			},
		}, true
	case QA:
		def := definition{
			options: hashOn(keys.SearchQAPrefix),
			schema: []*redis.FieldSchema{
				tag("user_id"), tag("thread_id"), tag("task_id"),
				text("question"), text("answer"),
				numeric("created_at", false), numeric("updated_at", false),
			},
		}
		if m.vectorDim > 0 {
			def.schema = append(def.schema,
				vector("question_vector", m.vectorDim),
				vector("answer_vector", m.vectorDim),
			)
		}
		return def, true
	case Instances:
		return definition{
			options: hashOn(keys.SearchInstancePrefix),
			schema: []*redis.FieldSchema{
				tag("id"), tag("environment"), tag("usage"), tag("instance_type"),
				text("name"),
			},
		}, true
	case Knowledge:
		def := definition{
			options: hashOn(keys.SearchKnowledgePrefix),
			schema: []*redis.FieldSchema{
				tag("source"), tag("category"), tag("severity"),
				text("title"), text("content"),
				numeric("created_at", false),
			},
		}
		if m.vectorDim > 0 {
			def.schema = append(def.schema, vector("vector", m.vectorDim))
		}
		return def, true
	}
	return definition{}, false
}

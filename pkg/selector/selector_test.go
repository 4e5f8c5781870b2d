package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/openfga/grapher/pkg/document"
)

func TestMatch(t *testing.T) {
	doc := document.Document{
		"_id":     "u1",
		"name":    "Ana",
		"age":     31,
		"tags":    []any{"admin", "ops"},
		"profile": map[string]any{"country": "PT"},
		"groupIds": []any{
			map[string]any{"_id": "g1", "isAdmin": true},
			map[string]any{"_id": "g2", "isAdmin": false},
		},
	}

	var tests = []struct {
		name     string
		filter   map[string]any
		expected bool
	}{
		{name: "empty", filter: nil, expected: true},
		{name: "equality", filter: map[string]any{"name": "Ana"}, expected: true},
		{name: "number_types", filter: map[string]any{"age": int64(31)}, expected: true},
		{name: "array_contains", filter: map[string]any{"tags": "ops"}, expected: true},
		{name: "whole_array", filter: map[string]any{"tags": []any{"admin", "ops"}}, expected: true},
		{name: "dotted", filter: map[string]any{"profile.country": "PT"}, expected: true},
		{name: "dotted_through_array", filter: map[string]any{"groupIds._id": "g2"}, expected: true},
		{name: "missing_equals_null", filter: map[string]any{"deleted": nil}, expected: true},
		{name: "ne", filter: map[string]any{"name": map[string]any{"$ne": "Ana"}}, expected: false},
		{name: "in", filter: map[string]any{"_id": map[string]any{"$in": []any{"u0", "u1"}}}, expected: true},
		{name: "nin", filter: map[string]any{"tags": map[string]any{"$nin": []any{"ops"}}}, expected: false},
		{name: "range", filter: map[string]any{"age": map[string]any{"$gt": 30, "$lte": 31}}, expected: true},
		{name: "range_other_type", filter: map[string]any{"age": map[string]any{"$gt": "10"}}, expected: false},
		{name: "exists", filter: map[string]any{"profile": map[string]any{"$exists": false}}, expected: false},
		{name: "size", filter: map[string]any{"tags": map[string]any{"$size": 2}}, expected: true},
		{name: "all", filter: map[string]any{"tags": map[string]any{"$all": []any{"ops", "admin"}}}, expected: true},
		{
			name:     "elem_match",
			filter:   map[string]any{"groupIds": map[string]any{"$elemMatch": map[string]any{"_id": "g2", "isAdmin": true}}},
			expected: false,
		},
		{
			name:     "elem_match_hit",
			filter:   map[string]any{"groupIds": map[string]any{"$elemMatch": map[string]any{"_id": "g1", "isAdmin": true}}},
			expected: true,
		},
		{name: "not", filter: map[string]any{"age": map[string]any{"$not": map[string]any{"$lt": 18}}}, expected: true},
		{name: "regex", filter: map[string]any{"name": map[string]any{"$regex": "^an", "$options": "i"}}, expected: true},
		{
			name: "or",
			filter: map[string]any{"$or": []any{
				map[string]any{"name": "Bob"},
				map[string]any{"age": 31},
			}},
			expected: true,
		},
		{
			name:     "nor",
			filter:   map[string]any{"$nor": []any{map[string]any{"name": "Ana"}}},
			expected: false,
		},
		{
			name:     "and",
			filter:   map[string]any{"$and": []any{map[string]any{"name": "Ana"}, map[string]any{"age": 30}}},
			expected: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			matched, err := Match(doc, test.filter)
			require.NoError(t, err)
			require.Equal(t, test.expected, matched)
		})
	}
}

func TestMatchNamedSelectorTypes(t *testing.T) {
	type selector map[string]any
	doc := document.Document{"views": 20, "tags": []any{"go", "db"}}

	require.True(t, MustMatch(doc, map[string]any{"views": selector{"$gt": 15, "$lt": 30}}))
	require.False(t, MustMatch(doc, map[string]any{"views": selector{"$gt": 25}}))
	require.True(t, MustMatch(doc, map[string]any{"$or": []any{selector{"views": 1}, selector{"tags": "db"}}}))

	_, err := Match(doc, map[string]any{"views": selector{"$near": 1}})
	require.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestMatchErrors(t *testing.T) {
	_, err := Match(document.Document{}, map[string]any{"a": map[string]any{"$near": 1}})
	require.ErrorIs(t, err, ErrUnsupportedOperator)

	_, err = Match(document.Document{}, map[string]any{"$where": "true"})
	require.ErrorIs(t, err, ErrUnsupportedOperator)

	_, err = Match(document.Document{}, map[string]any{"$or": "x"})
	require.Error(t, err)

	require.Panics(t, func() {
		MustMatch(document.Document{}, map[string]any{"a": map[string]any{"$in": 1}})
	})
}

func TestCompare(t *testing.T) {
	now := time.Now()
	oid := primitive.NewObjectID()

	require.Equal(t, 0, Compare(1, 1.0))
	require.Equal(t, -1, Compare(nil, 0))
	require.Equal(t, -1, Compare(2, "a"))
	require.Equal(t, 1, Compare("b", "a"))
	require.Equal(t, -1, Compare(map[string]any{}, []any{}))
	require.Equal(t, -1, Compare([]any{1}, []any{1, 2}))
	require.Equal(t, 1, Compare(true, false))
	require.Equal(t, -1, Compare(oid, true))
	require.Equal(t, -1, Compare(now, now.Add(time.Second)))
	require.True(t, Equal(map[string]any{"a": 1}, map[string]any{"a": int32(1)}))
	require.False(t, Equal("1", 1))
}

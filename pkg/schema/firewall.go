package schema

import (
	"context"
	"slices"
	"strings"

	"github.com/openfga/grapher/pkg/storage"
)

// RestrictFields returns a firewall that removes fields from the projection, sort and
// filters of a node, including inside $and, $or and $nor. The fields are also omitted
// from whole-document fetches.
func RestrictFields(fields ...string) Firewall {
	return func(_ context.Context, filters storage.Filter, options *storage.FindOptions, _ string) error {
		restricted := func(path string) bool {
			for _, f := range fields {
				if path == f || strings.HasPrefix(path, f+".") {
					return true
				}
			}
			return false
		}

		cleanFilter(filters, restricted)

		if options == nil {
			return nil
		}
		options.Sort = slices.DeleteFunc(options.Sort, func(s storage.SortField) bool {
			return restricted(s.Field)
		})
		if len(options.Fields) > 0 {
			kept := slices.DeleteFunc(slices.Clone(options.Fields), restricted)
			if len(kept) == 0 {
				// everything requested is restricted, keep the identity only
				kept = []string{"_id"}
			}
			options.Fields = kept
		}
		for _, f := range fields {
			if !slices.Contains(options.Omit, f) {
				options.Omit = append(options.Omit, f)
			}
		}
		return nil
	}
}

func cleanFilter(filters map[string]any, restricted func(string) bool) {
	for key, value := range filters {
		switch key {
		case "$and", "$or", "$nor":
			clauses, ok := value.([]any)
			if !ok {
				continue
			}
			for _, clause := range clauses {
				if m, ok := clause.(map[string]any); ok {
					cleanFilter(m, restricted)
				}
			}
		default:
			if restricted(key) {
				delete(filters, key)
			}
		}
	}
}

// DenyAll returns a firewall vetoing every request with err.
func DenyAll(err error) Firewall {
	return func(context.Context, storage.Filter, *storage.FindOptions, string) error {
		return err
	}
}

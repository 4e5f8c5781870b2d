// Package testutils contains code that is useful in tests.
package testutils

import (
	"math/rand"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/openfga/grapher/pkg/document"
)

const (
	AllChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// DocumentCmpTransformer compares document slices regardless of their order.
var DocumentCmpTransformer = cmp.Transformer("SortByID", func(in []document.Document) []document.Document {
	out := slices.Clone(in) // Copy input to avoid mutating it

	slices.SortStableFunc(out, func(a, b document.Document) int {
		return strings.Compare(document.IDKey(a.ID()), document.IDKey(b.ID()))
	})

	return out
})

func CreateRandomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = AllChars[rand.Intn(len(AllChars))]
	}
	return string(b)
}

// MakeDocuments returns n documents built by generator from their index.
func MakeDocuments(n int, generator func(i int) document.Document) []document.Document {
	docs := make([]document.Document, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, generator(i))
	}
	return docs
}

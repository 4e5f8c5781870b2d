package resolver

import (
	"sync"

	"github.com/openfga/grapher/pkg/document"
)

// Collector is a Sink keeping the published documents in memory, per collection. It
// applies events idempotently: adding a known document replaces it and removing an
// unknown one is ignored.
type Collector struct {
	mu   sync.Mutex
	docs map[string]map[string]document.Document
}

var _ Sink = (*Collector)(nil)

func NewCollector() *Collector {
	return &Collector{docs: make(map[string]map[string]document.Document)}
}

func (c *Collector) Added(collection string, id any, fields document.Document) {
	c.set(collection, id, fields)
}

func (c *Collector) Changed(collection string, id any, fields document.Document) {
	c.set(collection, id, fields)
}

func (c *Collector) Removed(collection string, id any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs[collection], document.IDKey(id))
}

func (c *Collector) set(collection string, id any, fields document.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docs[collection] == nil {
		c.docs[collection] = make(map[string]document.Document)
	}
	c.docs[collection][document.IDKey(id)] = fields.Clone()
}

// Get returns a copy of the published document.
func (c *Collector) Get(collection string, id any) (document.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[collection][document.IDKey(id)]
	return doc.Clone(), ok
}

// Len returns the number of documents published for collection.
func (c *Collector) Len(collection string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs[collection])
}

// Documents returns copies of the documents published for collection.
func (c *Collector) Documents(collection string) []document.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]document.Document, 0, len(c.docs[collection]))
	for _, doc := range c.docs[collection] {
		out = append(out, doc.Clone())
	}
	return out
}

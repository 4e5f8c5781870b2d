// Package mongodb implements the datastore contract on top of MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/logger"
	"github.com/openfga/grapher/pkg/selector"
	"github.com/openfga/grapher/pkg/storage"
	"github.com/openfga/grapher/pkg/telemetry"
)

var tracer = otel.Tracer("grapher/pkg/storage/mongodb")

const defaultConnectTimeout = time.Minute

// Config holds the connection settings of the MongoDB datastore.
type Config struct {
	Database       string
	ConnectTimeout time.Duration
	MaxPoolSize    uint64
	Logger         logger.Logger
}

type DatastoreOption func(*Config)

func WithDatabase(database string) DatastoreOption {
	return func(c *Config) { c.Database = database }
}

func WithConnectTimeout(timeout time.Duration) DatastoreOption {
	return func(c *Config) { c.ConnectTimeout = timeout }
}

func WithMaxPoolSize(size uint64) DatastoreOption {
	return func(c *Config) { c.MaxPoolSize = size }
}

func WithLogger(l logger.Logger) DatastoreOption {
	return func(c *Config) { c.Logger = l }
}

// Datastore provides a MongoDB implementation of [storage.Datastore].
type Datastore struct {
	client *mongo.Client
	db     *mongo.Database
	logger logger.Logger
}

var _ storage.Datastore = (*Datastore)(nil)

// New connects to the deployment at uri and waits until it answers a ping.
func New(uri string, opts ...DatastoreOption) (*Datastore, error) {
	cfg := &Config{
		Database:       "grapher",
		ConnectTimeout: defaultConnectTimeout,
		Logger:         logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	clientOpts := options.Client().ApplyURI(uri)
	if cfg.MaxPoolSize != 0 {
		clientOpts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(context.Background(), clientOpts)
	if err != nil {
		return nil, fmt.Errorf("initialize mongodb client: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.ConnectTimeout
	attempt := 1
	err = backoff.Retry(func() error {
		err := client.Ping(context.Background(), readpref.Primary())
		if err != nil {
			cfg.Logger.Info("waiting for mongodb", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to initialize mongodb connection: %w", err)
	}

	return &Datastore{
		client: client,
		db:     client.Database(cfg.Database),
		logger: cfg.Logger,
	}, nil
}

// Close disconnects the client.
func (d *Datastore) Close() {
	if err := d.client.Disconnect(context.Background()); err != nil {
		d.logger.Warn("mongodb disconnect failed", zap.Error(err))
	}
}

// Find see [storage.DocumentReader].Find.
func (d *Datastore) Find(ctx context.Context, collection string, filter storage.Filter, opts storage.FindOptions) ([]document.Document, error) {
	ctx, span := tracer.Start(ctx, "mongodb.Find")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	cursor, err := d.db.Collection(collection).Find(ctx, toBSON(filter), FindOptions(opts))
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, handleError(collection, err)
	}
	defer cursor.Close(ctx)

	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		telemetry.TraceError(span, err)
		return nil, handleError(collection, err)
	}

	docs := make([]document.Document, 0, len(raw))
	for _, m := range raw {
		docs = append(docs, fromBSON(m))
	}
	span.SetAttributes(attribute.Int("documents", len(docs)))

	return docs, nil
}

// Insert see [storage.DocumentWriter].Insert.
func (d *Datastore) Insert(ctx context.Context, collection string, doc document.Document) (any, error) {
	ctx, span := tracer.Start(ctx, "mongodb.Insert")
	defer span.End()

	res, err := d.db.Collection(collection).InsertOne(ctx, bson.M(doc))
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, handleError(collection, err)
	}
	return res.InsertedID, nil
}

// Update see [storage.DocumentWriter].Update.
func (d *Datastore) Update(ctx context.Context, collection string, filter storage.Filter, update storage.Update) (int, error) {
	ctx, span := tracer.Start(ctx, "mongodb.Update")
	defer span.End()

	modifier := bson.M{}
	if len(update.Set) > 0 {
		modifier["$set"] = bson.M(update.Set)
	}
	if len(update.Unset) > 0 {
		unset := bson.M{}
		for _, path := range update.Unset {
			unset[path] = ""
		}
		modifier["$unset"] = unset
	}
	if len(modifier) == 0 {
		return 0, nil
	}

	res, err := d.db.Collection(collection).UpdateMany(ctx, toBSON(filter), modifier)
	if err != nil {
		telemetry.TraceError(span, err)
		return 0, handleError(collection, err)
	}
	return int(res.ModifiedCount), nil
}

// Remove see [storage.DocumentWriter].Remove.
func (d *Datastore) Remove(ctx context.Context, collection string, filter storage.Filter) (int, error) {
	ctx, span := tracer.Start(ctx, "mongodb.Remove")
	defer span.End()

	res, err := d.db.Collection(collection).DeleteMany(ctx, toBSON(filter))
	if err != nil {
		telemetry.TraceError(span, err)
		return 0, handleError(collection, err)
	}
	return int(res.DeletedCount), nil
}

type changeStreamEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   bson.M `bson:"documentKey"`
	FullDocument  bson.M `bson:"fullDocument"`
}

// Watch see [storage.ChangeWatcher].Watch. Change streams do not carry the previous
// version of a document, so an update that no longer matches filter is reported as
// a removal and any other update as a change.
func (d *Datastore) Watch(ctx context.Context, collection string, filter storage.Filter) (<-chan storage.ChangeEvent, error) {
	stream, err := d.db.Collection(collection).Watch(ctx, mongo.Pipeline{},
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, handleError(collection, err)
	}

	out := make(chan storage.ChangeEvent)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var raw changeStreamEvent
			if err := stream.Decode(&raw); err != nil {
				d.logger.Warn("undecodable change event", zap.String("collection", collection), zap.Error(err))
				continue
			}
			event, ok := toChangeEvent(collection, raw, filter)
			if !ok {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("change stream terminated", zap.String("collection", collection), zap.Error(err))
		}
	}()

	return out, nil
}

func toChangeEvent(collection string, raw changeStreamEvent, filter storage.Filter) (storage.ChangeEvent, bool) {
	event := storage.ChangeEvent{Collection: collection, ID: normalize(raw.DocumentKey[document.IDField])}

	switch raw.OperationType {
	case "insert":
		doc := fromBSON(raw.FullDocument)
		if ok, _ := selector.Match(doc, filter); !ok {
			return event, false
		}
		event.Type = storage.ChangeAdded
		event.Document = doc
	case "update", "replace":
		doc := fromBSON(raw.FullDocument)
		if ok, _ := selector.Match(doc, filter); raw.FullDocument == nil || !ok {
			event.Type = storage.ChangeRemoved
			return event, true
		}
		event.Type = storage.ChangeChanged
		event.Document = doc
	case "delete":
		event.Type = storage.ChangeRemoved
	default:
		return event, false
	}
	return event, true
}

// FindOptions translates storage options into driver options. Overlapping projection
// paths are collapsed since the server rejects them.
func FindOptions(opts storage.FindOptions) *options.FindOptions {
	findOpts := options.Find()

	switch {
	case len(opts.Fields) > 0:
		findOpts.SetProjection(projection(opts.Fields, opts.Omit))
	case len(opts.Omit) > 0:
		excluded := bson.D{}
		for _, field := range opts.Omit {
			excluded = append(excluded, bson.E{Key: field, Value: 0})
		}
		findOpts.SetProjection(excluded)
	}
	if len(opts.Sort) > 0 {
		sortDoc := bson.D{}
		for _, field := range opts.Sort {
			direction := 1
			if field.Descending {
				direction = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: field.Field, Value: direction})
		}
		findOpts.SetSort(sortDoc)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(int64(opts.Skip))
	}

	return findOpts
}

func projection(fields, omit []string) bson.D {
	sorted := slices.DeleteFunc(append([]string(nil), fields...), func(field string) bool {
		return slices.Contains(omit, field)
	})
	sort.Strings(sorted)

	proj := bson.D{}
	var last string
	for _, field := range sorted {
		if last != "" && (field == last || strings.HasPrefix(field, last+".")) {
			continue
		}
		proj = append(proj, bson.E{Key: field, Value: 1})
		last = field
	}
	return proj
}

func handleError(collection string, err error) error {
	switch {
	case mongo.IsDuplicateKeyError(err):
		return storage.ErrCollision
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 2 {
		// BadValue
		return storage.InvalidFilterError(collection, err)
	}
	return fmt.Errorf("mongodb %s: %w", collection, err)
}

func toBSON(filter storage.Filter) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return bson.M(filter)
}

func fromBSON(m bson.M) document.Document {
	if m == nil {
		return nil
	}
	out := make(document.Document, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

// normalize replaces driver container types with plain maps and slices.
func normalize(value any) any {
	switch v := value.(type) {
	case primitive.M:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = normalize(inner)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(v))
		for _, e := range v {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(v))
		for i := range v {
			out[i] = normalize(v[i])
		}
		return out
	}
	return value
}

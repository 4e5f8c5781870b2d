// Package query contains the command resolving a query body from the command line.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/openfga/grapher/cmd/util"
	"github.com/openfga/grapher/internal/expression"
	serverconfig "github.com/openfga/grapher/internal/server/config"
	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/logger"
	"github.com/openfga/grapher/pkg/schema"
	"github.com/openfga/grapher/pkg/schemafile"
	"github.com/openfga/grapher/pkg/server"
	"github.com/openfga/grapher/pkg/storage"
	"github.com/openfga/grapher/pkg/storage/memory"
	"github.com/openfga/grapher/pkg/storage/mongodb"
	"github.com/openfga/grapher/pkg/telemetry"
)

func NewQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <collection> [body]",
		Short: "Resolve a query body against a collection",
		Long: `Resolve a query body against a collection and print the nested result as JSON.

The body is a JSON object, e.g. '{"title": 1, "author": {"name": 1}, "$options": {"limit": 5}}'.
With --watch the result is kept up to date and every change is printed as a JSON line.`,
		Args:   cobra.RangeArgs(1, 2),
		PreRun: bindQueryFlags,
		RunE:   runQuery,
	}

	addQueryFlags(cmd)

	return cmd
}

// ServerContext holds what the query command builds from its configuration.
type ServerContext struct {
	Logger logger.Logger
}

func runQuery(cmd *cobra.Command, args []string) error {
	config, err := util.ReadConfig()
	if err != nil {
		return err
	}
	if err := config.Verify(); err != nil {
		return err
	}

	b, err := readBody(cmd, args)
	if err != nil {
		return err
	}
	params, err := readParams(cmd)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(config.Log.Format, config.Log.Level)
	if err != nil {
		return err
	}
	s := &ServerContext{Logger: log}

	shutdownTracing := s.telemetryConfig(config)
	defer func() {
		if err := shutdownTracing(); err != nil {
			s.Logger.Error("failed to shut down tracing", zap.Error(err))
		}
	}()

	registry, err := s.registryConfig(config)
	if err != nil {
		return err
	}

	datastore, err := s.datastoreConfig(config)
	if err != nil {
		return err
	}
	defer datastore.Close()

	flags := cmd.Flags()
	if fixtures, _ := flags.GetString(fixturesFlag); fixtures != "" {
		if err := loadFixtures(cmd.Context(), datastore, fixtures); err != nil {
			return err
		}
	}

	srv, err := server.NewServerWithOpts(
		server.WithDatastore(datastore),
		server.WithRegistry(registry),
		server.WithLogger(s.Logger),
		server.WithMaxDepth(config.Resolve.MaxDepth),
		server.WithMaxLimit(config.Resolve.MaxLimit),
		server.WithBreadthLimit(config.Resolve.BreadthLimit),
		server.WithMaxConcurrentReads(config.Datastore.MaxConcurrentReads),
		server.WithNamedQueryCache(config.NamedQueryCache),
	)
	if err != nil {
		return err
	}
	defer srv.Close()

	userID, _ := flags.GetString(userIDFlag)
	bypass, _ := flags.GetBool(bypassFirewallFlag)
	opts := server.QueryOptions{UserID: userID, Params: params, BypassFirewalls: bypass}
	collection := args[0]

	if watch, _ := flags.GetBool(watchFlag); watch {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return s.watch(ctx, srv, collection, b, opts, cmd.OutOrStdout())
	}

	var result any
	if one, _ := flags.GetBool(oneFlag); one {
		result, err = srv.FetchOne(cmd.Context(), collection, b, opts)
	} else {
		result, err = srv.Fetch(cmd.Context(), collection, b, opts)
	}
	if err != nil {
		return err
	}

	// print results in json format to allow piping to other commands, e.g. jq
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return fmt.Errorf("error encoding query results: %w", err)
	}
	return nil
}

func readBody(cmd *cobra.Command, args []string) (*body.Body, error) {
	path, _ := cmd.Flags().GetString(bodyFileFlag)
	switch {
	case path != "" && len(args) > 1:
		return nil, errors.New("the body is given both as an argument and with --body-file")
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read the body file: %w", err)
		}
		return body.Parse(data)
	case len(args) > 1:
		return body.Parse([]byte(args[1]))
	}
	return body.New(), nil
}

func readParams(cmd *cobra.Command) (map[string]any, error) {
	raw, _ := cmd.Flags().GetString(paramsFlag)
	if raw == "" {
		return nil, nil
	}
	var params map[string]any
	if err := yaml.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", paramsFlag, err)
	}
	return params, nil
}

// telemetryConfig returns the function that must be called to shut down tracing.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint, config.Trace.OTLP.TLS.Enabled))

		options := []telemetry.TracerOption{
			telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(config.Trace.ServiceName),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		}
		if !config.Trace.OTLP.TLS.Enabled {
			options = append(options, telemetry.WithOTLPInsecure())
		}

		tp := telemetry.MustNewTracerProvider(options...)
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

func (s *ServerContext) registryConfig(config *serverconfig.Config) (*schema.Registry, error) {
	if config.Schema == "" {
		return nil, errors.New("a schema file must be provided with --schema")
	}
	file, err := schemafile.Load(config.Schema)
	if err != nil {
		return nil, err
	}
	registry, err := file.Registry(expression.WithMaxCost(config.Resolve.MaxReducerEvaluationCost))
	if err != nil {
		return nil, err
	}
	s.Logger.Debug("schema loaded", zap.String("path", config.Schema), zap.Int("collections", len(file.Collections)))
	return registry, nil
}

func (s *ServerContext) datastoreConfig(config *serverconfig.Config) (storage.Datastore, error) {
	var datastore storage.Datastore
	switch config.Datastore.Engine {
	case "memory":
		datastore = memory.New()
	case "mongodb":
		ds, err := mongodb.New(config.Datastore.URI,
			mongodb.WithDatabase(config.Datastore.Database),
			mongodb.WithConnectTimeout(config.Datastore.ConnectTimeout),
			mongodb.WithLogger(s.Logger),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize mongodb datastore: %w", err)
		}
		datastore = ds
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", config.Datastore.Engine)
	}

	s.Logger.Info(fmt.Sprintf("using '%v' storage engine", config.Datastore.Engine))

	return datastore, nil
}

// loadFixtures inserts the documents of path, a map of collection to documents.
func loadFixtures(ctx context.Context, ds storage.DocumentWriter, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read the fixtures file: %w", err)
	}
	var fixtures map[string][]map[string]any
	if err := yaml.Unmarshal(data, &fixtures); err != nil {
		return fmt.Errorf("invalid fixtures file: %w", err)
	}

	collections := make([]string, 0, len(fixtures))
	for c := range fixtures {
		collections = append(collections, c)
	}
	sort.Strings(collections)

	for _, c := range collections {
		for _, doc := range fixtures[c] {
			if _, err := ds.Insert(ctx, c, document.Document(doc)); err != nil {
				return fmt.Errorf("inserting fixtures into %s: %w", c, err)
			}
		}
	}
	return nil
}

func (s *ServerContext) watch(ctx context.Context, srv *server.Server, collection string, b *body.Body, opts server.QueryOptions, w io.Writer) error {
	sink := &jsonLineSink{encoder: json.NewEncoder(w)}
	session, err := srv.Subscribe(ctx, collection, b, sink, opts)
	if err != nil {
		return err
	}
	s.Logger.Info("watching for changes", zap.String("session", session.ID()), zap.String("collection", collection))

	<-ctx.Done()
	session.Stop()
	return sink.Err()
}

type changeLine struct {
	Msg        string            `json:"msg"`
	Collection string            `json:"collection"`
	ID         any               `json:"id"`
	Fields     document.Document `json:"fields,omitempty"`
}

// jsonLineSink prints every published change as one JSON line.
type jsonLineSink struct {
	mu      sync.Mutex
	encoder *json.Encoder
	err     error // GUARDED_BY(mu)
}

func (s *jsonLineSink) write(line changeLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.encoder.Encode(line); err != nil && s.err == nil {
		s.err = err
	}
}

// Err returns the first write failure.
func (s *jsonLineSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *jsonLineSink) Added(collection string, id any, fields document.Document) {
	s.write(changeLine{Msg: "added", Collection: collection, ID: id, Fields: fields})
}

func (s *jsonLineSink) Changed(collection string, id any, fields document.Document) {
	s.write(changeLine{Msg: "changed", Collection: collection, ID: id, Fields: fields})
}

func (s *jsonLineSink) Removed(collection string, id any) {
	s.write(changeLine{Msg: "removed", Collection: collection, ID: id})
}

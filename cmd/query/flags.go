package query

import (
	"github.com/spf13/cobra"

	"github.com/openfga/grapher/cmd/util"
	serverconfig "github.com/openfga/grapher/internal/server/config"
)

const (
	bodyFileFlag       = "body-file"
	oneFlag            = "one"
	userIDFlag         = "user-id"
	paramsFlag         = "params"
	bypassFirewallFlag = "bypass-firewalls"
	fixturesFlag       = "fixtures"
	watchFlag          = "watch"
)

// addQueryFlags declares the flags of the query command. Config backed flags are bound
// to viper in bindQueryFlags, at PreRun, so commands sharing a key do not override
// each other.
func addQueryFlags(command *cobra.Command) {
	defaultConfig := serverconfig.DefaultConfig()
	flags := command.Flags()

	flags.String("schema", defaultConfig.Schema, "the path of the schema file declaring links, reducers and exposure")

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine documents are read from ('memory' or 'mongodb')")
	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	flags.String("datastore-database", defaultConfig.Datastore.Database, "the MongoDB database holding the collections")
	flags.Duration("datastore-connect-timeout", defaultConfig.Datastore.ConnectTimeout, "how long to wait for the datastore to answer on startup")
	flags.Uint32("datastore-max-concurrent-reads", defaultConfig.Datastore.MaxConcurrentReads, "the maximum number of concurrent reads issued by a query")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")
	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")

	flags.Int("max-depth", defaultConfig.Resolve.MaxDepth, "the deepest link level a query may reach (0 means unlimited)")
	flags.Int("max-limit", defaultConfig.Resolve.MaxLimit, "the largest limit a query level may ask for (0 means unlimited)")
	flags.Int("breadth-limit", defaultConfig.Resolve.BreadthLimit, "how many node groups of a level are fetched concurrently")
	flags.Uint64("max-reducer-evaluation-cost", defaultConfig.Resolve.MaxReducerEvaluationCost, "the maximum runtime cost of a reducer expression")

	flags.String(bodyFileFlag, "", "read the query body from this JSON file instead of the second argument")
	flags.Bool(oneFlag, false, "return the first matching document only")
	flags.String(userIDFlag, "", "the user id handed to firewalls")
	flags.String(paramsFlag, "", "query parameters as a JSON object")
	flags.Bool(bypassFirewallFlag, false, "skip collection firewalls")
	flags.String(fixturesFlag, "", "a JSON or YAML file of documents per collection inserted before querying")
	flags.Bool(watchFlag, false, "keep the result up to date and print every change until interrupted")
}

func bindQueryFlags(command *cobra.Command, _ []string) {
	flags := command.Flags()

	util.MustBindPFlag("schema", flags.Lookup("schema"))
	util.MustBindEnv("schema", "GRAPHER_SCHEMA")

	util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
	util.MustBindEnv("datastore.engine", "GRAPHER_DATASTORE_ENGINE")

	util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
	util.MustBindEnv("datastore.uri", "GRAPHER_DATASTORE_URI")

	util.MustBindPFlag("datastore.database", flags.Lookup("datastore-database"))
	util.MustBindEnv("datastore.database", "GRAPHER_DATASTORE_DATABASE")

	util.MustBindPFlag("datastore.connectTimeout", flags.Lookup("datastore-connect-timeout"))
	util.MustBindEnv("datastore.connectTimeout", "GRAPHER_DATASTORE_CONNECT_TIMEOUT", "GRAPHER_DATASTORE_CONNECTTIMEOUT")

	util.MustBindPFlag("datastore.maxConcurrentReads", flags.Lookup("datastore-max-concurrent-reads"))
	util.MustBindEnv("datastore.maxConcurrentReads", "GRAPHER_DATASTORE_MAX_CONCURRENT_READS", "GRAPHER_DATASTORE_MAXCONCURRENTREADS")

	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "GRAPHER_LOG_FORMAT")

	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "GRAPHER_LOG_LEVEL")

	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "GRAPHER_TRACE_ENABLED")

	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "GRAPHER_TRACE_OTLP_ENDPOINT")

	util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
	util.MustBindEnv("trace.otlp.tls.enabled", "GRAPHER_TRACE_OTLP_TLS_ENABLED")

	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "GRAPHER_TRACE_SAMPLE_RATIO", "GRAPHER_TRACE_SAMPLERATIO")

	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "GRAPHER_TRACE_SERVICE_NAME", "GRAPHER_TRACE_SERVICENAME")

	util.MustBindPFlag("resolve.maxDepth", flags.Lookup("max-depth"))
	util.MustBindEnv("resolve.maxDepth", "GRAPHER_RESOLVE_MAX_DEPTH", "GRAPHER_RESOLVE_MAXDEPTH")

	util.MustBindPFlag("resolve.maxLimit", flags.Lookup("max-limit"))
	util.MustBindEnv("resolve.maxLimit", "GRAPHER_RESOLVE_MAX_LIMIT", "GRAPHER_RESOLVE_MAXLIMIT")

	util.MustBindPFlag("resolve.breadthLimit", flags.Lookup("breadth-limit"))
	util.MustBindEnv("resolve.breadthLimit", "GRAPHER_RESOLVE_BREADTH_LIMIT", "GRAPHER_RESOLVE_BREADTHLIMIT")

	util.MustBindPFlag("resolve.maxReducerEvaluationCost", flags.Lookup("max-reducer-evaluation-cost"))
	util.MustBindEnv("resolve.maxReducerEvaluationCost", "GRAPHER_RESOLVE_MAX_REDUCER_EVALUATION_COST")
}

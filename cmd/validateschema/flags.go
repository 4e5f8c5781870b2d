package validateschema

import (
	"github.com/spf13/cobra"

	"github.com/openfga/grapher/cmd/util"
	serverconfig "github.com/openfga/grapher/internal/server/config"
)

func addValidateFlags(command *cobra.Command) {
	defaultConfig := serverconfig.DefaultConfig()
	flags := command.Flags()

	flags.String("schema", defaultConfig.Schema, "the path of the schema file to validate")
	flags.Uint64("max-reducer-evaluation-cost", defaultConfig.Resolve.MaxReducerEvaluationCost, "the maximum runtime cost of a reducer expression")

	// NOTE: if you add a new flag here, add the binding in bindValidateFlags
}

func bindValidateFlags(command *cobra.Command, _ []string) {
	flags := command.Flags()

	util.MustBindPFlag("schema", flags.Lookup("schema"))
	util.MustBindEnv("schema", "GRAPHER_SCHEMA")

	util.MustBindPFlag("resolve.maxReducerEvaluationCost", flags.Lookup("max-reducer-evaluation-cost"))
	util.MustBindEnv("resolve.maxReducerEvaluationCost", "GRAPHER_RESOLVE_MAX_REDUCER_EVALUATION_COST")
}

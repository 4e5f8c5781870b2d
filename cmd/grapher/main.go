package main

import (
	"os"

	"github.com/openfga/grapher/cmd"
	"github.com/openfga/grapher/cmd/query"
	"github.com/openfga/grapher/cmd/validateschema"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	queryCmd := query.NewQueryCommand()
	rootCmd.AddCommand(queryCmd)

	validateCmd := validateschema.NewValidateCommand()
	rootCmd.AddCommand(validateCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

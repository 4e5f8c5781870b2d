// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with GRAPHER, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("GRAPHER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/grapher", "$HOME/.grapher", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "grapher",
		Short: "Resolve nested document graphs declared by links between collections",
		Long: `Resolve nested document graphs declared by links between collections.

grapher reads a schema of links, reducers and exposure rules, and answers query bodies with
nested documents fetched from a memory or MongoDB datastore with a bounded number of reads.`,
		SilenceUsage: true,
	}
}

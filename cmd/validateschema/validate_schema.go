// Package validateschema contains the command checking a schema file without reading
// any datastore.
package validateschema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfga/grapher/cmd/util"
	"github.com/openfga/grapher/internal/expression"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	"github.com/openfga/grapher/pkg/schema"
	"github.com/openfga/grapher/pkg/schemafile"
)

// ErrInvalidSchema is returned when the schema file loads but fails validation.
var ErrInvalidSchema = errors.New("the schema is invalid")

func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-schema",
		Short: "Validate a schema file",
		Long: `Load a schema file, compile its reducer expressions and check its links and reducer
dependencies. The result is printed as JSON.`,
		Args:   cobra.NoArgs,
		PreRun: bindValidateFlags,
		RunE:   runValidate,
	}

	addValidateFlags(cmd)

	return cmd
}

type LinkResult struct {
	Name     string `json:"name"`
	Target   string `json:"target"`
	Many     bool   `json:"many"`
	Virtual  bool   `json:"virtual,omitempty"`
	Metadata bool   `json:"metadata,omitempty"`
}

type CollectionResult struct {
	Name     string       `json:"name"`
	Links    []LinkResult `json:"links,omitempty"`
	Reducers []string     `json:"reducers,omitempty"`
}

type ValidationResult struct {
	Valid       bool               `json:"valid"`
	Collections []CollectionResult `json:"collections,omitempty"`
	Errors      []string           `json:"errors,omitempty"`
}

func runValidate(cmd *cobra.Command, _ []string) error {
	config, err := util.ReadConfig()
	if err != nil {
		return err
	}
	if config.Schema == "" {
		return errors.New("a schema file must be provided with --schema")
	}

	file, err := schemafile.Load(config.Schema)
	if err != nil {
		return err
	}

	result := Validate(file, expression.WithMaxCost(config.Resolve.MaxReducerEvaluationCost))

	// print validation results in json format to allow piping to other commands, e.g. jq
	marshalled, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("error gathering validation results: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(marshalled))

	if !result.Valid {
		return ErrInvalidSchema
	}
	return nil
}

// Validate applies file to a fresh registry and seals it. Links pointing at undeclared
// collections are reported without stopping the validation.
func Validate(file *schemafile.File, opts ...expression.Option) ValidationResult {
	registry := schema.NewRegistry()
	if err := file.Apply(registry, opts...); err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}

	var result ValidationResult
	for _, name := range registry.Collections() {
		c := CollectionResult{Name: name, Reducers: registry.Reducers(name)}
		for _, l := range registry.Links(name) {
			c.Links = append(c.Links, LinkResult{
				Name:     l.Name(),
				Target:   l.TargetCollection(),
				Many:     l.IsMany(),
				Virtual:  l.IsVirtual(),
				Metadata: l.IsMetadata(),
			})
			if !registry.HasCollection(l.TargetCollection()) {
				err := &grapherErrors.BrokenLinkError{Collection: name, Link: l.Name(), Target: l.TargetCollection()}
				result.Errors = append(result.Errors, err.Error())
			}
		}
		result.Collections = append(result.Collections, c)
	}

	if err := registry.Seal(); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	result.Valid = len(result.Errors) == 0
	return result
}

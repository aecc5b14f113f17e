package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ollama/constrain/envconfig"
	"github.com/ollama/constrain/sample"
)

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  configHandler,
	}

	cmd.Flags().Bool("example", false, "Print an example configuration file")
	return cmd
}

func configHandler(cmd *cobra.Command, args []string) error {
	if example, _ := cmd.Flags().GetBool("example"); example {
		_, err := fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
		return err
	}

	vars := envconfig.AsMap()
	var rows [][]string
	for _, name := range slices.Sorted(maps.Keys(vars)) {
		v := vars[name]
		rows = append(rows, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	renderTable(cmd.OutOrStdout(), []string{"NAME", "VALUE", "DESCRIPTION"}, rows)

	if _, err := sample.NewProcessor(envconfig.Adapter, nil); err != nil {
		return err
	}
	if _, err := sample.ParseMode(envconfig.ExecutionMode); err != nil {
		return err
	}
	return nil
}

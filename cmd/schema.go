package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/constrain/grammar"
)

func NewSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [FILE]",
		Short: "Print the grammar for a JSON schema",
		Long:  "Print the GBNF grammar accepting JSON documents valid under the schema in FILE (or standard input).",
		Args:  cobra.MaximumNArgs(1),
		RunE:  schemaHandler,
	}

	cmd.Flags().Bool("check", false, "Also compile the grammar")
	return cmd
}

func schemaHandler(cmd *cobra.Command, args []string) error {
	var bts []byte
	var err error
	if len(args) > 0 {
		bts, err = os.ReadFile(args[0])
	} else {
		bts, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return err
	}

	text, err := grammar.FromSchema(nil, bts)
	if err != nil {
		return err
	}

	if check, _ := cmd.Flags().GetBool("check"); check {
		if _, err := grammar.Parse(string(text)); err != nil {
			return err
		}
	}

	_, err = cmd.OutOrStdout().Write(text)
	return err
}

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/get2knowio/maverick-sub001/internal/ast"
)

// schemaCmd represents the schema command
var schemaCmd = &cobra.Command{
	Use:    "schema",
	Short:  "Output the workflow document JSON schema",
	Long:   `Output the JSON schema of the workflow document format, for editor tooling and CI validation.`,
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		schemaBytes, err := ast.NewSchema()
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error generating schema: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(schemaBytes))
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}

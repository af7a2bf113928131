package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andywolf/cyclewarden/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print version information including commit hash and build date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		b := version.Current()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), b)
		}
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			fmt.Fprintln(cmd.OutOrStdout(), b.Verbose())
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), b.String())
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "print verbose version information")
	versionCmd.Flags().Bool("json", false, "print version information as JSON")
	rootCmd.AddCommand(versionCmd)
}

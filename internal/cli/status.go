package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andywolf/cyclewarden/internal/supervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine and watchdog status",
	Long: `Show whether the engine and watchdog are running, the current cycle,
time since the last recorded activity and the kill switch.

Examples:
  cyclewarden status
  cyclewarden status --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd.ErrOrStderr(), "[supervisor] ")
		if err != nil {
			return err
		}
		defer a.close()

		st := a.sup.Status()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		fmt.Fprint(cmd.OutOrStdout(), supervisor.FormatStatus(st))
		return nil
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show cycle history, lessons and alert statistics",
	Long: `Render a dashboard of recent cycles, success rate, failure reasons and
recent lessons. With --send the dashboard is also delivered to every
notification channel.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd.ErrOrStderr(), "[supervisor] ")
		if err != nil {
			return err
		}
		defer a.close()

		send, _ := cmd.Flags().GetBool("send")
		out, err := a.sup.Dashboard(cmd.Context(), send)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, dashboardCmd)

	statusCmd.Flags().Bool("json", false, "Print status as JSON")
	dashboardCmd.Flags().Bool("send", false, "Also send the dashboard to the notification channels")
}

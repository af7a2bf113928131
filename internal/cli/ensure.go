package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/andywolf/cyclewarden/internal/supervisor"
)

var ensureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Repair the engine if it is dead, stuck or unhealthy",
	Long: `Check the engine and start or restart it when needed. Repairs are
debounced unless the health check reports an error. Safe to run from cron.

Examples:
  cyclewarden ensure
  cyclewarden ensure --delay 30000 --report
  cyclewarden ensure --json`,
	Args: cobra.NoArgs,
	RunE: runEnsure,
}

func init() {
	rootCmd.AddCommand(ensureCmd)

	ensureCmd.Flags().Bool("json", false, "Print the result as JSON")
	ensureCmd.Flags().Int("delay", 0, "Wait this many milliseconds before checking")
	ensureCmd.Flags().Bool("report", false, "Send a status report after checking")
	ensureCmd.Flags().String("caller", supervisor.CallerUser, "Who is calling (user or watchdog)")
}

func runEnsure(cmd *cobra.Command, args []string) error {
	delayMs, _ := cmd.Flags().GetInt("delay")
	report, _ := cmd.Flags().GetBool("report")
	caller, _ := cmd.Flags().GetString("caller")
	asJSON, _ := cmd.Flags().GetBool("json")

	if caller != supervisor.CallerUser && caller != supervisor.CallerWatchdog {
		return fmt.Errorf("invalid --caller %q (want %s or %s)", caller, supervisor.CallerUser, supervisor.CallerWatchdog)
	}
	if delayMs < 0 {
		return fmt.Errorf("--delay must not be negative")
	}

	a, err := newApp(cmd.Context(), cmd.ErrOrStderr(), "[supervisor] ")
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.sup.Ensure(cmd.Context(), supervisor.EnsureOptions{
		Delay:  time.Duration(delayMs) * time.Millisecond,
		Report: report,
		Caller: caller,
	})
	if asJSON {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil && err == nil {
			err = perr
		}
	} else if err == nil {
		printEnsure(cmd.OutOrStdout(), res)
	}
	return err
}

func printEnsure(w io.Writer, res supervisor.EnsureResult) {
	switch res.Action {
	case supervisor.ActionHealthy:
		fmt.Fprintf(w, "Engine healthy (pid %d)\n", res.PID)
	case supervisor.ActionKillSwitch:
		fmt.Fprintln(w, "Kill switch is set; nothing to do")
	case supervisor.ActionDebounced:
		fmt.Fprintf(w, "Engine %s; repair debounced\n", res.Reason)
	default:
		fmt.Fprintf(w, "Engine %s (%s, pid %d)\n", res.Action, res.Reason, res.PID)
	}
	if len(res.Failed) > 0 {
		fmt.Fprintf(w, "Failed checks: %s\n", strings.Join(res.Failed, ", "))
	}
}

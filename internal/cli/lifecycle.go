package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine and the watchdog",
	Long: `Start the cycle engine in the background unless it is already running,
and make sure the watchdog daemon is up. Removes the kill switch.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd.ErrOrStderr(), "[supervisor] ")
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.sup.Start(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res.AlreadyRunning {
			fmt.Fprintf(out, "Engine already running (pid %d)\n", res.PID)
		} else {
			fmt.Fprintf(out, "Engine started (pid %d)\n", res.PID)
		}
		if res.WatchdogPID > 0 {
			fmt.Fprintf(out, "Watchdog running (pid %d)\n", res.WatchdogPID)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the watchdog and the engine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd.ErrOrStderr(), "[supervisor] ")
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.sup.Stop(cmd.Context())
		out := cmd.OutOrStdout()
		if res.WatchdogPID > 0 {
			fmt.Fprintf(out, "Watchdog stopped (pid %d)\n", res.WatchdogPID)
		}
		if res.EnginePID > 0 {
			fmt.Fprintf(out, "Engine stopped (pid %d)\n", res.EnginePID)
		}
		if err == nil && res.WatchdogPID == 0 && res.EnginePID == 0 {
			fmt.Fprintln(out, "Nothing was running")
		}
		return err
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the engine",
	Long:  `Stop the engine and start it again. The watchdog is left running.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd.ErrOrStderr(), "[supervisor] ")
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.sup.Restart(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Engine restarted (pid %d)\n", res.PID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd)
}

package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andywolf/cyclewarden/internal/lock"
	"github.com/andywolf/cyclewarden/internal/watchdog"
)

var runCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the cycle engine in the foreground",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), os.Stdout, "[supervisor] ")
		if err != nil {
			return err
		}
		defer a.close()

		err = a.sup.RunEngine(cmd.Context())
		if errors.Is(err, lock.ErrHeld) {
			a.logger.Printf("Engine not started: %v", err)
			return nil
		}
		return err
	},
}

var watchdogCmd = &cobra.Command{
	Use:    "watchdog",
	Short:  "Watchdog daemon commands",
	Hidden: true,
}

var watchdogRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the watchdog daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, os.Stdout, "[supervisor] ")
		if err != nil {
			return err
		}
		defer a.close()

		err = a.sup.RunWatchdog(ctx)
		if errors.Is(err, watchdog.ErrAlreadyRunning) {
			a.logger.Printf("Watchdog not started: %v", err)
			return nil
		}
		return err
	},
}

func init() {
	watchdogCmd.AddCommand(watchdogRunCmd)
	rootCmd.AddCommand(runCmd, watchdogCmd)
}

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/andywolf/cyclewarden/internal/config"
	"github.com/andywolf/cyclewarden/internal/lessons"
	"github.com/andywolf/cyclewarden/internal/state"
)

var lessonsCmd = &cobra.Command{
	Use:   "lessons",
	Short: "Print recent failure lessons",
	Long: `Print the most recent failure lessons recorded by the engine, oldest
first. These are the notes fed back to the worker on later cycles.

Example:
  cyclewarden lessons -n 5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cwd, err := workingDir()
		if err != nil {
			return err
		}
		n, _ := cmd.Flags().GetInt("number")
		if n <= 0 {
			return fmt.Errorf("-n must be positive")
		}

		layout := state.NewLayout(cfg.StateDir, cwd)
		recent, err := lessons.NewStore(layout.Lessons(), cfg.Lessons.MaxEntries).ReadRecent(n)
		if err != nil {
			return err
		}
		printLessons(cmd.OutOrStdout(), recent)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lessonsCmd)

	lessonsCmd.Flags().IntP("number", "n", 10, "Number of lessons to show")
}

func printLessons(w io.Writer, recent []lessons.Lesson) {
	if len(recent) == 0 {
		fmt.Fprintln(w, "No lessons recorded.")
		return
	}
	for _, l := range recent {
		fmt.Fprintf(w, "[%s] cycle %s: %s\n", l.At.UTC().Format(time.RFC3339), l.Cycle, l.Reason)
		for _, line := range strings.Split(strings.TrimRight(l.Details, "\n"), "\n") {
			if line == "" {
				continue
			}
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/andywolf/cyclewarden/internal/config"
)

const defaultConfigName = ".cyclewarden.yaml"

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize project configuration",
	Long: `Create a .cyclewarden.yaml with every default filled in.

Example:
  cyclewarden init
  cyclewarden init --worker "./scripts/cycle.sh" --sync-path docs --sync-path data`,
	Args: cobra.NoArgs,
	RunE: initProject,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("worker", "", "Worker command (split on spaces)")
	initCmd.Flags().StringSlice("sync-path", nil, "Path to commit and push after each successful cycle (repeatable)")
	initCmd.Flags().StringSlice("locale", nil, "Notification locales, e.g. en,zh")
	initCmd.Flags().Bool("force", false, "Overwrite existing config")
}

func initProject(cmd *cobra.Command, args []string) error {
	cwd, err := workingDir()
	if err != nil {
		return err
	}
	path := filepath.Join(cwd, defaultConfigName)

	force, _ := cmd.Flags().GetBool("force")
	worker, _ := cmd.Flags().GetString("worker")
	syncPaths, _ := cmd.Flags().GetStringSlice("sync-path")
	locales, _ := cmd.Flags().GetStringSlice("locale")

	cfg := &config.Config{}
	cfg.Worker.Command = strings.Fields(worker)
	cfg.Sync.Paths = syncPaths
	cfg.Notify.Locales = locales
	config.ApplyDefaults(cfg)

	if err := writeConfig(path, cfg, force); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created %s\n\n", path)
	fmt.Fprintln(out, "Next steps:")
	if len(cfg.Worker.Command) == 0 {
		fmt.Fprintln(out, "  1. Set worker.command to the program that performs one cycle")
	} else {
		fmt.Fprintln(out, "  1. Review worker.command and the timeouts")
	}
	fmt.Fprintln(out, "  2. Add notification channels under notify.channels")
	fmt.Fprintln(out, "  3. Run 'cyclewarden start'")
	return nil
}

// writeConfig renders cfg as YAML at path, refusing to overwrite unless force.
func writeConfig(path string, cfg *config.Config, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# cyclewarden configuration
# Durations use Go syntax (30s, 5m, 2h). Every key can be overridden with
# an environment variable, e.g. CYCLEWARDEN_CYCLE_INTERVAL=10m.

`
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func workingDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/orca/internal/config"
	"github.com/iambrandonn/orca/internal/workspace"
)

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Long: `Write a default configuration file (orca.yaml unless a path is given) and
create the state directory it points at. Secrets are never written; set
ANTHROPIC_API_KEY and, for private repositories, GITHUB_TOKEN instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "orca.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			force, _ := cmd.Flags().GetBool("force")
			stateDir, _ := cmd.Flags().GetString("state-dir")

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := config.GenerateDefault()
			if stateDir != "" {
				cfg.StateDir = stateDir
			}
			if err := cfg.SaveToFile(path); err != nil {
				return err
			}
			if _, err := workspace.Initialize(cfg.StateDir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (state in %s)\n", path, cfg.StateDir)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing file")
	cmd.Flags().String("state-dir", "", "State directory to record in the file")
	return cmd
}

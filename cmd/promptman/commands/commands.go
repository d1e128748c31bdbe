package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/promptman/promptman/internal/config"
	"github.com/promptman/promptman/internal/platform/logger"
)

// NewRootCommand creates the promptman command tree.
func NewRootCommand() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:          "promptman",
		Short:        "Turn codebases, repositories and websites into LLM-ready Markdown",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file to load")

	load := func() (config.Config, error) {
		cfg, err := config.Load(envFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
		if err := logger.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat); err != nil {
			return config.Config{}, err
		}
		return cfg, nil
	}

	cmd.AddCommand(
		NewServeCommand(load),
		NewSweepCommand(load),
	)
	return cmd
}

type loader func() (config.Config, error)

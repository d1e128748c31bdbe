package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the sweep command, a single retention pass.
func NewSweepCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Evict expired jobs and reclaim storage once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			c, err := openComponents(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			rep, err := c.sweeper.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered=%d evicted=%d orphans=%d usage=%d\n",
				rep.Recovered, rep.Evicted, rep.Orphans, rep.Usage)
			return nil
		},
	}
}

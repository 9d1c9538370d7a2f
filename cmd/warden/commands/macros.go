package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/macro"
)

func newMacrosCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macros",
		Short: "List installed macros",
		Long:  `List the macros found in the configured macro directory.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store, err := macro.NewStore(cfg.Macros.Dir, log.Logger)
			if err != nil {
				return fmt.Errorf("failed to load macro directory: %w", err)
			}

			names := store.List()
			if len(names) == 0 {
				fmt.Printf("No macros found in %s\n", cfg.Macros.Dir)
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
	return cmd
}

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/pkg/macro"
)

func newLintCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint <file>...",
		Short: "Check macro files for syntax errors",
		Long: `Compile macro files without running them and report syntax errors.

Lint never executes script code, so it is safe to run on untrusted
macros before installing them.`,
		Example: `  # Lint one macro
  warden lint macros/backup.star

  # Lint everything in a directory
  warden lint macros/*.star`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				source, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}

				name := filepath.Base(path)
				if err := macro.CheckSource(name, string(source)); err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
					continue
				}
				log.Debug().Str("file", path).Msg("Macro compiled cleanly")
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d macro(s) failed to compile", failed, len(args))
			}
			fmt.Printf("All %d macro(s) compiled cleanly\n", len(args))
			return nil
		},
	}
	return cmd
}

package main

import (
	"github.com/spf13/cobra"
)

// newDownloadCmd builds the subcommand that fetches the SNLI corpus.
func newDownloadCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download and extract the SNLI corpus",
		Long: `Download fetches the official SNLI 1.0 archive (about 100 MB) and
extracts the train/dev/test splits. Both steps are idempotent: re-running
skips anything already on disk, so an interrupted download can simply be
retried.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var o Overrides
			if cmd.Flags().Changed("data-dir") {
				o.DataDir = &dataDir
			}

			cfg, logger, err := setup(o)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return DownloadSNLI(cfg.DataDir, logger)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the corpus (default from config)")

	return cmd
}

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlkit/internal/config"
)

func newDownloadCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download [url...]",
		Short: "Download files with resume support",
		Long: `Downloads each URL into download.dir. Partial ".tmp" files left by an
interrupted run are resumed with HTTP range requests. URLs given as
arguments are added to download.urls.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var urls []string
			return withApp(cmd, func(cfg *config.Config) {
				if dir != "" {
					cfg.Download.Dir = dir
				}
				urls = append(append(urls, cfg.Download.URLs...), args...)
			}, func(ctx context.Context, r Runner) error {
				if len(urls) == 0 {
					return errors.New("no urls to download; pass them as arguments or set download.urls")
				}
				if err := r.Download(ctx, urls); err != nil {
					return fmt.Errorf("run download: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "target directory (overrides download.dir)")
	return cmd
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlkit/internal/config"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl [seed-url...]",
		Short: "Crawl the configured seed pages",
		Long: `Fetches every seed page, following rel="next" pagination up to
crawler.max_pages, and stores one item per page through the configured
storage backend. Seed URLs given as arguments replace crawler.seeds.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(cfg *config.Config) {
				if len(args) > 0 {
					cfg.Crawler.Seeds = args
				}
			}, func(ctx context.Context, r Runner) error {
				if err := r.Crawl(ctx); err != nil {
					return fmt.Errorf("run crawl: %w", err)
				}
				return nil
			})
		},
	}
}

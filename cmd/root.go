// Package cmd defines the crawlkit command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlkit/internal/app"
	"github.com/JakeFAU/crawlkit/internal/config"
	"github.com/JakeFAU/crawlkit/internal/logging"
)

// Runner is the application surface the commands drive.
type Runner interface {
	Crawl(ctx context.Context) error
	Download(ctx context.Context, urls []string) error
	Close(ctx context.Context) error
}

// newApp is a variable so tests can swap in a fake Runner.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.Build(ctx, cfg, logger)
}

type sessionKey struct{}

// session carries what the root command resolved for its subcommands.
type session struct {
	cfg    config.Config
	logger *zap.Logger
}

type rootOptions struct {
	configFile string
	logLevel   string
	serve      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "crawlkit",
		Short: "A pausable, resumable crawling and download engine.",
		Long: `crawlkit runs bounded-concurrency crawls with retries, bloom-filter
dedup and batched storage, and downloads large files in resumable chunks.
Both runs can be paused, resumed and stopped through an optional control API.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("serve") {
				cfg.Server.Enabled = opts.serve
			}
			level := cfg.Logging.Level
			if opts.logLevel != "" {
				level = opts.logLevel
			}
			logger, err := logging.New(cfg.Logging.Development, level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), sessionKey{}, &session{cfg: cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML); CRAWLKIT_* env vars override it")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.serve, "serve", false, "serve the control API while running")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newDownloadCmd())
	return cmd
}

func sessionFrom(ctx context.Context) (*session, error) {
	s, ok := ctx.Value(sessionKey{}).(*session)
	if !ok || s == nil {
		return nil, errors.New("configuration not loaded")
	}
	return s, nil
}

// withApp builds a Runner from the session, after mutate has adjusted the
// config, and closes it once fn returns.
func withApp(cmd *cobra.Command, mutate func(*config.Config), fn func(context.Context, Runner) error) error {
	s, err := sessionFrom(cmd.Context())
	if err != nil {
		return err
	}
	cfg := s.cfg
	if mutate != nil {
		mutate(&cfg)
	}
	ctx := cmd.Context()
	runner, err := newApp(ctx, cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := runner.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.Warn("close failed", zap.Error(cerr))
		}
	}()

	err = fn(ctx, runner)
	if errors.Is(err, context.Canceled) {
		s.logger.Info("interrupted; partial work is kept for the next run")
		return nil
	}
	return err
}

// Execute runs the root command until it finishes or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// Package cmd defines the CLI commands of the branch-harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/app"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/config"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/dispatcher"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/logging"
)

// Harvester is the part of the application container commands drive. Tests
// substitute a fake through deps.
type Harvester interface {
	Run(ctx context.Context) (dispatcher.Summary, error)
	Close(ctx context.Context) error
}

// deps holds the factories commands use, so tests can inject fakes.
type deps struct {
	newHarvester func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Harvester, error)
	newLogger    func(cfg config.Config) (*zap.Logger, error)
}

func defaultDeps() deps {
	return deps{
		newHarvester: func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Harvester, error) {
			return app.New(ctx, cfg, logger, app.Options{})
		},
		newLogger: func(cfg config.Config) (*zap.Logger, error) {
			return logging.New(cfg.Logging.Development, cfg.Logging.Level)
		},
	}
}

// rootOptions carries the persistent flags and the shared viper instance.
type rootOptions struct {
	cfgFile string
	envFile string
	v       *viper.Viper
	deps    deps
}

// newRootCmd creates and configures the root command.
func newRootCmd(d deps) *cobra.Command {
	opts := &rootOptions{v: config.NewViper(), deps: d}
	cmd := &cobra.Command{
		Use:   "branch-harvester",
		Short: "Harvest every branch and its tip commit from a Bitbucket Server instance.",
		Long: `branch-harvester walks the projects listed in a key file, enumerates every
repository and branch through the Bitbucket Server REST API and writes one row
per branch with its latest commit to NDJSON and CSV. Completed repositories are
recorded in a resume log so an interrupted harvest picks up where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before any subcommand: .env first so its values reach viper.
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.envFile == "" {
				return nil
			}
			if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", opts.envFile, err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config; missing is fine")

	cmd.AddCommand(newHarvestCmd(opts))
	cmd.AddCommand(newResumeCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(defaultDeps()).Execute(); err != nil {
		logger, lerr := logging.New(false, "")
		if lerr != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		logger.Fatal("command execution failed", zap.Error(err))
	}
}

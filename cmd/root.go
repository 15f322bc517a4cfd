package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/BWLKyh/gulp-cli-automation/pkg"
	"github.com/BWLKyh/gulp-cli-automation/pkg/buildsys"
	"github.com/BWLKyh/gulp-cli-automation/pkg/config"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pagelog"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
	"github.com/BWLKyh/gulp-cli-automation/pkg/project"
	"github.com/BWLKyh/gulp-cli-automation/pkg/stages"
)

var rootCmd = &cobra.Command{
	Use:   "pages",
	Short: "Build tool for static sites",
	Long: `This command compiles the stylesheets, scripts and page templates of a static site,
bundles and minifies them for production and serves them with live reload during development.

The project root is the closest directory containing pages.config.toml, pages.config.star,
package.json or .git.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "explicit config file (.toml or .star)")
	flags.BoolP("force", "f", false, "ignore the build cache and run every task")
	flags.IntP("workers", "j", 0, "maximum number of tasks running in parallel (default: config or number of CPUs)")
	flags.Bool("verbose", false, "print debug messages")
}

// Execute runs the CLI
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

// session bundles everything a command needs to run tasks
type session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      *config.Config
	graph    *buildsys.Graph
	registry *pipeline.Registry
	cache    *buildsys.Cache
	force    bool
	quiet    bool
}

// newSession loads the configuration and prepares logging. The returned context is cancelled on SIGINT and
// SIGTERM.
func newSession(cmd *cobra.Command) (*session, error) {
	flags := cmd.Flags()
	configFile, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	force, err := flags.GetBool("force")
	if err != nil {
		return nil, err
	}
	workers, err := flags.GetInt("workers")
	if err != nil {
		return nil, err
	}
	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return nil, err
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, eris.Wrap(err, "failed to retrieve the current working directory")
	}

	root := wd
	if configFile != "" {
		configFile, err = filepath.Abs(configFile)
		if err != nil {
			return nil, eris.Wrap(err, "failed to resolve the config path")
		}
		root = filepath.Dir(configFile)
	} else if found, err := pkg.FindProjectRoot(wd); err == nil {
		root = found
	}

	logger := zerolog.New(NewConsoleWriter(os.Stderr, root)).Level(zerolog.InfoLevel)
	if verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}
	ctx := pagelog.WithLogger(context.Background(), &logger)

	cfg, err := config.Load(ctx, config.LoadOptions{
		Root: root,
		File: configFile,
		Overrides: func(cfg *config.Config) {
			if workers > 0 {
				cfg.Workers = workers
			}
			if verbose {
				cfg.Log.Level = "debug"
			}
		},
	})
	if err != nil {
		return nil, err
	}

	if cfg.Log.JSON {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	logger = logger.Level(cfg.LogLevel())
	log.Logger = logger
	ctx = pagelog.WithLogger(ctx, &logger)

	graph, err := project.NewGraph(cfg)
	if err != nil {
		return nil, err
	}

	registry, err := stages.NewRegistry()
	if err != nil {
		return nil, err
	}

	cache, err := buildsys.OpenCache(cfg.Path(cfg.CacheFile))
	if err != nil {
		return nil, err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return &session{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		graph:    graph,
		registry: registry,
		cache:    cache,
		force:    force,
		quiet:    cfg.Log.JSON || verbose,
	}, nil
}

func (s *session) scheduler(opts buildsys.Options) *buildsys.Scheduler {
	opts.Cache = s.cache
	opts.Force = s.force
	return buildsys.NewScheduler(s.cfg, s.graph, s.registry, opts)
}

func (s *session) Close() {
	s.cancel()
	if err := s.cache.Close(); err != nil {
		pagelog.Log(s.ctx).Warn().Err(err).Msg("Failed to close the build cache")
	}
}

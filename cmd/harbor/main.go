// harbor is the command-line front end of the harbor object gateway.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/evharbor/harbor/internal/backing"
	"github.com/evharbor/harbor/internal/config"
	"github.com/evharbor/harbor/internal/gateway"
	"github.com/evharbor/harbor/internal/logging/audit"
	"github.com/evharbor/harbor/internal/meta"
	"github.com/evharbor/harbor/internal/metrics"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile     string
	logLevel    string
	identity    string
	metricsFile string
)

// Metrics register once per process; tests run many commands in one binary.
var (
	gatewayMetrics = sync.OnceValue(func() *gateway.Metrics {
		return gateway.NewMetrics(metrics.Registry)
	})
	storeMetricsOnce sync.Once
	storeMetrics     *metrics.StoreMetrics
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "harbor",
		Short: "harbor - bucketed object storage gateway",
		Long: `harbor stores objects in buckets with a directory namespace, chunked
uploads, ranged reads and share links.

QUICK START:

  harbor bucket create photos
  harbor mkdir photos 2024
  harbor put photos 2024/beach.jpg ./beach.jpg
  harbor ls photos 2024
  harbor share photos 2024/beach.jpg --days 7 --random-password

For more help on any command, use: harbor <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if metricsFile == "" {
				return nil
			}
			return metrics.WriteTextfile(metrics.Registry, metricsFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVarP(&identity, "identity", "u", defaultIdentity(), "identity the request is made as")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(newBucketCmd())
	for _, c := range newObjectCmds() {
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(newShareCmd())
	rootCmd.AddCommand(newSharedCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newClusterCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "harbor %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	})

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func defaultIdentity() string {
	if id := os.Getenv("HARBOR_IDENTITY"); id != "" {
		return id
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// env is everything a command needs to talk to the gateway.
type env struct {
	cfg  *config.Config
	svc  *gateway.Service
	meta *meta.Store
}

func (e *env) Close() {
	if err := e.meta.Close(); err != nil {
		log.Warn().Err(err).Msg("close metadata store")
	}
}

// loadConfig reads --config, or the defaults when no file is given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadConfig(cfgFile); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	// An explicit --log-level wins over the file.
	if !cmd.Flags().Changed("log-level") {
		config.ApplyLogLevel(cfg.LogLevel)
	}
	return cfg, nil
}

func openEnv(cmd *cobra.Command) (*env, error) {
	if identity == "" {
		return nil, errors.New("no identity: pass --identity or set HARBOR_IDENTITY")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	secret, err := config.EnsureSecret(cfg.Share.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("load share secret: %w", err)
	}

	ms, err := meta.Open(cfg.Metadata.Path, config.Duration(cfg.Metadata.BusyTimeout, 5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	store, err := backing.NewFSStore(cfg.Backing.Dir)
	if err != nil {
		_ = ms.Close()
		return nil, fmt.Errorf("open backing store: %w", err)
	}

	opts := gateway.OptionsFromConfig(cfg, secret)
	opts.Metrics = gatewayMetrics()
	opts.Audit = audit.NewLogger(log.Logger)

	svc, err := gateway.New(ms, store, opts)
	if err != nil {
		_ = ms.Close()
		return nil, err
	}

	storeMetricsOnce.Do(func() {
		storeMetrics = metrics.InitMetrics(Version, cfg.Backing.ClusterName)
	})

	log.Debug().
		Str("metadata", cfg.Metadata.Path).
		Str("backing", cfg.Backing.Dir).
		Str("identity", identity).
		Msg("gateway ready")

	return &env{cfg: cfg, svc: svc, meta: ms}, nil
}

// withEnv adapts a command body that needs an open gateway to cobra's RunE.
func withEnv(fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(cmd, e, args)
	}
}

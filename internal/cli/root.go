package cli

import (
	"github.com/spf13/cobra"

	"github.com/harun/toolrun/internal/config"
	"github.com/harun/toolrun/internal/logger"
	"github.com/harun/toolrun/internal/metrics"
	"github.com/harun/toolrun/pkg/builtin"
	"github.com/harun/toolrun/pkg/engine"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "toolrun",
	Short: "Toolrun - agent tool execution engine",
	Long: `Toolrun is the execution core of an AI coding agent: it registers
schema-described tools, arbitrates permissions by risk level, and runs tool
calls under timeout, retry, and cancellation control.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.toolrun/toolrun.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// setup loads configuration, installs logging, and builds an engine with
// metrics attached and the built-in tool set registered.
func setup() (*config.Config, *engine.Engine, *metrics.Metrics, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	lg.Install()

	m := metrics.NewMetrics()
	opts := cfg.EngineOptions()
	opts.Metrics = m
	if cfg.Engine.RegisterBuiltins {
		opts.Builtins = builtin.All()
	}

	eng := engine.New(opts)
	if err := eng.Initialize(); err != nil {
		return nil, nil, nil, err
	}
	return cfg, eng, m, nil
}

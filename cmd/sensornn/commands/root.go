package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haivivi/sensornn/pkg/nn"
)

var (
	// Global flags
	verbose      bool
	configPath   string
	formatOutput string
	outputFile   string
	strategy     string
	weightsURL   string
	flashDB      string
	metricsAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "sensornn",
	Short: "Host-side driver for the acoustic classifier core",
	Long: `sensornn - run the bird-call classifier core on a workstation.

The core pages model tensors between a small RAM cache and an emulated
NOR-flash backing store, exactly as the recorder firmware does. This CLI
feeds it raw PCM, benchmarks it, and reports its memory layout.

Configuration is read from a YAML file (--config). Unset fields take the
defaults of the deployed sensor.

Examples:
  # Classify two recordings, logging decisions to a badger database
  sensornn run --log ./decisions a.raw b.raw

  # Benchmark the direct-memory strategy
  sensornn bench --strategy direct

  # Use exported weights from S3
  sensornn info --weights s3://models/sensornn/v3`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	pf.StringVar(&formatOutput, "format", "table", "output format: table, yaml or json")
	pf.StringVarP(&outputFile, "output", "o", "", "write results to a file instead of stdout")
	pf.StringVar(&strategy, "strategy", "", "override the arena strategy: virtual or direct")
	pf.StringVar(&weightsURL, "weights", "", "weight source: a directory or s3://bucket/prefix")
	pf.StringVar(&flashDB, "flash-db", "", "persist the emulated flash in a badger database at this directory")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

// newLogger returns the CLI logger: warnings and errors on stderr, plus
// debug output in verbose mode.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads --config and applies flag overrides.
func loadConfig() (nn.Config, error) {
	cfg, err := nn.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if strategy != "" {
		cfg.Arena.Strategy = strategy
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Package cli implements the fern command line.
package cli

import (
	"fmt"
	"os"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/report"
)

// Version is the fern release.
const Version = "0.1.0"

// flagKeys binds command flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"status-addr":  "status.addr",
	"incremental":  "resolution.incremental",
	"no-fallback":  "resolution.no_fallback",
	"store":        "resolution.store",
	"rules":        "inference.rules",
	"rules-file":   "inference.rules_file",
	"threshold":    "inference.confidence_threshold",
	"rule-limit":   "inference.rule_limit",
	"kafka":        "kafka.enabled",
	"enrichment":   "enrichment.enabled",
	"cache":        "enrichment.cache_backend",
	"telemetry":    "telemetry.enabled",
	"pretty-logs":  "log.pretty",
	"migrate":      "database.migrate_on_start",
}

// CLI carries state shared by every command of one invocation.
type CLI struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
	logger     ectologger.Logger
	syncLogger func() error
	exitCode   int
}

// New creates a CLI with a fresh viper instance.
func New() *CLI {
	return &CLI{v: viper.New()}
}

// Execute runs fern with os.Args and returns the process exit status.
func Execute() int {
	c := New()
	cmd := c.Command()
	err := cmd.Execute()
	if c.syncLogger != nil {
		_ = c.syncLogger()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fern:", err)
		return report.ExitFatal
	}
	return c.exitCode
}

// Command builds the root command tree.
func (c *CLI) Command() *cobra.Command {
	root := &cobra.Command{
		Use:           "fern",
		Short:         "Entity identity resolution and graph inference",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "configuration file (yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	root.PersistentFlags().Bool("pretty-logs", false, "human readable logs")

	root.AddCommand(
		c.batchCommand(commandResolve),
		c.batchCommand(commandInfer),
		c.batchCommand(commandRun),
		c.migrateCommand(),
		c.rulesCommand(),
	)
	return root
}

// load binds the executing command's flags, reads configuration and builds
// the logger.
func (c *CLI) load(cmd *cobra.Command) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := c.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err := config.Load(c.v, c.configFile)
	if err != nil {
		return err
	}
	logger, sync, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	c.syncLogger = sync
	return nil
}

func newLogger(cfg config.LogConfig) (ectologger.Logger, func() error, error) {
	zc := zap.NewProductionConfig()
	if cfg.Pretty {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}

	z, err := zc.Build()
	if err != nil {
		return nil, nil, err
	}
	return zapadapter.NewZapEctoLogger(z, nil), z.Sync, nil
}

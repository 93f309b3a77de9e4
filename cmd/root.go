// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the corrstate operator CLI: bringing the shared
// tables up, inspecting and exporting their contents, serving their fill
// state to Prometheus, and removing them.
//
// Settings resolve in this order, later sources winning: built-in defaults,
// the HCL file named by --config, CORRSTATE_* environment variables (also
// read from .env and .env.local), then command-line flags.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"grimm.is/corrstate/internal/config"
	"grimm.is/corrstate/internal/errors"
	"grimm.is/corrstate/internal/ipc"
	"grimm.is/corrstate/internal/logging"
)

// Version is set at build time.
var Version = "dev"

// EnvPrefix prefixes every environment variable the CLI reads.
const EnvPrefix = "corrstate"

// limitKeys maps the capacity flags to their tables.
var limitKeys = []struct {
	key string
	id  ipc.TableID
}{
	{"max-flowbits", ipc.TableFlowbit},
	{"max-threshold-by-src", ipc.TableThreshBySrc},
	{"max-threshold-by-dst", ipc.TableThreshByDst},
	{"max-threshold-by-username", ipc.TableThreshByUsername},
	{"max-after-by-src", ipc.TableAfterBySrc},
	{"max-after-by-dst", ipc.TableAfterByDst},
	{"max-after-by-username", ipc.TableAfterByUsername},
}

// cli carries the state shared by every subcommand of one root command.
type cli struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *logging.Logger
}

// NewRootCommand builds the full command tree with its own settings store.
func NewRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "corrstate",
		Short: "shared correlation state tables",
		Long: fmt.Sprintf(`corrstate (%s)

Manages the memory-mapped tables that cooperating correlation engine
processes use to share flowbits and threshold/after rate counters.
Environment variables use the form CORRSTATE_<flag> (e.g. CORRSTATE_DIR).`, Version),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "HCL configuration file")
	flags.String("dir", "", "shared storage directory (default "+config.DefaultDirectory+")")
	flags.Bool("debug-ipc", false, "dump every non-empty table after bring-up")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
	for _, l := range limitKeys {
		flags.Int(l.key, 0, "capacity of the "+l.id.String()+" table")
	}

	root.AddCommand(
		c.initCommand(),
		c.dumpCommand(),
		c.cleanCommand(),
		c.exportCommand(),
		c.metricsCommand(),
		versionCommand(),
	)
	return root
}

// setup resolves configuration and the logger before any subcommand runs.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	c.v.SetEnvPrefix(EnvPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	if err := c.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	c.cfg = cfg

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	lc.Output = cmd.ErrOrStderr()
	c.logger = logging.New(lc)
	logging.SetDefault(c.logger)
	return nil
}

// loadConfig layers the file, environment and flags over the defaults.
func (c *cli) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := c.v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.v.IsSet("dir") {
		cfg.IPC.Directory = c.v.GetString("dir")
	}
	if c.v.IsSet("debug-ipc") {
		cfg.Debug.IPC = c.v.GetBool("debug-ipc")
	}
	if c.v.IsSet("log-level") {
		cfg.Logging.Level = c.v.GetString("log-level")
	}
	if c.v.IsSet("log-format") {
		cfg.Logging.Format = c.v.GetString("log-format")
	}
	for _, l := range limitKeys {
		if c.v.IsSet(l.key) {
			setLimit(&cfg.IPC.Limits, l.id, c.v.GetInt(l.key))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setLimit(lim *ipc.Limits, id ipc.TableID, n int) {
	switch id {
	case ipc.TableFlowbit:
		lim.Flowbits = n
	case ipc.TableThreshBySrc:
		lim.ThreshBySrc = n
	case ipc.TableThreshByDst:
		lim.ThreshByDst = n
	case ipc.TableThreshByUsername:
		lim.ThreshByUsername = n
	case ipc.TableAfterBySrc:
		lim.AfterBySrc = n
	case ipc.TableAfterByDst:
		lim.AfterByDst = n
	case ipc.TableAfterByUsername:
		lim.AfterByUsername = n
	}
}

// openRegistry brings the tables up with the resolved configuration.
func (c *cli) openRegistry() (*ipc.Registry, error) {
	return ipc.Open(c.cfg.RegistryOptions(c.logger.WithComponent("ipc")))
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of corrstate",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "corrstate %s\n", Version)
		},
	}
}

// Execute runs the CLI with os.Args and exits non-zero on error. Errors of a
// fatal kind are reported as such so init scripts can tell them apart.
func Execute() {
	os.Exit(run(NewRootCommand(), os.Args[1:], os.Stderr))
}

func run(root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		logger := logging.New(logging.Config{Level: logging.LevelError, Output: stderr})
		attrs := []any{"error", err, "kind", errors.GetKind(err).String()}
		for k, v := range errors.GetAttributes(err) {
			attrs = append(attrs, k, v)
		}
		if errors.IsFatal(err) {
			logger.Error("Shared state unusable, aborting", attrs...)
		} else {
			logger.Error("Command failed", attrs...)
		}
		return 1
	}
	return 0
}

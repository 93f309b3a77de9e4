// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config holds the runtime configuration of the shared-state tables:
// where the backing files live, how many records each table holds, and how
// the process logs and exports metrics.
package config

import (
	"grimm.is/corrstate/internal/errors"
	"grimm.is/corrstate/internal/ipc"
	"grimm.is/corrstate/internal/logging"
)

// Defaults used when a value is missing from every source.
const (
	DefaultDirectory     = "/var/run/corrstate"
	DefaultCapacity      = 10000
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultMetricsListen = "127.0.0.1:9420"
)

// Config is the resolved configuration.
type Config struct {
	IPC     IPC
	Debug   Debug
	Logging Logging
	Metrics Metrics
}

// IPC locates the shared tables and sizes them.
type IPC struct {
	// Directory holding the backing files. It must exist and be shared by
	// every cooperating process.
	// @default: "/var/run/corrstate"
	Directory string

	// Per-table record capacities.
	// @default: 10000 each
	Limits ipc.Limits
}

// Debug toggles diagnostic output.
type Debug struct {
	// IPC dumps every non-empty table after bring-up.
	// @default: false
	IPC bool
}

// Logging controls the process logger.
type Logging struct {
	// @enum: debug, info, warn, error
	// @default: "info"
	Level string
	// @enum: text, json
	// @default: "text"
	Format string
}

// Metrics configures the Prometheus endpoint served by `corrstate metrics`.
type Metrics struct {
	// @default: "127.0.0.1:9420"
	Listen string
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	return &Config{
		IPC: IPC{
			Directory: DefaultDirectory,
			Limits: ipc.Limits{
				Flowbits:         DefaultCapacity,
				ThreshBySrc:      DefaultCapacity,
				ThreshByDst:      DefaultCapacity,
				ThreshByUsername: DefaultCapacity,
				AfterBySrc:       DefaultCapacity,
				AfterByDst:       DefaultCapacity,
				AfterByUsername:  DefaultCapacity,
			},
		},
		Logging: Logging{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Metrics: Metrics{Listen: DefaultMetricsListen},
	}
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error
	if c.IPC.Directory == "" {
		errs = append(errs, errors.New(errors.KindValidation, "ipc.directory must not be empty"))
	}
	for _, id := range ipc.AllTables()[1:] {
		if n := c.IPC.Limits.Of(id); n <= 0 {
			errs = append(errs, errors.Attr(
				errors.Errorf(errors.KindValidation, "ipc.%s must be positive, got %d", limitAttr(id), n),
				"table", id.String()))
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, errors.Wrap(err, errors.KindValidation, "logging.level"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, errors.Errorf(errors.KindValidation, "logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// RegistryOptions converts c into the options for ipc.Open.
func (c *Config) RegistryOptions(logger *logging.Logger) ipc.Options {
	return ipc.Options{
		Dir:    c.IPC.Directory,
		Limits: c.IPC.Limits,
		Debug:  c.Debug.IPC,
		Logger: logger,
	}
}

// LoggerConfig converts the logging block into a logging.Config. Output is
// left to the caller.
func (c *Config) LoggerConfig() (logging.Config, error) {
	lvl, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, errors.Wrap(err, errors.KindValidation, "logging.level")
	}
	cfg := logging.DefaultConfig()
	cfg.Level = lvl
	cfg.JSON = c.Logging.Format == "json"
	return cfg, nil
}

// limitAttr is the HCL attribute name of the capacity of id.
func limitAttr(id ipc.TableID) string {
	switch id {
	case ipc.TableFlowbit:
		return "max_flowbits"
	case ipc.TableThreshBySrc:
		return "max_threshold_by_src"
	case ipc.TableThreshByDst:
		return "max_threshold_by_dst"
	case ipc.TableThreshByUsername:
		return "max_threshold_by_username"
	case ipc.TableAfterBySrc:
		return "max_after_by_src"
	case ipc.TableAfterByDst:
		return "max_after_by_dst"
	case ipc.TableAfterByUsername:
		return "max_after_by_username"
	}
	return id.String()
}

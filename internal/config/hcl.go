// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"grimm.is/corrstate/internal/errors"
)

// fileConfig is the HCL shape. Every attribute is optional and left nil when
// absent so Default() values survive.
type fileConfig struct {
	IPC     *ipcBlock     `hcl:"ipc,block"`
	Debug   *debugBlock   `hcl:"debug,block"`
	Logging *loggingBlock `hcl:"logging,block"`
	Metrics *metricsBlock `hcl:"metrics,block"`
}

type ipcBlock struct {
	Directory              *string `hcl:"directory,optional"`
	MaxFlowbits            *int    `hcl:"max_flowbits,optional"`
	MaxThresholdBySrc      *int    `hcl:"max_threshold_by_src,optional"`
	MaxThresholdByDst      *int    `hcl:"max_threshold_by_dst,optional"`
	MaxThresholdByUsername *int    `hcl:"max_threshold_by_username,optional"`
	MaxAfterBySrc          *int    `hcl:"max_after_by_src,optional"`
	MaxAfterByDst          *int    `hcl:"max_after_by_dst,optional"`
	MaxAfterByUsername     *int    `hcl:"max_after_by_username,optional"`
}

type debugBlock struct {
	IPC *bool `hcl:"ipc,optional"`
}

type loggingBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

type metricsBlock struct {
	Listen *string `hcl:"listen,optional"`
}

// EnvFunc is the env(name, [default]) function available in config files.
// It returns the value of the environment variable, or the default (empty
// when not given) if the variable is unset.
var EnvFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	VarParam: &function.Parameter{Name: "default", Type: cty.String},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		if len(args) > 2 {
			return cty.NilVal, function.NewArgErrorf(2, "env takes at most one default")
		}
		if v, ok := os.LookupEnv(args[0].AsString()); ok {
			return cty.StringVal(v), nil
		}
		if len(args) == 2 {
			return args[1], nil
		}
		return cty.StringVal(""), nil
	},
})

func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": EnvFunc,
		},
	}
}

// Load reads the HCL file at path over Default() and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindValidation, "failed to read config file"), "path", path)
	}
	return Parse(path, data)
}

// Parse decodes HCL source over Default() and validates the result. Files
// without a .hcl or .json extension are parsed as HCL.
func Parse(filename string, data []byte) (*Config, error) {
	name := filename
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".hcl", ".json":
	default:
		name += ".hcl"
	}

	var fc fileConfig
	if err := hclsimple.Decode(name, data, evalContext(), &fc); err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindValidation, "failed to decode config"), "path", filename)
	}

	cfg := Default()
	fc.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) {
	if b := fc.IPC; b != nil {
		setString(&cfg.IPC.Directory, b.Directory)
		lim := &cfg.IPC.Limits
		setInt(&lim.Flowbits, b.MaxFlowbits)
		setInt(&lim.ThreshBySrc, b.MaxThresholdBySrc)
		setInt(&lim.ThreshByDst, b.MaxThresholdByDst)
		setInt(&lim.ThreshByUsername, b.MaxThresholdByUsername)
		setInt(&lim.AfterBySrc, b.MaxAfterBySrc)
		setInt(&lim.AfterByDst, b.MaxAfterByDst)
		setInt(&lim.AfterByUsername, b.MaxAfterByUsername)
	}
	if b := fc.Debug; b != nil && b.IPC != nil {
		cfg.Debug.IPC = *b.IPC
	}
	if b := fc.Logging; b != nil {
		setString(&cfg.Logging.Level, b.Level)
		setString(&cfg.Logging.Format, b.Format)
	}
	if b := fc.Metrics; b != nil {
		setString(&cfg.Metrics.Listen, b.Listen)
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

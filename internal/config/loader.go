package config

import (
	"os"
	"strings"
	"unicode/utf8"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/pfkit/internal/brand"
	"grimm.is/pfkit/internal/errors"
)

// LoadFile loads and validates an HCL config file, then applies environment
// overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "read config file")
	}
	return LoadHCL(data, path)
}

// LoadHCL decodes HCL bytes. filename is only used in diagnostics.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Errorf(errors.KindValidation, "HCL parse error: %s", diags.Error())
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, evalContext(), &cfg)
	if diags.HasErrors() {
		return nil, errors.Errorf(errors.KindValidation, "HCL decode error: %s", diags.Error())
	}

	version, err := ParseVersion(cfg.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if !IsSupportedVersion(version) {
		return nil, errors.Errorf(errors.KindValidation, "unsupported config schema version %s (supported: %v)",
			version, SupportedVersions)
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}

	cfg.ApplyEnv()
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Wrap(errs, errors.KindValidation, "invalid config")
	}
	return &cfg, nil
}

// evalContext exposes the process environment as env.NAME.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntax.ValidIdentifier(k) || !utf8.ValidString(v) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

// ApplyEnv overrides settings from PFKIT_DEVICE, PFKIT_LOG_LEVEL and
// PFKIT_JOURNAL when they are set.
func (c *Config) ApplyEnv() {
	if v := brand.Env("DEVICE"); v != "" {
		c.Device = v
	}
	if v := brand.Env("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := brand.Env("JOURNAL"); v != "" {
		c.Journal = v
	}
}

// Bytes renders the configuration back to canonical HCL.
func (c *Config) Bytes() []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(c, f.Body())
	return hclwrite.Format(f.Bytes())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/rules"
)

const sample = `
schema_version = "1.0"
device         = "/dev/pf"
log_level      = "debug"
journal        = "${env.PFKIT_TEST_STATE}/journal.db"
metrics_listen = ":9469"

anchor "tethering_nat" {
  kind = "nat"

  nat_rule {
    family    = "inet"
    interface = "bridge100"
    proto     = "tcp"
    from      = "172.20.10.0/24"
    nat_to    = "198.18.0.1"
    pass      = true
  }
}

anchor "guest" {
  kind   = "filter"
  create = false

  filter_rule {
    action     = "pass"
    direction  = "in"
    quick      = true
    interface  = "en0"
    proto      = "tcp"
    to         = "10.0.0.1"
    to_port    = "22"
    keep_state = true
  }

  filter_rule {
    action = "block"
    log    = true
  }
}
`

func TestLoadHCL(t *testing.T) {
	t.Setenv("PFKIT_TEST_STATE", "/var/db/pfkit")

	cfg, err := LoadHCL([]byte(sample), "pfkit.hcl")
	require.NoError(t, err)

	assert.Equal(t, "/dev/pf", cfg.Device)
	assert.Equal(t, "/var/db/pfkit/journal.db", cfg.Journal)
	require.Len(t, cfg.Anchors, 2)

	nat := cfg.Anchors[0]
	assert.True(t, nat.ShouldCreate())
	rs, err := nat.Ruleset()
	require.NoError(t, err)
	assert.Equal(t, codec.RulesetNat, rs)

	rs2, err := nat.Rules()
	require.NoError(t, err)
	require.Len(t, rs2, 1)
	rec := rs2[0].Record()
	assert.Equal(t, codec.ActionNat, rec.Action)
	assert.True(t, rec.NatPass)
	assert.Equal(t, "nat pass on bridge100 inet proto tcp from 172.20.10.0/24 to any -> 198.18.0.1", rules.Describe(rec))

	guest := cfg.Anchors[1]
	assert.False(t, guest.ShouldCreate())
	gr, err := guest.Rules()
	require.NoError(t, err)
	require.Len(t, gr, 2)
	assert.Equal(t, "block log all", rules.Describe(gr[1].Record()))
}

func TestLoadHCL_EnvOverrides(t *testing.T) {
	t.Setenv("PFKIT_TEST_STATE", "/tmp")
	t.Setenv("PFKIT_DEVICE", "/dev/pf-test")
	t.Setenv("PFKIT_LOG_LEVEL", "warn")

	cfg, err := LoadHCL([]byte(sample), "pfkit.hcl")
	require.NoError(t, err)
	assert.Equal(t, "/dev/pf-test", cfg.Device)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadHCL_Invalid(t *testing.T) {
	tests := []struct {
		name string
		hcl  string
	}{
		{"parse error", `anchor "x" {`},
		{"unknown attribute", `bogus = 1`},
		{"unsupported version", `schema_version = "2.0"`},
		{"bad kind", `anchor "a" { kind = "route" }`},
		{"bad log level", `log_level = "loud"`},
		{"filter rule in nat anchor", `anchor "a" {
  kind = "nat"
  filter_rule { action = "pass" }
}`},
		{"rdr rule in nat anchor", `anchor "a" {
  kind = "nat"
  nat_rule {
    action = "rdr"
    nat_to = "10.0.0.5"
  }
}`},
		{"nat without target", `anchor "a" {
  kind = "nat"
  nat_rule { from = "10.0.0.0/8" }
}`},
		{"bad address", `anchor "a" {
  kind = "filter"
  filter_rule { from = "10.0.0.0/33" }
}`},
		{"duplicate anchor", `anchor "a" { kind = "nat" }
anchor "a" { kind = "nat" }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tt.hcl), "test.hcl")
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pfkit.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`device = "/dev/pf"`), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, cfg.SchemaVersion)
	assert.Equal(t, 15*time.Second, cfg.Interval())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestConfig_Bytes(t *testing.T) {
	t.Setenv("PFKIT_TEST_STATE", "/var/db/pfkit")
	cfg, err := LoadHCL([]byte(sample), "pfkit.hcl")
	require.NoError(t, err)

	again, err := LoadHCL(cfg.Bytes(), "rendered.hcl")
	require.NoError(t, err)
	assert.Equal(t, cfg.Anchors, again.Anchors)
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input    string
		expected SchemaVersion
		wantErr  bool
	}{
		{"1.0", SchemaVersion{Major: 1, Minor: 0}, false},
		{"2.1", SchemaVersion{Major: 2, Minor: 1}, false},
		{"", SchemaVersion{Major: 1, Minor: 0}, false},
		{"1", SchemaVersion{}, true},
		{"1.0.0", SchemaVersion{}, true},
		{"a.b", SchemaVersion{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseVersion(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	assert.Equal(t, -1, SchemaVersion{1, 0}.Compare(SchemaVersion{1, 1}))
	assert.Equal(t, 1, SchemaVersion{2, 0}.Compare(SchemaVersion{1, 9}))
	assert.Equal(t, 0, SchemaVersion{1, 0}.Compare(SchemaVersion{1, 0}))
}

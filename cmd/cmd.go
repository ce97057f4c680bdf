// Package cmd implements the pfkit subcommands.
package cmd

import (
	"io"
	"os"

	"grimm.is/pfkit/internal/audit"
	"grimm.is/pfkit/internal/brand"
	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/config"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/i18n"
	"grimm.is/pfkit/internal/logging"
	"grimm.is/pfkit/internal/pf"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

// Globals are the flags accepted before the subcommand.
type Globals struct {
	// ConfigFile is the HCL config. Empty means the branded default, which
	// may be missing.
	ConfigFile string
	Simulate   bool

	// Stdout receives command output. Nil means os.Stdout.
	Stdout io.Writer
}

func (g Globals) out() io.Writer {
	if g.Stdout == nil {
		return os.Stdout
	}
	return g.Stdout
}

// loadConfig reads the configured file. Only a missing default file falls
// back to an empty config; a missing explicit file is an error.
func (g Globals) loadConfig() (*config.Config, error) {
	path := g.ConfigFile
	if path == "" {
		path = brand.ConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := &config.Config{SchemaVersion: config.CurrentSchemaVersion}
			cfg.ApplyEnv()
			return cfg, nil
		}
	}
	return config.LoadFile(path)
}

// session is one opened pf control session plus its journal.
type session struct {
	cfg     *config.Config
	logger  *logging.Logger
	journal *audit.Store
	ctl     *pf.PfCtl
}

func newLogger(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	logger := logging.New(logging.Config{Level: level, JSON: cfg.LogJSON})
	logging.SetDefault(logger)
	return logger
}

// open loads the config and opens the device it names.
func (g Globals) open() (*session, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return g.openWith(cfg)
}

func (g Globals) openWith(cfg *config.Config) (*session, error) {
	s := &session{cfg: cfg, logger: newLogger(cfg)}

	opts := pf.Options{
		Device:   cfg.Device,
		Simulate: g.Simulate || cfg.Simulate,
		Logger:   s.logger,
	}
	if cfg.Journal != "" {
		j, err := openJournal(cfg.Journal, cfg.JournalRetentionDays, s.logger)
		if err != nil {
			return nil, err
		}
		s.journal = j
		opts.Journal = j
	}

	ctl, err := pf.New(opts)
	if err != nil {
		s.closeJournal()
		return nil, err
	}
	s.ctl = ctl
	return s, nil
}

// openJournal opens the store at path and drops events past the retention
// period. A failed prune is logged, not returned.
func openJournal(path string, retentionDays int, logger *logging.Logger) (*audit.Store, error) {
	j, err := audit.NewStore(path, retentionDays, logger)
	if err != nil {
		return nil, err
	}
	log := logging.Or(logger)
	if n, err := j.Prune(); err != nil {
		log.Warn("journal prune failed", "path", path, "error", err)
	} else if n > 0 {
		log.Info("journal pruned", "path", path, "removed", n)
	}
	return j, nil
}

func (s *session) closeJournal() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

func (s *session) Close() error {
	return errors.Join(s.ctl.Close(), s.closeJournal())
}

// scopeArgs parses the "<anchor> <kind>" positional pair.
func scopeArgs(command string, args []string) (string, codec.Ruleset, error) {
	if len(args) != 2 {
		return "", 0, errors.Errorf(errors.KindValidation, "usage: %s %s <anchor> <kind>", brand.BinaryName, command)
	}
	kind, err := codec.ParseRuleset(args[1])
	if err != nil {
		return "", 0, err
	}
	return args[0], kind, nil
}

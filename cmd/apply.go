package cmd

import (
	"flag"
	"io"
	"text/tabwriter"

	"grimm.is/pfkit/internal/brand"
	"grimm.is/pfkit/internal/config"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/rules"
)

// configArg returns the positional config path, then -config, then the
// branded default.
func (g Globals) configArg(fs *flag.FlagSet) string {
	switch {
	case fs.NArg() > 0:
		return fs.Arg(0)
	case g.ConfigFile != "":
		return g.ConfigFile
	}
	return brand.ConfigPath()
}

// RunApply creates the configured anchors and replaces their rulesets.
func RunApply(g Globals, args []string) error {
	fs := flag.NewFlagSet("apply", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "Print the rules without loading them")
	fs.BoolVar(dryRun, "n", false, "Dry run (short)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFile(g.configArg(fs))
	if err != nil {
		return err
	}
	if *dryRun {
		return printRules(g.out(), cfg)
	}

	s, err := g.openWith(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.ctl.ApplyConfig(cfg); err != nil {
		return err
	}
	Printer.Fprintf(g.out(), "Applied %d anchors\n", len(cfg.Anchors))
	return nil
}

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(g Globals, args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	verbose := fs.Bool("verbose", false, "Print every rule")
	fs.BoolVar(verbose, "v", false, "Verbose output (short)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFile(g.configArg(fs))
	if err != nil {
		return errors.Wrap(err, errors.GetKind(err), "configuration invalid")
	}

	out := g.out()
	Printer.Fprintf(out, "Configuration valid!\n")
	Printer.Fprintf(out, "Schema Version: %s\n", cfg.SchemaVersion)
	Printer.Fprintf(out, "Anchors: %d\n", len(cfg.Anchors))
	Printer.Fprintln(out)
	printSummary(out, cfg)

	if *verbose {
		Printer.Fprintln(out)
		return printRules(out, cfg)
	}
	return nil
}

func printSummary(out io.Writer, cfg *config.Config) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	Printer.Fprintln(w, "ANCHOR\tKIND\tCREATE\tRULES")
	for _, a := range cfg.Anchors {
		create := "no"
		if a.ShouldCreate() {
			create = "yes"
		}
		Printer.Fprintf(w, "%s\t%s\t%s\t%d\n", a.Name, a.Kind, create, len(a.FilterRules)+len(a.NatRules))
	}
	w.Flush()
}

func printRules(out io.Writer, cfg *config.Config) error {
	for _, a := range cfg.Anchors {
		rs, err := a.Rules()
		if err != nil {
			return err
		}
		Printer.Fprintf(out, "anchor %q (%s)\n", a.Name, a.Kind)
		for _, r := range rs {
			Printer.Fprintf(out, "  %s\n", rules.Describe(r.Record()))
		}
	}
	return nil
}

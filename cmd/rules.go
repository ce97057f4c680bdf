package cmd

import (
	"grimm.is/pfkit/internal/rules"
)

// RunRules lists the active rules of one anchor ruleset in pf.conf syntax.
func RunRules(g Globals, args []string) error {
	anchor, kind, err := scopeArgs("rules", args)
	if err != nil {
		return err
	}

	s, err := g.open()
	if err != nil {
		return err
	}
	defer s.Close()

	recs, err := s.ctl.ListRules(anchor, kind)
	if err != nil {
		return err
	}
	out := g.out()
	if len(recs) == 0 {
		Printer.Fprintf(out, "No %s rules in %s\n", kind, anchor)
		return nil
	}
	for _, rec := range recs {
		Printer.Fprintln(out, rules.Describe(rec))
	}
	return nil
}

// RunAnchor creates an anchor. An existing anchor is reported as ready.
func RunAnchor(g Globals, args []string) error {
	name, kind, err := scopeArgs("anchor", args)
	if err != nil {
		return err
	}

	s, err := g.open()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.ctl.TryAddAnchor(name, kind); err != nil {
		return err
	}
	Printer.Fprintf(g.out(), "Anchor %s (%s) ready\n", name, kind)
	return nil
}

// RunFlush empties one anchor ruleset.
func RunFlush(g Globals, args []string) error {
	anchor, kind, err := scopeArgs("flush", args)
	if err != nil {
		return err
	}

	s, err := g.open()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.ctl.FlushRules(anchor, kind); err != nil {
		return err
	}
	Printer.Fprintf(g.out(), "Flushed %s rules in %s\n", kind, anchor)
	return nil
}

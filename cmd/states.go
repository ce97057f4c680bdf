package cmd

import (
	"flag"

	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/states"
)

// RunStates prints the state table.
func RunStates(g Globals, args []string) error {
	fs := flag.NewFlagSet("states", flag.ContinueOnError)
	format := fs.String("format", states.FormatText, "Output format: text, json or yaml")
	fs.StringVar(format, "f", states.FormatText, "Output format (short)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := g.open()
	if err != nil {
		return err
	}
	defer s.Close()

	snap, err := s.ctl.Snapshot()
	if err != nil {
		return err
	}
	if err := states.Write(g.out(), snap, *format); err != nil {
		return err
	}
	if len(snap.Errors) > 0 {
		return errors.Wrapf(snap.Err(), errors.KindMalformed, "%d of %d state records failed to decode",
			len(snap.Errors), len(snap.Errors)+len(snap.Entries))
	}
	return nil
}

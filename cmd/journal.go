package cmd

import (
	"encoding/json"
	"flag"
	"text/tabwriter"
	"time"

	"grimm.is/pfkit/internal/audit"
	"grimm.is/pfkit/internal/brand"
	"grimm.is/pfkit/internal/errors"
)

// RunJournal prints recent transaction journal events, newest first.
func RunJournal(g Globals, args []string) error {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "Number of events to show")
	fs.IntVar(limit, "n", 50, "Number of events (short)")
	anchor := fs.String("anchor", "", "Only events for this anchor")
	action := fs.String("action", "", "Only this action (begin, commit, abort, flush, add-anchor)")
	since := fs.Duration("since", 0, "Only events newer than this")
	asJSON := fs.Bool("json", false, "Print events as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Journal
	if path == "" {
		path = brand.JournalPath()
	}

	store, err := openJournal(path, cfg.JournalRetentionDays, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	f := audit.Filter{Anchor: *anchor, Action: *action, Limit: *limit}
	if *since > 0 {
		f.Since = time.Now().Add(-*since)
	}
	events, err := store.Query(f)
	if err != nil {
		return err
	}

	out := g.out()
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(events); err != nil {
			return errors.Wrap(err, errors.KindInternal, "encode journal")
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	Printer.Fprintln(w, "TIME\tACTION\tANCHOR\tRULESET\tRULES\tOUTCOME\tERROR")
	for _, e := range events {
		errText := e.Error
		if errText == "" {
			errText = "-"
		}
		Printer.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Action, e.Anchor, e.Ruleset, e.Rules, e.Outcome, errText)
	}
	return w.Flush()
}

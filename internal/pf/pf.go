// Package pf is the caller-facing surface: one PfCtl wraps a control
// channel and a transaction manager and exposes state listing, anchor
// creation and rule loading.
//
//	ctl, err := pf.New(pf.Options{})
//	if err != nil {
//		return err
//	}
//	defer ctl.Close()
//
//	if err := ctl.TryAddAnchor("tethering_nat", codec.RulesetNat); err != nil {
//		return err
//	}
//	rule, err := rules.NewNatRuleBuilder().
//		Interface("bridge100").
//		From(rules.NewEndpoint(rules.Network(netip.MustParsePrefix("172.20.10.0/24")), rules.AnyPort)).
//		NatTo(rules.NewEndpoint(rules.Host(netip.MustParseAddr("198.18.0.1")), rules.AnyPort)).
//		Build()
//	...
//	err = ctl.AddNatRule("tethering_nat", rule)
package pf

import (
	"grimm.is/pfkit/internal/channel"
	"grimm.is/pfkit/internal/clock"
	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/config"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/logging"
	"grimm.is/pfkit/internal/rules"
	"grimm.is/pfkit/internal/states"
	"grimm.is/pfkit/internal/txn"
)

// Options configures New.
type Options struct {
	// Device is the pf control device. Empty means /dev/pf.
	Device string

	// Simulate runs against an in-memory kernel instead of Device.
	Simulate bool

	// Kernel, when set, is used as the device and Device is ignored.
	Kernel channel.Device

	Logger  *logging.Logger
	Journal txn.Journal
	Clock   clock.Clock
}

// PfCtl is an open pf control session.
type PfCtl struct {
	handle *channel.Handle
	txns   *txn.Manager
	sim    *channel.SimKernel
	logger *logging.Logger
	clock  clock.Clock
}

// New opens the device and returns a ready PfCtl.
func New(opts Options) (*PfCtl, error) {
	logger := logging.Or(opts.Logger)
	c := clock.Or(opts.Clock)

	p := &PfCtl{
		logger: logger.WithComponent("pf"),
		clock:  c,
	}

	chOpts := []channel.Option{channel.WithLogger(logger), channel.WithClock(c)}
	switch {
	case opts.Kernel != nil:
		p.handle = channel.OpenDevice(opts.Kernel, chOpts...)
	case opts.Simulate:
		p.sim = channel.NewSimKernel()
		p.handle = channel.OpenDevice(p.sim, chOpts...)
	default:
		h, err := channel.Open(opts.Device, chOpts...)
		if err != nil {
			return nil, err
		}
		p.handle = h
	}

	txOpts := []txn.Option{txn.WithLogger(logger), txn.WithClock(c)}
	if opts.Journal != nil {
		txOpts = append(txOpts, txn.WithJournal(opts.Journal))
	}
	p.txns = txn.NewManager(p.handle, txOpts...)

	p.logger.Debug("pf session opened", "device", opts.Device, "simulate", p.sim != nil)
	return p, nil
}

// Requester is the underlying channel.
func (p *PfCtl) Requester() channel.Requester {
	return p.handle
}

// Transactions returns the transaction manager for callers that stage
// rules by hand.
func (p *PfCtl) Transactions() *txn.Manager {
	return p.txns
}

// Simulator returns the in-memory kernel, or nil on a real device.
func (p *PfCtl) Simulator() *channel.SimKernel {
	return p.sim
}

// Snapshot reads the state table.
func (p *PfCtl) Snapshot() (*states.Snapshot, error) {
	return states.Get(p.handle, p.clock)
}

// GetStates returns every decoded state entry. When some records fail to
// decode, the good entries are returned together with the joined
// per-record errors.
func (p *PfCtl) GetStates() ([]codec.StateEntry, error) {
	snap, err := p.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Entries, snap.Err()
}

// TryAddAnchor creates the anchor. An existing anchor is not an error.
func (p *PfCtl) TryAddAnchor(name string, kind codec.Ruleset) error {
	return p.txns.TryAddAnchor(name, kind)
}

// AddFilterRule appends r to the anchor's filter ruleset.
func (p *PfCtl) AddFilterRule(anchor string, r rules.FilterRule) error {
	return p.appendRule(anchor, r)
}

// AddNatRule appends r to the anchor's nat, rdr or binat ruleset.
func (p *PfCtl) AddNatRule(anchor string, r rules.NatRule) error {
	return p.appendRule(anchor, r)
}

// appendRule restages the live rules plus r, since a commit replaces the
// whole ruleset.
func (p *PfCtl) appendRule(anchor string, r rules.Rule) error {
	rs := r.Ruleset()
	existing, err := p.ListRules(anchor, rs)
	if err != nil {
		return err
	}
	recs := append(existing, r.Record())
	if err := p.txns.Apply(anchor, rs, recs); err != nil {
		return err
	}
	p.logger.Info("rule added", "anchor", anchor, "ruleset", rs.String(), "rule", rules.Describe(r.Record()), "total", len(recs))
	return nil
}

// SetRules replaces the (anchor, kind) ruleset with rs. Every rule must
// belong to kind. An empty rs commits an empty ruleset.
func (p *PfCtl) SetRules(anchor string, kind codec.Ruleset, rs ...rules.Rule) error {
	recs := make([]codec.RuleRecord, 0, len(rs))
	for i, r := range rs {
		if r.Ruleset() != kind {
			return errors.Attr(errors.Errorf(errors.KindValidation, "rule %d is a %s rule, not %s", i, r.Ruleset(), kind), "anchor", anchor)
		}
		recs = append(recs, r.Record())
	}
	if err := p.txns.Apply(anchor, kind, recs); err != nil {
		return err
	}
	p.logger.Info("rules replaced", "anchor", anchor, "ruleset", kind.String(), "total", len(recs))
	return nil
}

// ListRules reads back the active (anchor, kind) ruleset.
func (p *PfCtl) ListRules(anchor string, kind codec.Ruleset) ([]codec.RuleRecord, error) {
	resp, err := p.handle.Request(channel.RulesRequest(anchor, kind))
	if err != nil {
		return nil, errors.Wrapf(err, errors.GetKind(err), "list %s/%s", anchor, kind)
	}
	n, body, err := codec.RecordTable(resp, codec.RuleSize)
	if err != nil {
		return nil, errors.Attr(err, "anchor", anchor)
	}
	recs := make([]codec.RuleRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := codec.DecodeRule(body[i*codec.RuleSize : (i+1)*codec.RuleSize])
		if err != nil {
			return nil, errors.Wrapf(err, errors.GetKind(err), "rule %d of %s/%s", i, anchor, kind)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// FlushRules empties the (anchor, kind) ruleset.
func (p *PfCtl) FlushRules(anchor string, kind codec.Ruleset) error {
	return p.txns.Flush(anchor, kind)
}

// ApplyConfig creates each configured anchor and replaces its ruleset.
// Anchors are applied in order; the first failure stops the run and
// earlier anchors stay applied.
func (p *PfCtl) ApplyConfig(cfg *config.Config) error {
	for _, a := range cfg.Anchors {
		kind, err := a.Ruleset()
		if err != nil {
			return errors.Attr(err, "anchor", a.Name)
		}
		if a.ShouldCreate() {
			if err := p.TryAddAnchor(a.Name, kind); err != nil {
				return err
			}
		}
		rs, err := a.Rules()
		if err != nil {
			return err
		}
		if err := p.SetRules(a.Name, kind, rs...); err != nil {
			return err
		}
	}
	p.logger.Info("config applied", "anchors", len(cfg.Anchors))
	return nil
}

// Close aborts any live transaction and closes the device.
func (p *PfCtl) Close() error {
	return errors.Join(p.txns.Close(), p.handle.Close())
}

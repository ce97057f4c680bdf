// Package config loads pfkit's HCL configuration: device and logging
// settings plus the anchors and rules to install.
//
// Example:
//
//	schema_version = "1.0"
//	device         = "/dev/pf"
//	journal        = "/var/db/pfkit/journal.db"
//
//	anchor "tethering_nat" {
//	  kind = "nat"
//	  nat_rule {
//	    interface = "bridge100"
//	    proto     = "tcp"
//	    from      = "172.20.10.0/24"
//	    nat_to    = "198.18.0.1"
//	    pass      = true
//	  }
//	}
//
// String attributes may reference the environment as env.NAME.
package config

import (
	"time"

	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/rules"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// Device is the pf control device. Empty means /dev/pf.
	Device   string `hcl:"device,optional" json:"device,omitempty"`
	Simulate bool   `hcl:"simulate,optional" json:"simulate,omitempty"`

	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json,omitempty"`

	// Journal is the sqlite transaction journal. Empty disables it.
	Journal              string `hcl:"journal,optional" json:"journal,omitempty"`
	JournalRetentionDays int    `hcl:"journal_retention_days,optional" json:"journal_retention_days,omitempty"`

	MetricsListen  string `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty"`
	StatesInterval string `hcl:"states_interval,optional" json:"states_interval,omitempty"`

	Anchors []Anchor `hcl:"anchor,block" json:"anchors,omitempty"`
}

// Anchor is a named rule container and the rules it should hold. The rules
// replace the anchor's ruleset of the given kind on apply.
type Anchor struct {
	Name string `hcl:"name,label" json:"name"`
	Kind string `hcl:"kind" json:"kind"`

	// Create adds the anchor before loading rules. Defaults to true.
	Create *bool `hcl:"create,optional" json:"create,omitempty"`

	FilterRules []FilterRule `hcl:"filter_rule,block" json:"filter_rules,omitempty"`
	NatRules    []NatRule    `hcl:"nat_rule,block" json:"nat_rules,omitempty"`
}

// FilterRule is the HCL form of a pass/block rule.
type FilterRule struct {
	Action    string `hcl:"action,optional" json:"action,omitempty"`
	Direction string `hcl:"direction,optional" json:"direction,omitempty"`
	Quick     bool   `hcl:"quick,optional" json:"quick,omitempty"`
	Family    string `hcl:"family,optional" json:"family,omitempty"`
	Interface string `hcl:"interface,optional" json:"interface,omitempty"`
	Proto     string `hcl:"proto,optional" json:"proto,omitempty"`
	From      string `hcl:"from,optional" json:"from,omitempty"`
	FromPort  string `hcl:"from_port,optional" json:"from_port,omitempty"`
	To        string `hcl:"to,optional" json:"to,omitempty"`
	ToPort    string `hcl:"to_port,optional" json:"to_port,omitempty"`
	KeepState bool   `hcl:"keep_state,optional" json:"keep_state,omitempty"`
	Log       bool   `hcl:"log,optional" json:"log,omitempty"`
}

// NatRule is the HCL form of a nat, rdr or binat rule.
type NatRule struct {
	Action    string `hcl:"action,optional" json:"action,omitempty"`
	Family    string `hcl:"family,optional" json:"family,omitempty"`
	Interface string `hcl:"interface,optional" json:"interface,omitempty"`
	Proto     string `hcl:"proto,optional" json:"proto,omitempty"`
	From      string `hcl:"from,optional" json:"from,omitempty"`
	FromPort  string `hcl:"from_port,optional" json:"from_port,omitempty"`
	To        string `hcl:"to,optional" json:"to,omitempty"`
	ToPort    string `hcl:"to_port,optional" json:"to_port,omitempty"`
	NatTo     string `hcl:"nat_to,optional" json:"nat_to,omitempty"`
	NatToPort string `hcl:"nat_to_port,optional" json:"nat_to_port,omitempty"`
	Pass      bool   `hcl:"pass,optional" json:"pass,omitempty"`
}

// Ruleset parses the anchor kind.
func (a Anchor) Ruleset() (codec.Ruleset, error) {
	return codec.ParseRuleset(a.Kind)
}

// ShouldCreate reports whether the anchor is created before rules load.
func (a Anchor) ShouldCreate() bool {
	return a.Create == nil || *a.Create
}

// Rules builds every rule in the anchor, filter rules first.
func (a Anchor) Rules() ([]rules.Rule, error) {
	out := make([]rules.Rule, 0, len(a.FilterRules)+len(a.NatRules))
	for i, fr := range a.FilterRules {
		r, err := fr.Build()
		if err != nil {
			return nil, errors.Wrapf(err, errors.GetKind(err), "anchor %q filter_rule %d", a.Name, i)
		}
		out = append(out, r)
	}
	for i, nr := range a.NatRules {
		r, err := nr.Build()
		if err != nil {
			return nil, errors.Wrapf(err, errors.GetKind(err), "anchor %q nat_rule %d", a.Name, i)
		}
		out = append(out, r)
	}
	return out, nil
}

// Build parses the attributes into a validated rule.
func (fr FilterRule) Build() (rules.FilterRule, error) {
	action := rules.Pass
	if fr.Action != "" {
		a, err := rules.ParseAction(fr.Action)
		if err != nil {
			return rules.FilterRule{}, err
		}
		action = a
	}
	dir, err := rules.ParseDirection(fr.Direction)
	if err != nil {
		return rules.FilterRule{}, err
	}
	af, err := rules.ParseFamily(fr.Family)
	if err != nil {
		return rules.FilterRule{}, err
	}
	proto, err := codec.ParseProtocol(fr.Proto)
	if err != nil {
		return rules.FilterRule{}, err
	}
	from, err := endpoint(fr.From, fr.FromPort)
	if err != nil {
		return rules.FilterRule{}, err
	}
	to, err := endpoint(fr.To, fr.ToPort)
	if err != nil {
		return rules.FilterRule{}, err
	}

	return rules.NewFilterRuleBuilder().
		Action(action).
		Direction(dir).
		Quick(fr.Quick).
		Family(af).
		Interface(rules.Interface(fr.Interface)).
		Proto(proto).
		From(from).
		To(to).
		KeepState(fr.KeepState).
		Log(fr.Log).
		Build()
}

// Build parses the attributes into a validated rule.
func (nr NatRule) Build() (rules.NatRule, error) {
	action := rules.Nat
	if nr.Action != "" {
		a, err := rules.ParseAction(nr.Action)
		if err != nil {
			return rules.NatRule{}, err
		}
		action = a
	}
	af, err := rules.ParseFamily(nr.Family)
	if err != nil {
		return rules.NatRule{}, err
	}
	proto, err := codec.ParseProtocol(nr.Proto)
	if err != nil {
		return rules.NatRule{}, err
	}
	from, err := endpoint(nr.From, nr.FromPort)
	if err != nil {
		return rules.NatRule{}, err
	}
	to, err := endpoint(nr.To, nr.ToPort)
	if err != nil {
		return rules.NatRule{}, err
	}
	natTo, err := endpoint(nr.NatTo, nr.NatToPort)
	if err != nil {
		return rules.NatRule{}, err
	}

	return rules.NewNatRuleBuilder().
		Action(action).
		Family(af).
		Interface(rules.Interface(nr.Interface)).
		Proto(proto).
		From(from).
		To(to).
		NatTo(natTo).
		Pass(nr.Pass).
		Build()
}

func endpoint(addr, port string) (rules.Endpoint, error) {
	ip, err := rules.ParseIP(addr)
	if err != nil {
		return rules.AnyEndpoint, err
	}
	p, err := rules.ParsePort(port)
	if err != nil {
		return rules.AnyEndpoint, err
	}
	return rules.NewEndpoint(ip, p), nil
}

// Interval parses StatesInterval, defaulting to 15s.
func (c *Config) Interval() time.Duration {
	if c.StatesInterval == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(c.StatesInterval)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

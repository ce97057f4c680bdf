package rules

import (
	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
)

// Rule is anything that can be staged in a transaction.
type Rule interface {
	Record() codec.RuleRecord
	Ruleset() codec.Ruleset
}

// FilterRule passes or blocks matching packets.
type FilterRule struct {
	Action    Action
	Direction codec.Direction
	Quick     bool
	Family    codec.Family
	Interface Interface
	Proto     codec.Protocol
	From      Endpoint
	To        Endpoint
	KeepState bool
	Log       bool
}

// Ruleset implements Rule.
func (r FilterRule) Ruleset() codec.Ruleset {
	return codec.RulesetFilter
}

// Record implements Rule.
func (r FilterRule) Record() codec.RuleRecord {
	return codec.RuleRecord{
		Action:    r.Action.Code(),
		Direction: r.Direction,
		Family:    r.Family,
		Protocol:  r.Proto,
		Quick:     r.Quick,
		KeepState: r.KeepState,
		Log:       r.Log,
		Interface: string(r.Interface),
		Src:       r.From.record(),
		Dst:       r.To.record(),
	}
}

// NatRule translates matching packets to NatTo.
type NatRule struct {
	Action    Action
	Family    codec.Family
	Interface Interface
	Proto     codec.Protocol
	From      Endpoint
	To        Endpoint
	NatTo     Endpoint
	Pass      bool
}

// Ruleset implements Rule.
func (r NatRule) Ruleset() codec.Ruleset {
	return r.Action.Code().Ruleset()
}

// Record implements Rule.
func (r NatRule) Record() codec.RuleRecord {
	return codec.RuleRecord{
		Action:    r.Action.Code(),
		Family:    r.Family,
		Protocol:  r.Proto,
		NatPass:   r.Pass,
		Interface: string(r.Interface),
		Src:       r.From.record(),
		Dst:       r.To.record(),
		NatTarget: r.NatTo.record(),
	}
}

// FilterRuleBuilder provides a fluent interface for building filter rules.
type FilterRuleBuilder struct {
	rule FilterRule
}

// NewFilterRuleBuilder starts a pass rule matching everything.
func NewFilterRuleBuilder() *FilterRuleBuilder {
	return &FilterRuleBuilder{}
}

// Action sets pass or drop.
func (b *FilterRuleBuilder) Action(a Action) *FilterRuleBuilder {
	b.rule.Action = a
	return b
}

// Direction restricts the rule to inbound or outbound packets.
func (b *FilterRuleBuilder) Direction(d codec.Direction) *FilterRuleBuilder {
	b.rule.Direction = d
	return b
}

// Quick stops evaluation at this rule when it matches.
func (b *FilterRuleBuilder) Quick(q bool) *FilterRuleBuilder {
	b.rule.Quick = q
	return b
}

// Family restricts the rule to inet or inet6.
func (b *FilterRuleBuilder) Family(af codec.Family) *FilterRuleBuilder {
	b.rule.Family = af
	return b
}

// Interface matches packets on the named interface.
func (b *FilterRuleBuilder) Interface(i Interface) *FilterRuleBuilder {
	b.rule.Interface = i
	return b
}

// Proto matches one IP protocol.
func (b *FilterRuleBuilder) Proto(p codec.Protocol) *FilterRuleBuilder {
	b.rule.Proto = p
	return b
}

// From sets the source address and port.
func (b *FilterRuleBuilder) From(e Endpoint) *FilterRuleBuilder {
	b.rule.From = e
	return b
}

// To sets the destination address and port.
func (b *FilterRuleBuilder) To(e Endpoint) *FilterRuleBuilder {
	b.rule.To = e
	return b
}

// KeepState creates a state entry for matching connections.
func (b *FilterRuleBuilder) KeepState(k bool) *FilterRuleBuilder {
	b.rule.KeepState = k
	return b
}

// Log records matching packets to pflog.
func (b *FilterRuleBuilder) Log(l bool) *FilterRuleBuilder {
	b.rule.Log = l
	return b
}

// Build validates and returns the rule.
func (b *FilterRuleBuilder) Build() (FilterRule, error) {
	r := b.rule
	if r.Action != Pass && r.Action != Drop {
		return FilterRule{}, errors.Errorf(errors.KindValidation, "%s is not a filter action", r.Action)
	}
	af, err := check(r.Family, r.Interface, r.Proto, r.From, r.To)
	if err != nil {
		return FilterRule{}, err
	}
	r.Family = af
	return r, nil
}

// NatRuleBuilder provides a fluent interface for building translation rules.
type NatRuleBuilder struct {
	rule NatRule
}

// NewNatRuleBuilder starts a nat rule with no target.
func NewNatRuleBuilder() *NatRuleBuilder {
	return &NatRuleBuilder{rule: NatRule{Action: Nat}}
}

// Action selects nat, binat or rdr.
func (b *NatRuleBuilder) Action(a Action) *NatRuleBuilder {
	b.rule.Action = a
	return b
}

// Family restricts the rule to inet or inet6.
func (b *NatRuleBuilder) Family(af codec.Family) *NatRuleBuilder {
	b.rule.Family = af
	return b
}

// Interface sets the interface translation happens on.
func (b *NatRuleBuilder) Interface(i Interface) *NatRuleBuilder {
	b.rule.Interface = i
	return b
}

// Proto matches one IP protocol.
func (b *NatRuleBuilder) Proto(p codec.Protocol) *NatRuleBuilder {
	b.rule.Proto = p
	return b
}

// From sets the source address and port.
func (b *NatRuleBuilder) From(e Endpoint) *NatRuleBuilder {
	b.rule.From = e
	return b
}

// To sets the destination address and port.
func (b *NatRuleBuilder) To(e Endpoint) *NatRuleBuilder {
	b.rule.To = e
	return b
}

// NatTo sets the translation target. Its port is the redirect port for rdr.
func (b *NatRuleBuilder) NatTo(e Endpoint) *NatRuleBuilder {
	b.rule.NatTo = e
	return b
}

// Pass lets translated packets skip the filter ruleset.
func (b *NatRuleBuilder) Pass(p bool) *NatRuleBuilder {
	b.rule.Pass = p
	return b
}

// Build validates and returns the rule.
func (b *NatRuleBuilder) Build() (NatRule, error) {
	r := b.rule
	switch r.Action {
	case Nat, NoNat, Rdr, NoRdr, BiNat:
	default:
		return NatRule{}, errors.Errorf(errors.KindValidation, "%s is not a translation action", r.Action)
	}
	if r.Action.translates() && r.NatTo.IP.IsAny() {
		return NatRule{}, errors.Errorf(errors.KindValidation, "%s rule needs a translation address", r.Action)
	}
	if err := r.NatTo.Port.validate(); err != nil {
		return NatRule{}, errors.Wrap(err, errors.KindValidation, "nat-to")
	}

	af, err := check(r.Family, r.Interface, r.Proto, r.From, r.To, r.NatTo)
	if err != nil {
		return NatRule{}, err
	}
	if af == codec.FamilyUnspec && r.Action.translates() {
		return NatRule{}, errors.Errorf(errors.KindValidation, "%s rule needs an address family", r.Action)
	}
	r.Family = af
	return r, nil
}

// check validates the parts shared by both rule kinds and returns the
// resolved family. An unspecified family is taken from the addresses.
func check(af codec.Family, iface Interface, proto codec.Protocol, eps ...Endpoint) (codec.Family, error) {
	if err := iface.validate(); err != nil {
		return af, err
	}
	if af != codec.FamilyUnspec && af != codec.FamilyInet && af != codec.FamilyInet6 {
		return af, errors.Errorf(errors.KindValidation, "address family %d", uint8(af))
	}

	for _, ep := range eps {
		if err := ep.Port.validate(); err != nil {
			return af, err
		}
		if !ep.Port.IsAny() && proto != codec.ProtoTCP && proto != codec.ProtoUDP {
			return af, errors.Errorf(errors.KindValidation, "port %s needs proto tcp or udp, have %s", ep.Port, proto)
		}

		fam := ep.IP.Family()
		if fam == codec.FamilyUnspec {
			continue
		}
		if af == codec.FamilyUnspec {
			af = fam
			continue
		}
		if fam != af {
			return af, errors.Errorf(errors.KindValidation, "address %s is %s, rule is %s", ep.IP, fam, af)
		}
	}
	return af, nil
}

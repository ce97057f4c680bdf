package codec

import (
	"fmt"
	"strings"

	"grimm.is/pfkit/internal/errors"
)

// Family is the sa_family_t tag that selects the Address variant.
type Family uint8

const (
	FamilyUnspec Family = 0
	FamilyInet   Family = 2
	FamilyInet6  Family = 30 // Darwin AF_INET6
)

// ParseFamily validates a wire family tag. Only inet and inet6 are accepted.
func ParseFamily(b byte) (Family, error) {
	switch f := Family(b); f {
	case FamilyInet, FamilyInet6:
		return f, nil
	default:
		return FamilyUnspec, errors.Wrapf(errors.ErrMalformedRecord, errors.KindMalformed, "address family %d", b)
	}
}

func (f Family) String() string {
	switch f {
	case FamilyInet:
		return "inet"
	case FamilyInet6:
		return "inet6"
	case FamilyUnspec:
		return "any"
	default:
		return fmt.Sprintf("af(%d)", uint8(f))
	}
}

// Protocol is an IP protocol number. Any byte is a valid protocol; only the
// name table is closed.
type Protocol uint8

const (
	ProtoAny    Protocol = 0
	ProtoICMP   Protocol = 1
	ProtoIGMP   Protocol = 2
	ProtoTCP    Protocol = 6
	ProtoUDP    Protocol = 17
	ProtoGRE    Protocol = 47
	ProtoESP    Protocol = 50
	ProtoAH     Protocol = 51
	ProtoICMPv6 Protocol = 58
	ProtoOSPF   Protocol = 89
	ProtoSCTP   Protocol = 132
)

var protocolNames = map[Protocol]string{
	ProtoICMP:   "icmp",
	ProtoIGMP:   "igmp",
	ProtoTCP:    "tcp",
	ProtoUDP:    "udp",
	ProtoGRE:    "gre",
	ProtoESP:    "esp",
	ProtoAH:     "ah",
	ProtoICMPv6: "icmpv6",
	ProtoOSPF:   "ospf",
	ProtoSCTP:   "sctp",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParseProtocol accepts a protocol name from the table or "any".
func ParseProtocol(s string) (Protocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "any" {
		return ProtoAny, nil
	}
	for p, name := range protocolNames {
		if name == s {
			return p, nil
		}
	}
	return ProtoAny, errors.Errorf(errors.KindValidation, "unknown protocol %q", s)
}

// Direction is the PF_INOUT/PF_IN/PF_OUT code.
type Direction uint8

const (
	DirectionNone Direction = 0
	DirectionIn   Direction = 1
	DirectionOut  Direction = 2
)

// Arrow renders the direction the way pfctl -s state does.
func (d Direction) Arrow() string {
	switch d {
	case DirectionIn:
		return "<-"
	case DirectionOut:
		return "->"
	default:
		return "--"
	}
}

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	default:
		return "inout"
	}
}

// Ruleset is PF_RULESET_*. It scopes anchors, tickets and transactions.
type Ruleset uint8

const (
	RulesetScrub    Ruleset = 0
	RulesetFilter   Ruleset = 1
	RulesetNat      Ruleset = 2
	RulesetBiNat    Ruleset = 3
	RulesetRedirect Ruleset = 4
)

var rulesetNames = [...]string{"scrub", "filter", "nat", "binat", "rdr"}

func (r Ruleset) String() string {
	if int(r) < len(rulesetNames) {
		return rulesetNames[r]
	}
	return fmt.Sprintf("ruleset(%d)", uint8(r))
}

// Valid reports whether r names a known ruleset.
func (r Ruleset) Valid() bool {
	return int(r) < len(rulesetNames)
}

// ParseRuleset accepts the lower-case ruleset names ("redirect" is an alias for rdr).
func ParseRuleset(s string) (Ruleset, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "redirect" {
		s = "rdr"
	}
	for i, name := range rulesetNames {
		if name == s {
			return Ruleset(i), nil
		}
	}
	return 0, errors.Errorf(errors.KindValidation, "unknown ruleset kind %q", s)
}

// Action returns the rule action pf uses to address this ruleset in anchor
// and listing requests.
func (r Ruleset) Action() RuleAction {
	switch r {
	case RulesetScrub:
		return ActionScrub
	case RulesetNat:
		return ActionNat
	case RulesetBiNat:
		return ActionBiNat
	case RulesetRedirect:
		return ActionRdr
	default:
		return ActionPass
	}
}

// RuleAction is PF_PASS, PF_DROP, PF_NAT, ...
type RuleAction uint8

const (
	ActionPass    RuleAction = 0
	ActionDrop    RuleAction = 1
	ActionScrub   RuleAction = 2
	ActionNoScrub RuleAction = 3
	ActionNat     RuleAction = 4
	ActionNoNat   RuleAction = 5
	ActionBiNat   RuleAction = 6
	ActionNoBiNat RuleAction = 7
	ActionRdr     RuleAction = 8
	ActionNoRdr   RuleAction = 9
)

var actionNames = [...]string{"pass", "block", "scrub", "no scrub", "nat", "no nat", "binat", "no binat", "rdr", "no rdr"}

func (a RuleAction) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Ruleset returns the ruleset a rule with this action belongs to.
func (a RuleAction) Ruleset() Ruleset {
	switch a {
	case ActionScrub, ActionNoScrub:
		return RulesetScrub
	case ActionNat, ActionNoNat:
		return RulesetNat
	case ActionBiNat, ActionNoBiNat:
		return RulesetBiNat
	case ActionRdr, ActionNoRdr:
		return RulesetRedirect
	default:
		return RulesetFilter
	}
}

// PortOp is the PF_OP_* comparison applied to a port range.
type PortOp uint8

const (
	PortOpNone PortOp = 0
	PortOpEq   PortOp = 2
	PortOpRng  PortOp = 9 // inclusive range
)

// Package rules builds pf filter and translation rules and converts them to
// codec records.
package rules

import (
	"net/netip"
	"strconv"
	"strings"

	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
)

// IP is an address match: any, a single host, or a network. The zero value
// matches any address.
type IP struct {
	prefix netip.Prefix
}

// AnyIP matches every address.
var AnyIP = IP{}

// Host matches a single address.
func Host(addr netip.Addr) IP {
	addr = addr.Unmap()
	return IP{prefix: netip.PrefixFrom(addr, addr.BitLen())}
}

// Network matches every address in p.
func Network(p netip.Prefix) IP {
	return IP{prefix: netip.PrefixFrom(p.Addr().Unmap(), p.Bits()).Masked()}
}

// ParseIP accepts "any", an address or a CIDR.
func ParseIP(s string) (IP, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "any" {
		return AnyIP, nil
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return AnyIP, errors.Wrapf(err, errors.KindValidation, "address %q", s)
		}
		return Network(p), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return AnyIP, errors.Wrapf(err, errors.KindValidation, "address %q", s)
	}
	return Host(a), nil
}

// IsAny reports whether ip matches every address.
func (ip IP) IsAny() bool {
	return !ip.prefix.IsValid()
}

// Family is the address family, or FamilyUnspec for any.
func (ip IP) Family() codec.Family {
	switch {
	case ip.IsAny():
		return codec.FamilyUnspec
	case ip.prefix.Addr().Is4():
		return codec.FamilyInet
	default:
		return codec.FamilyInet6
	}
}

// Prefix returns the matched network (invalid for any).
func (ip IP) Prefix() netip.Prefix {
	return ip.prefix
}

func (ip IP) String() string {
	if ip.IsAny() {
		return "any"
	}
	if ip.prefix.IsSingleIP() {
		return ip.prefix.Addr().String()
	}
	return ip.prefix.String()
}

// Port is a port match: any, one port, or an inclusive range. The zero
// value matches any port.
type Port struct {
	op      codec.PortOp
	low, hi uint16
}

// AnyPort matches every port.
var AnyPort = Port{}

// OnePort matches exactly p.
func OnePort(p uint16) Port {
	return Port{op: codec.PortOpEq, low: p, hi: p}
}

// PortRange matches low through high inclusive. Build rejects low > high.
func PortRange(low, high uint16) Port {
	return Port{op: codec.PortOpRng, low: low, hi: high}
}

// ParsePort accepts "any", "80" or "1000:2000".
func ParsePort(s string) (Port, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "any" {
		return AnyPort, nil
	}
	if lo, hi, ok := strings.Cut(s, ":"); ok {
		l, err := parsePortNum(lo)
		if err != nil {
			return AnyPort, err
		}
		h, err := parsePortNum(hi)
		if err != nil {
			return AnyPort, err
		}
		return PortRange(l, h), nil
	}
	p, err := parsePortNum(s)
	if err != nil {
		return AnyPort, err
	}
	return OnePort(p), nil
}

func parsePortNum(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindValidation, "port %q", s)
	}
	return uint16(n), nil
}

// IsAny reports whether p matches every port.
func (p Port) IsAny() bool {
	return p.op == codec.PortOpNone
}

func (p Port) validate() error {
	if p.op == codec.PortOpRng && p.low > p.hi {
		return errors.Errorf(errors.KindValidation, "port range %d:%d is reversed", p.low, p.hi)
	}
	return nil
}

func (p Port) record() codec.PortRange {
	return codec.PortRange{Op: p.op, Low: p.low, High: p.hi}
}

func (p Port) String() string {
	switch p.op {
	case codec.PortOpNone:
		return "any"
	case codec.PortOpEq:
		return strconv.Itoa(int(p.low))
	default:
		return strconv.Itoa(int(p.low)) + ":" + strconv.Itoa(int(p.hi))
	}
}

// Endpoint is an address and port pair.
type Endpoint struct {
	IP   IP
	Port Port
}

// AnyEndpoint matches every address and port.
var AnyEndpoint = Endpoint{}

// NewEndpoint pairs ip and port.
func NewEndpoint(ip IP, port Port) Endpoint {
	return Endpoint{IP: ip, Port: port}
}

func (e Endpoint) record() codec.RuleAddr {
	return codec.RuleAddr{Prefix: e.IP.prefix, Ports: e.Port.record()}
}

// Interface names a network interface. The empty Interface matches all.
type Interface string

// AnyInterface matches every interface.
const AnyInterface Interface = ""

func (i Interface) validate() error {
	if len(i) >= codec.IfNameSize {
		return errors.Errorf(errors.KindValidation, "interface name %q longer than %d bytes", string(i), codec.IfNameSize-1)
	}
	return nil
}

// Action is what a rule does with matching packets.
type Action int

const (
	Pass Action = iota
	Drop
	Nat
	NoNat
	Rdr
	NoRdr
	BiNat
)

var actionCodes = map[Action]codec.RuleAction{
	Pass:  codec.ActionPass,
	Drop:  codec.ActionDrop,
	Nat:   codec.ActionNat,
	NoNat: codec.ActionNoNat,
	Rdr:   codec.ActionRdr,
	NoRdr: codec.ActionNoRdr,
	BiNat: codec.ActionBiNat,
}

// ParseAction accepts pfctl's action keywords ("block" and "drop" are the same).
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass":
		return Pass, nil
	case "block", "drop":
		return Drop, nil
	case "nat":
		return Nat, nil
	case "no nat", "no-nat", "nonat":
		return NoNat, nil
	case "rdr":
		return Rdr, nil
	case "no rdr", "no-rdr", "nordr":
		return NoRdr, nil
	case "binat":
		return BiNat, nil
	}
	return Pass, errors.Errorf(errors.KindValidation, "unknown action %q", s)
}

// Code is the kernel action code.
func (a Action) Code() codec.RuleAction {
	return actionCodes[a]
}

func (a Action) String() string {
	return a.Code().String()
}

// translates reports whether the action needs a translation target.
func (a Action) translates() bool {
	return a == Nat || a == Rdr || a == BiNat
}

// ParseFamily accepts "inet", "inet6" or "" (unspecified).
func ParseFamily(s string) (codec.Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return codec.FamilyUnspec, nil
	case "inet", "ipv4":
		return codec.FamilyInet, nil
	case "inet6", "ipv6":
		return codec.FamilyInet6, nil
	}
	return codec.FamilyUnspec, errors.Errorf(errors.KindValidation, "unknown address family %q", s)
}

// ParseDirection accepts "in", "out" or "" for both.
func ParseDirection(s string) (codec.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inout", "any":
		return codec.DirectionNone, nil
	case "in":
		return codec.DirectionIn, nil
	case "out":
		return codec.DirectionOut, nil
	}
	return codec.DirectionNone, errors.Errorf(errors.KindValidation, "unknown direction %q", s)
}

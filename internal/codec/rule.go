package codec

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"

	"grimm.is/pfkit/internal/errors"
)

// PortRange is pf_port_range. Op PortOpNone matches any port.
type PortRange struct {
	Op   PortOp
	Low  uint16
	High uint16
}

// RuleAddr is one address block of a rule: a prefix (invalid = any), its
// negation flag and the port range.
type RuleAddr struct {
	Prefix netip.Prefix
	Negate bool
	Ports  PortRange
}

// RuleRecord is the encodable form of a filter or translation rule.
// NatTarget is only meaningful for translation actions; its Ports are the
// proxy port range.
type RuleRecord struct {
	Action    RuleAction
	Direction Direction
	Family    Family
	Protocol  Protocol
	Quick     bool
	KeepState bool
	Log       bool
	NatPass   bool
	Interface string
	Src       RuleAddr
	Dst       RuleAddr
	NatTarget RuleAddr
}

// Ruleset is the ruleset the record belongs to.
func (r RuleRecord) Ruleset() Ruleset {
	return r.Action.Ruleset()
}

// EncodeRule lays out a RuleRecord as a rule descriptor.
func EncodeRule(r RuleRecord) ([]byte, error) {
	if len(r.Interface) >= IfNameSize {
		return nil, errors.Errorf(errors.KindValidation, "interface name %q longer than %d bytes", r.Interface, IfNameSize-1)
	}
	if r.Family != FamilyUnspec {
		if _, err := ParseFamily(byte(r.Family)); err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "rule family")
		}
	}

	b := make([]byte, RuleSize)
	b[ruleAction] = byte(r.Action)
	b[ruleDirection] = byte(r.Direction)
	b[ruleAf] = byte(r.Family)
	b[ruleProto] = byte(r.Protocol)
	b[ruleQuick] = boolByte(r.Quick)
	b[ruleKeepState] = boolByte(r.KeepState)
	b[ruleLog] = boolByte(r.Log)
	b[ruleNatPass] = boolByte(r.NatPass)
	copy(b[ruleIfName:ruleIfName+IfNameSize], r.Interface)

	blocks := []struct {
		name string
		off  int
		ra   RuleAddr
	}{
		{"from", ruleSrc, r.Src},
		{"to", ruleDst, r.Dst},
		{"nat-to", ruleNat, r.NatTarget},
	}
	for _, blk := range blocks {
		if err := putRuleAddr(b[blk.off:blk.off+raSize], blk.ra, r.Family); err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, blk.name)
		}
	}
	return b, nil
}

// DecodeRule reads a rule descriptor back into a RuleRecord.
func DecodeRule(b []byte) (RuleRecord, error) {
	if len(b) < RuleSize {
		return RuleRecord{}, errors.Wrapf(errors.ErrTruncatedBuffer, errors.KindTruncated, "rule needs %d bytes, have %d", RuleSize, len(b))
	}
	fam := Family(b[ruleAf])
	if fam != FamilyUnspec {
		if _, err := ParseFamily(b[ruleAf]); err != nil {
			return RuleRecord{}, err
		}
	}

	r := RuleRecord{
		Action:    RuleAction(b[ruleAction]),
		Direction: Direction(b[ruleDirection]),
		Family:    fam,
		Protocol:  Protocol(b[ruleProto]),
		Quick:     b[ruleQuick] != 0,
		KeepState: b[ruleKeepState] != 0,
		Log:       b[ruleLog] != 0,
		NatPass:   b[ruleNatPass] != 0,
		Interface: trimName(b[ruleIfName : ruleIfName+IfNameSize]),
	}

	var err error
	if r.Src, err = decodeRuleAddr(b[ruleSrc:ruleSrc+raSize], fam); err != nil {
		return RuleRecord{}, errors.Wrap(err, errors.KindMalformed, "from")
	}
	if r.Dst, err = decodeRuleAddr(b[ruleDst:ruleDst+raSize], fam); err != nil {
		return RuleRecord{}, errors.Wrap(err, errors.KindMalformed, "to")
	}
	if r.NatTarget, err = decodeRuleAddr(b[ruleNat:ruleNat+raSize], fam); err != nil {
		return RuleRecord{}, errors.Wrap(err, errors.KindMalformed, "nat-to")
	}
	return r, nil
}

func putRuleAddr(dst []byte, ra RuleAddr, fam Family) error {
	clear(dst[:raSize])
	if ra.Prefix.IsValid() {
		addr := AddressFrom(ra.Prefix.Addr())
		if fam != FamilyUnspec && addr.Family() != fam {
			return errors.Errorf(errors.KindValidation, "%s is not %s", ra.Prefix, fam)
		}
		addr.put(dst[raAddr:])
		mask := maskBytes(ra.Prefix.Bits(), addr.Family())
		copy(dst[raMask:raMask+AddrSize], mask[:])
	}
	binary.BigEndian.PutUint16(dst[raPortLo:], ra.Ports.Low)
	binary.BigEndian.PutUint16(dst[raPortHi:], ra.Ports.High)
	dst[raPortOp] = byte(ra.Ports.Op)
	dst[raNeg] = boolByte(ra.Negate)
	return nil
}

func decodeRuleAddr(b []byte, fam Family) (RuleAddr, error) {
	ra := RuleAddr{
		Negate: b[raNeg] != 0,
		Ports: PortRange{
			Op:   PortOp(b[raPortOp]),
			Low:  binary.BigEndian.Uint16(b[raPortLo:]),
			High: binary.BigEndian.Uint16(b[raPortHi:]),
		},
	}
	mask := b[raMask : raMask+AddrSize]
	if isZero(mask) && isZero(b[raAddr:raAddr+AddrSize]) {
		return ra, nil
	}
	if fam == FamilyUnspec {
		return RuleAddr{}, errors.Wrap(errors.ErrMalformedRecord, errors.KindMalformed, "address without family")
	}
	addr, err := DecodeAddress(b[raAddr:raAddr+AddrSize], fam)
	if err != nil {
		return RuleAddr{}, err
	}
	ones, err := maskLen(mask, fam)
	if err != nil {
		return RuleAddr{}, err
	}
	ra.Prefix = netip.PrefixFrom(addr.IP(), ones)
	return ra, nil
}

func maskBytes(ones int, fam Family) [AddrSize]byte {
	var m [AddrSize]byte
	width := 32
	if fam == FamilyInet6 {
		width = 128
	}
	if ones > width {
		ones = width
	}
	for i := 0; i < ones; i++ {
		m[i/8] |= 0x80 >> (i % 8)
	}
	return m
}

// maskLen returns the prefix length of a contiguous netmask.
func maskLen(mask []byte, fam Family) (int, error) {
	width := 4
	if fam == FamilyInet6 {
		width = AddrSize
	}
	ones := 0
	seenZero := false
	for i, by := range mask {
		if i >= width {
			if by != 0 {
				return 0, errors.Wrap(errors.ErrMalformedRecord, errors.KindMalformed, "mask wider than family")
			}
			continue
		}
		n := bits.LeadingZeros8(^by)
		if seenZero && by != 0 || byte(0xff<<(8-n)) != by && n < 8 {
			return 0, errors.Wrap(errors.ErrMalformedRecord, errors.KindMalformed, fmt.Sprintf("non-contiguous mask %x", mask[:width]))
		}
		ones += n
		if n < 8 {
			seenZero = true
		}
	}
	return ones, nil
}

func isZero(b []byte) bool {
	for _, by := range b {
		if by != 0 {
			return false
		}
	}
	return true
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

package codec

import (
	"net/netip"

	"grimm.is/pfkit/internal/errors"
)

// Address is a pf_addr read with its family tag. The zero value is the
// unspecified address and has no family.
type Address struct {
	ip netip.Addr
}

// DecodeAddress interprets a 16-byte pf_addr window under the given family.
// The family is never inferred from the bytes.
func DecodeAddress(b []byte, fam Family) (Address, error) {
	if len(b) < AddrSize {
		return Address{}, errors.Wrapf(errors.ErrTruncatedBuffer, errors.KindTruncated, "pf_addr needs %d bytes, have %d", AddrSize, len(b))
	}
	switch fam {
	case FamilyInet:
		return Address{ip: netip.AddrFrom4([4]byte(b[:4]))}, nil
	case FamilyInet6:
		return Address{ip: netip.AddrFrom16([16]byte(b[:16]))}, nil
	default:
		return Address{}, errors.Wrapf(errors.ErrMalformedRecord, errors.KindMalformed, "address family %d", uint8(fam))
	}
}

// AddressFrom wraps a parsed IP. IPv4-mapped IPv6 addresses are unmapped so
// the family matches what pf stores.
func AddressFrom(ip netip.Addr) Address {
	return Address{ip: ip.Unmap()}
}

// Family reports the variant in use.
func (a Address) Family() Family {
	switch {
	case a.ip.Is4():
		return FamilyInet
	case a.ip.Is6():
		return FamilyInet6
	default:
		return FamilyUnspec
	}
}

// IP returns the address as a netip.Addr (invalid for the zero Address).
func (a Address) IP() netip.Addr {
	return a.ip
}

// IsValid reports whether the address carries a family.
func (a Address) IsValid() bool {
	return a.ip.IsValid()
}

func (a Address) String() string {
	if !a.ip.IsValid() {
		return "any"
	}
	return a.ip.String()
}

// put writes the address into a 16-byte pf_addr window, zero padded.
func (a Address) put(dst []byte) {
	clear(dst[:AddrSize])
	switch {
	case a.ip.Is4():
		v4 := a.ip.As4()
		copy(dst, v4[:])
	case a.ip.Is6():
		v6 := a.ip.As16()
		copy(dst, v6[:])
	}
}

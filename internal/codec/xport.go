package codec

import (
	"encoding/binary"
	"strconv"

	"grimm.is/pfkit/internal/errors"
)

// XportKind names the active member of the pf_state_xport union.
type XportKind uint8

const (
	XportPort XportKind = iota
	XportCallID
	XportSPI
)

func (k XportKind) String() string {
	switch k {
	case XportCallID:
		return "call-id"
	case XportSPI:
		return "spi"
	default:
		return "port"
	}
}

// Xport is a pf_state_xport read with the owning record's protocol.
type Xport struct {
	kind  XportKind
	value uint32
}

// XportKindFor returns the union member pf uses for a protocol.
func XportKindFor(proto Protocol) XportKind {
	switch proto {
	case ProtoGRE:
		return XportCallID
	case ProtoESP, ProtoAH:
		return XportSPI
	default:
		return XportPort
	}
}

// DecodeXport interprets a 4-byte pf_state_xport window for proto.
func DecodeXport(b []byte, proto Protocol) (Xport, error) {
	if len(b) < XportSize {
		return Xport{}, errors.Wrapf(errors.ErrTruncatedBuffer, errors.KindTruncated, "pf_state_xport needs %d bytes, have %d", XportSize, len(b))
	}
	kind := XportKindFor(proto)
	if kind == XportSPI {
		return Xport{kind: kind, value: binary.BigEndian.Uint32(b)}, nil
	}
	return Xport{kind: kind, value: uint32(binary.BigEndian.Uint16(b))}, nil
}

// PortXport builds a port-kind xport.
func PortXport(port uint16) Xport {
	return Xport{kind: XportPort, value: uint32(port)}
}

// Kind reports the active member.
func (x Xport) Kind() XportKind {
	return x.kind
}

// Port returns the port when the port member is active.
func (x Xport) Port() (uint16, bool) {
	return uint16(x.value), x.kind == XportPort
}

// CallID returns the GRE call id when that member is active.
func (x Xport) CallID() (uint16, bool) {
	return uint16(x.value), x.kind == XportCallID
}

// SPI returns the IPsec SPI when that member is active.
func (x Xport) SPI() (uint32, bool) {
	return x.value, x.kind == XportSPI
}

// Value is the raw numeric value of whichever member is active.
func (x Xport) Value() uint32 {
	return x.value
}

func (x Xport) String() string {
	if x.value == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(x.value), 10)
}

func (x Xport) put(dst []byte) {
	clear(dst[:XportSize])
	if x.kind == XportSPI {
		binary.BigEndian.PutUint32(dst, x.value)
		return
	}
	binary.BigEndian.PutUint16(dst, uint16(x.value))
}

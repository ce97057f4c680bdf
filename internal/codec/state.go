package codec

import (
	"bytes"
	"encoding/binary"

	"grimm.is/pfkit/internal/errors"
)

// Endpoint is one pfsync_state_host: an address and its transport selector.
type Endpoint struct {
	Addr  Address
	Xport Xport
}

// Equal reports whether both address and selector match.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Addr == o.Addr && e.Xport == o.Xport
}

// DecodeEndpoint reads a 24-byte pfsync_state_host window.
func DecodeEndpoint(b []byte, fam Family, proto Protocol) (Endpoint, error) {
	if len(b) < HostSize {
		return Endpoint{}, errors.Wrapf(errors.ErrTruncatedBuffer, errors.KindTruncated, "pfsync_state_host needs %d bytes, have %d", HostSize, len(b))
	}
	addr, err := DecodeAddress(b[hostAddr:hostAddr+AddrSize], fam)
	if err != nil {
		return Endpoint{}, err
	}
	xport, err := DecodeXport(b[hostXport:hostXport+XportSize], proto)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Addr: addr, Xport: xport}, nil
}

func (e Endpoint) put(dst []byte) {
	clear(dst[:HostSize])
	e.Addr.put(dst[hostAddr:])
	e.Xport.put(dst[hostXport:])
}

// Scrub is pfsync_state_scrub.
type Scrub struct {
	Flags     uint16
	TTL       uint8
	ScrubFlag uint8
	TSMod     uint32
}

// Peer is pfsync_state_peer: one side's sequence tracking and timeout state.
type Peer struct {
	Scrub   Scrub
	SeqLo   uint32
	SeqHi   uint32
	SeqDiff uint32
	MaxWin  uint16
	MSS     uint16
	State   TimeoutState
	WScale  uint8
}

func decodePeer(b []byte) (Peer, error) {
	state, err := ParseTimeoutState(b[peerState])
	if err != nil {
		return Peer{}, err
	}
	return Peer{
		Scrub: Scrub{
			Flags:     binary.BigEndian.Uint16(b[peerScrubFlags:]),
			TTL:       b[peerScrubTTL],
			ScrubFlag: b[peerScrubFlag],
			TSMod:     binary.BigEndian.Uint32(b[peerScrubTSMod:]),
		},
		SeqLo:   binary.BigEndian.Uint32(b[peerSeqLo:]),
		SeqHi:   binary.BigEndian.Uint32(b[peerSeqHi:]),
		SeqDiff: binary.BigEndian.Uint32(b[peerSeqDiff:]),
		MaxWin:  binary.BigEndian.Uint16(b[peerMaxWin:]),
		MSS:     binary.BigEndian.Uint16(b[peerMSS:]),
		State:   state,
		WScale:  b[peerWScale],
	}, nil
}

func (p Peer) put(dst []byte) {
	clear(dst[:PeerSize])
	binary.BigEndian.PutUint16(dst[peerScrubFlags:], p.Scrub.Flags)
	dst[peerScrubTTL] = p.Scrub.TTL
	dst[peerScrubFlag] = p.Scrub.ScrubFlag
	binary.BigEndian.PutUint32(dst[peerScrubTSMod:], p.Scrub.TSMod)
	binary.BigEndian.PutUint32(dst[peerSeqLo:], p.SeqLo)
	binary.BigEndian.PutUint32(dst[peerSeqHi:], p.SeqHi)
	binary.BigEndian.PutUint32(dst[peerSeqDiff:], p.SeqDiff)
	binary.BigEndian.PutUint16(dst[peerMaxWin:], p.MaxWin)
	binary.BigEndian.PutUint16(dst[peerMSS:], p.MSS)
	dst[peerState] = byte(p.State)
	dst[peerWScale] = p.WScale
}

// StateEntry is a decoded pfsync_state snapshot. Rule, Anchor and NatRule are
// rule numbers for lookup, not references.
type StateEntry struct {
	ID         uint64
	Interface  string
	Protocol   Protocol
	Direction  Direction
	LAN        Endpoint
	Gateway    Endpoint
	ExtLAN     Endpoint
	ExtGateway Endpoint
	Src        Peer
	Dst        Peer
	RouteAddr  Address

	Rule    uint32
	Anchor  uint32
	NatRule uint32

	// Seconds since creation and until expiry.
	Creation uint64
	Expire   uint64

	// Index 0 counts the forward direction, index 1 the reverse.
	Packets [2]uint64
	Bytes   [2]uint64

	CreatorID     uint32
	Tag           uint16
	FamilyLAN     Family
	FamilyGateway Family
	Log           uint8
	AllowOpts     uint8
	Timeout       uint8
	SyncFlags     uint8
	Updates       uint8
	ProtoVariant  uint8
	FlowHash      uint32
}

// DecodeStateEntry decodes one pfsync_state record. The family tags are read
// first from their fixed offsets and then drive the address unions.
func DecodeStateEntry(b []byte) (StateEntry, error) {
	if len(b) < StateSize {
		return StateEntry{}, errors.Wrapf(errors.ErrTruncatedBuffer, errors.KindTruncated, "pfsync_state needs %d bytes, have %d", StateSize, len(b))
	}
	b = b[:StateSize]

	afLAN, err := ParseFamily(b[stateAfLAN])
	if err != nil {
		return StateEntry{}, errors.Wrap(err, errors.KindMalformed, "af_lan")
	}
	afGwy, err := ParseFamily(b[stateAfGwy])
	if err != nil {
		return StateEntry{}, errors.Wrap(err, errors.KindMalformed, "af_gwy")
	}
	proto := Protocol(b[stateProto])

	e := StateEntry{
		ID:            binary.BigEndian.Uint64(b[stateID:]),
		Interface:     trimName(b[stateIfName : stateIfName+IfNameSize]),
		Protocol:      proto,
		Direction:     Direction(b[stateDirection]),
		Rule:          binary.BigEndian.Uint32(b[stateRule:]),
		Anchor:        binary.BigEndian.Uint32(b[stateAnchor:]),
		NatRule:       binary.BigEndian.Uint32(b[stateNatRule:]),
		Creation:      binary.BigEndian.Uint64(b[stateCreation:]),
		Expire:        binary.BigEndian.Uint64(b[stateExpire:]),
		CreatorID:     binary.BigEndian.Uint32(b[stateCreatorID:]),
		Tag:           binary.BigEndian.Uint16(b[stateTag:]),
		FamilyLAN:     afLAN,
		FamilyGateway: afGwy,
		Log:           b[stateLog],
		AllowOpts:     b[stateAllowOpts],
		Timeout:       b[stateTimeout],
		SyncFlags:     b[stateSyncFlags],
		Updates:       b[stateUpdates],
		ProtoVariant:  b[stateProtoVariant],
		FlowHash:      binary.BigEndian.Uint32(b[stateFlowHash:]),
	}
	for i := range 2 {
		e.Packets[i] = binary.BigEndian.Uint64(b[statePackets+8*i:])
		e.Bytes[i] = binary.BigEndian.Uint64(b[stateBytes+8*i:])
	}

	hosts := []struct {
		dst *Endpoint
		off int
		fam Family
		tag string
	}{
		{&e.LAN, stateLAN, afLAN, "lan"},
		{&e.Gateway, stateGwy, afGwy, "gwy"},
		{&e.ExtLAN, stateExtLAN, afLAN, "ext_lan"},
		{&e.ExtGateway, stateExtGwy, afGwy, "ext_gwy"},
	}
	for _, h := range hosts {
		ep, err := DecodeEndpoint(b[h.off:h.off+HostSize], h.fam, proto)
		if err != nil {
			return StateEntry{}, errors.Wrap(err, errors.GetKind(err), h.tag)
		}
		*h.dst = ep
	}

	if e.Src, err = decodePeer(b[stateSrc : stateSrc+PeerSize]); err != nil {
		return StateEntry{}, errors.Wrap(err, errors.KindUnknownState, "src peer")
	}
	if e.Dst, err = decodePeer(b[stateDst : stateDst+PeerSize]); err != nil {
		return StateEntry{}, errors.Wrap(err, errors.KindUnknownState, "dst peer")
	}
	// An all-zero rt_addr means no route-to target.
	if rt := b[stateRtAddr : stateRtAddr+AddrSize]; !isZero(rt) {
		if e.RouteAddr, err = DecodeAddress(rt, afLAN); err != nil {
			return StateEntry{}, errors.Wrap(err, errors.GetKind(err), "rt_addr")
		}
	}

	return e, nil
}

// EncodeStateEntry lays out a StateEntry as a pfsync_state record. It is the
// inverse of DecodeStateEntry and is used to build state tables.
func EncodeStateEntry(e StateEntry) ([]byte, error) {
	if _, err := ParseFamily(byte(e.FamilyLAN)); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "af_lan")
	}
	if _, err := ParseFamily(byte(e.FamilyGateway)); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "af_gwy")
	}
	if len(e.Interface) >= IfNameSize {
		return nil, errors.Errorf(errors.KindValidation, "interface name %q longer than %d bytes", e.Interface, IfNameSize-1)
	}

	b := make([]byte, StateSize)
	binary.BigEndian.PutUint64(b[stateID:], e.ID)
	copy(b[stateIfName:stateIfName+IfNameSize], e.Interface)
	e.LAN.put(b[stateLAN:])
	e.Gateway.put(b[stateGwy:])
	e.ExtLAN.put(b[stateExtLAN:])
	e.ExtGateway.put(b[stateExtGwy:])
	e.Src.put(b[stateSrc:])
	e.Dst.put(b[stateDst:])
	e.RouteAddr.put(b[stateRtAddr:])
	binary.BigEndian.PutUint32(b[stateRule:], e.Rule)
	binary.BigEndian.PutUint32(b[stateAnchor:], e.Anchor)
	binary.BigEndian.PutUint32(b[stateNatRule:], e.NatRule)
	binary.BigEndian.PutUint64(b[stateCreation:], e.Creation)
	binary.BigEndian.PutUint64(b[stateExpire:], e.Expire)
	for i := range 2 {
		binary.BigEndian.PutUint64(b[statePackets+8*i:], e.Packets[i])
		binary.BigEndian.PutUint64(b[stateBytes+8*i:], e.Bytes[i])
	}
	binary.BigEndian.PutUint32(b[stateCreatorID:], e.CreatorID)
	binary.BigEndian.PutUint16(b[stateTag:], e.Tag)
	b[stateAfLAN] = byte(e.FamilyLAN)
	b[stateAfGwy] = byte(e.FamilyGateway)
	b[stateProto] = byte(e.Protocol)
	b[stateDirection] = byte(e.Direction)
	b[stateLog] = e.Log
	b[stateAllowOpts] = e.AllowOpts
	b[stateTimeout] = e.Timeout
	b[stateSyncFlags] = e.SyncFlags
	b[stateUpdates] = e.Updates
	b[stateProtoVariant] = e.ProtoVariant
	binary.BigEndian.PutUint32(b[stateFlowHash:], e.FlowHash)
	return b, nil
}

// hostOrderFields are the pfsync_state fields pf_state_export copies from
// kernel memory without conversion. Addresses, ports and peer state are
// already network order.
var hostOrderFields = [...]struct{ off, size int }{
	{stateID, 8},
	{stateRule, 4},
	{stateAnchor, 4},
	{stateNatRule, 4},
	{stateCreation, 8},
	{stateExpire, 8},
	{statePackets, 8},
	{statePackets + 8, 8},
	{stateBytes, 8},
	{stateBytes + 8, 8},
	{stateCreatorID, 4},
	{stateTag, 2},
	{stateFlowHash, 4},
}

// StateFromHost rewrites the host-order fields of one exported state record
// into the big-endian layout DecodeStateEntry reads. rec is modified in place.
func StateFromHost(rec []byte, host binary.ByteOrder) error {
	if len(rec) < StateSize {
		return errors.Wrapf(errors.ErrTruncatedBuffer, errors.KindTruncated, "pfsync_state needs %d bytes, have %d", StateSize, len(rec))
	}
	for _, f := range hostOrderFields {
		b := rec[f.off : f.off+f.size]
		switch f.size {
		case 2:
			binary.BigEndian.PutUint16(b, host.Uint16(b))
		case 4:
			binary.BigEndian.PutUint32(b, host.Uint32(b))
		case 8:
			binary.BigEndian.PutUint64(b, host.Uint64(b))
		}
	}
	return nil
}

// trimName converts a NUL-padded char buffer to text, dropping trailing
// padding and whitespace.
func trimName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimRight(b, " "))
}

//go:build darwin

package channel

import (
	"encoding/binary"
	"net"
	"net/netip"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
)

// ioctl request structures as laid out by XNU's pfvar.h on LP64. The
// kernel reads these in host order; pf_rule port fields are network order.
const (
	anchorBufLen = 1024

	// struct pfioc_states
	psLen    = 0
	psBuf    = 8
	psStruct = 16

	// struct pfioc_trans / pfioc_trans_e
	transSize   = 0
	transESize  = 4
	transArray  = 8
	transStruct = 16
	teRsNum     = 0
	teAnchor    = 4
	teTicket    = 1028
	teStruct    = 1032

	// struct pfioc_rule
	prAction     = 0
	prTicket     = 4
	prPoolTicket = 8
	prNr         = 12
	prAnchor     = 16
	prAnchorCall = 1040
	prRule       = 2064
	pfRuleSize   = 1040
	prStruct     = prRule + pfRuleSize

	// struct pf_rule
	rSrc       = 0
	rDst       = 56
	rIfName    = 240
	rRpool     = 560
	rAction    = 988
	rDirection = 989
	rLog       = 990
	rQuick     = 992
	rNatPass   = 995
	rKeepState = 996
	rAf        = 997
	rProto     = 998

	// struct pf_rule_addr
	raWrapAddr = 0
	raWrapMask = 16
	raWrapType = 40
	raPort0    = 48
	raPort1    = 50
	raOp       = 52
	raNegate   = 54

	// struct pf_pool, relative to rRpool
	poolProxyPort0 = 52
	poolProxyPort1 = 54
	poolPortOp     = 56

	// struct pfioc_pooladdr
	paAction  = 0
	paTicket  = 4
	paNr      = 8
	paRNum    = 12
	paRAction = 16
	paRLast   = 17
	paAf      = 18
	paAnchor  = 19
	paAddr    = 1048
	paStruct  = 1136

	pfAddrAddrMask = 0
	pfKeepState    = 1
)

func iowr(num, size uintptr) uintptr {
	return 0xc0000000 | (size&0x1fff)<<16 | uintptr('D')<<8 | num
}

var (
	diocAddRule    = iowr(4, prStruct)
	diocGetRules   = iowr(6, prStruct)
	diocGetRule    = iowr(7, prStruct)
	diocGetStates  = iowr(25, psStruct)
	diocBeginAddrs = iowr(51, paStruct)
	diocAddAddr    = iowr(52, paStruct)
	diocGetAddrs   = iowr(53, paStruct)
	diocGetAddr    = iowr(54, paStruct)
	diocXBegin     = iowr(81, transStruct)
	diocXCommit    = iowr(82, transStruct)
	diocXRollback  = iowr(83, transStruct)
	diocInsertRule = iowr(91, prStruct)
)

var native = binary.NativeEndian

type pfDevice struct {
	fd int
}

func openDevice(path string) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &pfDevice{fd: fd}, nil
}

func (d *pfDevice) Close() error {
	return unix.Close(d.fd)
}

func (d *pfDevice) ioctl(req uintptr, arg []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(unsafe.Pointer(&arg[0])))
	runtime.KeepAlive(arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func putPointer(dst []byte, p []byte) {
	native.PutUint64(dst, uint64(uintptr(unsafe.Pointer(&p[0]))))
}

func (d *pfDevice) Do(req Request) ([]byte, error) {
	switch req.Kind {
	case GetStates:
		return d.states()
	case BeginTransaction:
		t, err := d.trans(diocXBegin, req.Anchor, req.Ruleset, 0)
		if err != nil {
			return nil, err
		}
		return AppendTicket(nil, t), nil
	case AddRule:
		return nil, d.addRule(req)
	case Commit:
		_, err := d.trans(diocXCommit, req.Anchor, req.Ruleset, req.Ticket)
		return nil, err
	case Abort:
		_, err := d.trans(diocXRollback, req.Anchor, req.Ruleset, req.Ticket)
		return nil, err
	case Flush:
		t, err := d.trans(diocXBegin, req.Anchor, req.Ruleset, 0)
		if err != nil {
			return nil, err
		}
		_, err = d.trans(diocXCommit, req.Anchor, req.Ruleset, t)
		return nil, err
	case AddAnchor:
		pr := make([]byte, prStruct)
		copy(pr[prAnchorCall:prAnchorCall+anchorBufLen-1], req.Anchor)
		pr[prRule+rAction] = byte(req.Ruleset.Action())
		return nil, d.ioctl(diocInsertRule, pr)
	case GetRules:
		return d.rules(req.Anchor, req.Ruleset)
	}
	return nil, errors.Errorf(errors.KindInternal, "unsupported request %s", req.Kind)
}

// states reads the table in two passes: the first with ps_len 0 reports the
// size the kernel needs.
func (d *pfDevice) states() ([]byte, error) {
	hdr := make([]byte, psStruct)
	if err := d.ioctl(diocGetStates, hdr); err != nil {
		return nil, err
	}
	need := int(int32(native.Uint32(hdr[psLen:])))
	for {
		// Room for states created between the two calls.
		buf := make([]byte, need+codec.StateSize*64)
		native.PutUint32(hdr[psLen:], uint32(len(buf)))
		putPointer(hdr[psBuf:], buf)
		err := d.ioctl(diocGetStates, hdr)
		runtime.KeepAlive(buf)
		if err != nil {
			return nil, err
		}
		got := int(int32(native.Uint32(hdr[psLen:])))
		if got > len(buf) {
			need = got
			continue
		}
		for off := 0; off+codec.StateSize <= got; off += codec.StateSize {
			if err := codec.StateFromHost(buf[off:off+codec.StateSize], native); err != nil {
				return nil, err
			}
		}
		// A length that is not a whole number of records is left for
		// RecordTable to reject.
		out := binary.BigEndian.AppendUint32(make([]byte, 0, 4+got), uint32(got/codec.StateSize))
		return append(out, buf[:got]...), nil
	}
}

func (d *pfDevice) trans(req uintptr, anchor string, rs codec.Ruleset, t Ticket) (Ticket, error) {
	e := make([]byte, teStruct)
	native.PutUint32(e[teRsNum:], uint32(rs))
	copy(e[teAnchor:teAnchor+anchorBufLen-1], anchor)
	native.PutUint32(e[teTicket:], uint32(t))

	hdr := make([]byte, transStruct)
	native.PutUint32(hdr[transSize:], 1)
	native.PutUint32(hdr[transESize:], teStruct)
	putPointer(hdr[transArray:], e)
	err := d.ioctl(req, hdr)
	runtime.KeepAlive(e)
	return Ticket(native.Uint32(e[teTicket:])), err
}

func (d *pfDevice) addRule(req Request) error {
	rec, err := codec.DecodeRule(req.Payload)
	if err != nil {
		return err
	}

	pa := make([]byte, paStruct)
	if err := d.ioctl(diocBeginAddrs, pa); err != nil {
		return err
	}
	poolTicket := native.Uint32(pa[paTicket:])
	if rec.NatTarget.Prefix.IsValid() {
		pa[paAf] = byte(rec.Family)
		putAddrWrap(pa[paAddr:], rec.NatTarget.Prefix)
		if err := d.ioctl(diocAddAddr, pa); err != nil {
			return err
		}
	}

	pr := make([]byte, prStruct)
	native.PutUint32(pr[prTicket:], uint32(req.Ticket))
	native.PutUint32(pr[prPoolTicket:], poolTicket)
	copy(pr[prAnchor:prAnchor+anchorBufLen-1], req.Anchor)
	putPfRule(pr[prRule:prRule+pfRuleSize], rec)
	return d.ioctl(diocAddRule, pr)
}

func (d *pfDevice) rules(anchor string, rs codec.Ruleset) ([]byte, error) {
	pr := make([]byte, prStruct)
	copy(pr[prAnchor:prAnchor+anchorBufLen-1], anchor)
	pr[prRule+rAction] = byte(rs.Action())
	if err := d.ioctl(diocGetRules, pr); err != nil {
		return nil, err
	}
	n := native.Uint32(pr[prNr:])
	ticket := native.Uint32(pr[prTicket:])

	records := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		native.PutUint32(pr[prNr:], i)
		native.PutUint32(pr[prTicket:], ticket)
		if err := d.ioctl(diocGetRule, pr); err != nil {
			return nil, err
		}
		rec := pfRuleRecord(pr[prRule : prRule+pfRuleSize])
		if rs != codec.RulesetFilter && rs != codec.RulesetScrub {
			target, err := d.poolAddr(anchor, rec.Action, ticket, i)
			if err != nil {
				return nil, err
			}
			rec.NatTarget.Prefix = target
		}
		raw, err := codec.EncodeRule(rec)
		if err != nil {
			return nil, err
		}
		records = append(records, raw)
	}
	return codec.AppendRecordTable(nil, records...), nil
}

func (d *pfDevice) poolAddr(anchor string, action codec.RuleAction, ticket, nr uint32) (netip.Prefix, error) {
	pa := make([]byte, paStruct)
	native.PutUint32(pa[paTicket:], ticket)
	native.PutUint32(pa[paRNum:], nr)
	pa[paRAction] = byte(action)
	copy(pa[paAnchor:paAnchor+anchorBufLen-1], anchor)
	if err := d.ioctl(diocGetAddrs, pa); err != nil {
		return netip.Prefix{}, err
	}
	if native.Uint32(pa[paNr:]) == 0 {
		return netip.Prefix{}, nil
	}
	native.PutUint32(pa[paNr:], 0)
	if err := d.ioctl(diocGetAddr, pa); err != nil {
		return netip.Prefix{}, err
	}
	return addrWrapPrefix(pa[paAddr:], codec.Family(pa[paAf])), nil
}

func putPfRule(b []byte, r codec.RuleRecord) {
	putRuleAddr(b[rSrc:], r.Src)
	putRuleAddr(b[rDst:], r.Dst)
	copy(b[rIfName:rIfName+codec.IfNameSize-1], r.Interface)
	b[rAction] = byte(r.Action)
	b[rDirection] = byte(r.Direction)
	b[rLog] = flag(r.Log)
	b[rQuick] = flag(r.Quick)
	b[rNatPass] = flag(r.NatPass)
	if r.KeepState {
		b[rKeepState] = pfKeepState
	}
	b[rAf] = byte(r.Family)
	b[rProto] = byte(r.Protocol)
	pool := b[rRpool:]
	native.PutUint16(pool[poolProxyPort0:], r.NatTarget.Ports.Low)
	native.PutUint16(pool[poolProxyPort1:], r.NatTarget.Ports.High)
	pool[poolPortOp] = byte(r.NatTarget.Ports.Op)
}

func pfRuleRecord(b []byte) codec.RuleRecord {
	fam := codec.Family(b[rAf])
	pool := b[rRpool:]
	return codec.RuleRecord{
		Action:    codec.RuleAction(b[rAction]),
		Direction: codec.Direction(b[rDirection]),
		Family:    fam,
		Protocol:  codec.Protocol(b[rProto]),
		Quick:     b[rQuick] != 0,
		KeepState: b[rKeepState] != 0,
		Log:       b[rLog] != 0,
		NatPass:   b[rNatPass] != 0,
		Interface: cString(b[rIfName : rIfName+codec.IfNameSize]),
		Src:       ruleAddr(b[rSrc:], fam),
		Dst:       ruleAddr(b[rDst:], fam),
		NatTarget: codec.RuleAddr{Ports: codec.PortRange{
			Op:   codec.PortOp(pool[poolPortOp]),
			Low:  native.Uint16(pool[poolProxyPort0:]),
			High: native.Uint16(pool[poolProxyPort1:]),
		}},
	}
}

func putRuleAddr(b []byte, ra codec.RuleAddr) {
	putAddrWrap(b, ra.Prefix)
	binary.BigEndian.PutUint16(b[raPort0:], ra.Ports.Low)
	binary.BigEndian.PutUint16(b[raPort1:], ra.Ports.High)
	b[raOp] = byte(ra.Ports.Op)
	b[raNegate] = flag(ra.Negate)
}

func ruleAddr(b []byte, fam codec.Family) codec.RuleAddr {
	return codec.RuleAddr{
		Prefix: addrWrapPrefix(b, fam),
		Negate: b[raNegate] != 0,
		Ports: codec.PortRange{
			Op:   codec.PortOp(b[raOp]),
			Low:  binary.BigEndian.Uint16(b[raPort0:]),
			High: binary.BigEndian.Uint16(b[raPort1:]),
		},
	}
}

func putAddrWrap(b []byte, p netip.Prefix) {
	b[raWrapType] = pfAddrAddrMask
	if !p.IsValid() {
		return
	}
	addr := p.Addr().Unmap()
	bits := 128
	if addr.Is4() {
		bits = 32
		v4 := addr.As4()
		copy(b[raWrapAddr:], v4[:])
	} else {
		v6 := addr.As16()
		copy(b[raWrapAddr:], v6[:])
	}
	copy(b[raWrapMask:raWrapMask+codec.AddrSize], net.CIDRMask(p.Bits(), bits))
}

func addrWrapPrefix(b []byte, fam codec.Family) netip.Prefix {
	mask := b[raWrapMask : raWrapMask+codec.AddrSize]
	var ip netip.Addr
	var m net.IPMask
	switch fam {
	case codec.FamilyInet:
		ip = netip.AddrFrom4([4]byte(b[raWrapAddr : raWrapAddr+4]))
		m = net.IPMask(mask[:4])
	case codec.FamilyInet6:
		ip = netip.AddrFrom16([16]byte(b[raWrapAddr : raWrapAddr+16]))
		m = net.IPMask(mask)
	default:
		return netip.Prefix{}
	}
	ones, _ := m.Size()
	if ones == 0 && ip.IsUnspecified() {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(ip, ones)
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func flag(v bool) byte {
	if v {
		return 1
	}
	return 0
}

package channel

import (
	"slices"
	"sort"
	"sync"
	"syscall"

	"grimm.is/pfkit/internal/codec"
)

type scope struct {
	anchor  string
	ruleset codec.Ruleset
}

func (s scope) String() string {
	if s.anchor == "" {
		return "/" + s.ruleset.String()
	}
	return s.anchor + "/" + s.ruleset.String()
}

type staged struct {
	ticket Ticket
	rules  [][]byte
}

// SimKernel is an in-memory Device that follows pf's transaction rules:
// one inactive ruleset per scope, tickets numbered per scope from 1, a new
// begin invalidates the previous ticket for that scope, commit swaps
// atomically, and adding an anchor twice reports EEXIST. It tracks no
// packets and runs no timeouts.
type SimKernel struct {
	mu sync.Mutex

	active  map[scope][][]byte
	anchors map[scope]bool
	pending map[scope]*staged
	tickets map[scope]Ticket
	states  []byte
	faults  map[RequestKind][]syscall.Errno
	calls   map[RequestKind]int
	closed  bool
}

// NewSimKernel creates an empty simulated pf.
func NewSimKernel() *SimKernel {
	return &SimKernel{
		active:  make(map[scope][][]byte),
		anchors: make(map[scope]bool),
		pending: make(map[scope]*staged),
		tickets: make(map[scope]Ticket),
		states:  codec.AppendRecordTable(nil),
		faults:  make(map[RequestKind][]syscall.Errno),
		calls:   make(map[RequestKind]int),
	}
}

// Do implements Device.
func (k *SimKernel) Do(req Request) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, syscall.EBADF
	}
	k.calls[req.Kind]++
	if q := k.faults[req.Kind]; len(q) > 0 {
		k.faults[req.Kind] = q[1:]
		// A refused commit leaves the staged set in place, as pf does.
		return nil, q[0]
	}

	sc := scope{anchor: req.Anchor, ruleset: req.Ruleset}
	switch req.Kind {
	case GetStates:
		return slices.Clone(k.states), nil

	case BeginTransaction:
		k.tickets[sc]++
		t := k.tickets[sc]
		k.pending[sc] = &staged{ticket: t}
		return AppendTicket(nil, t), nil

	case AddRule:
		p, err := k.staged(sc, req.Ticket)
		if err != nil {
			return nil, err
		}
		rec, derr := codec.DecodeRule(req.Payload)
		if derr != nil || rec.Ruleset() != sc.ruleset {
			return nil, syscall.EINVAL
		}
		p.rules = append(p.rules, slices.Clone(req.Payload))
		return nil, nil

	case Commit:
		p, err := k.staged(sc, req.Ticket)
		if err != nil {
			return nil, err
		}
		k.active[sc] = p.rules
		delete(k.pending, sc)
		return nil, nil

	case Abort:
		// pf ignores a rollback whose ticket is no longer current.
		if p, ok := k.pending[sc]; ok && p.ticket == req.Ticket {
			delete(k.pending, sc)
		}
		return nil, nil

	case Flush:
		delete(k.pending, sc)
		delete(k.active, sc)
		return nil, nil

	case AddAnchor:
		if req.Anchor == "" {
			return nil, syscall.EINVAL
		}
		if k.anchors[sc] {
			return nil, syscall.EEXIST
		}
		k.anchors[sc] = true
		return nil, nil

	case GetRules:
		return codec.AppendRecordTable(nil, k.active[sc]...), nil
	}
	return nil, syscall.ENODEV
}

func (k *SimKernel) staged(sc scope, t Ticket) (*staged, error) {
	p, ok := k.pending[sc]
	if !ok || p.ticket != t {
		return nil, syscall.EBUSY
	}
	return p, nil
}

// Close implements Device.
func (k *SimKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

// SetStates replaces the state table with the given records.
func (k *SimKernel) SetStates(records ...[]byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.states = codec.AppendRecordTable(nil, records...)
}

// SetRawStates replaces the state table response verbatim.
func (k *SimKernel) SetRawStates(raw []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.states = slices.Clone(raw)
}

// Fail makes the next request of kind fail with errno. Calls queue.
func (k *SimKernel) Fail(kind RequestKind, errno syscall.Errno) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.faults[kind] = append(k.faults[kind], errno)
}

// Calls reports how many requests of kind reached the kernel.
func (k *SimKernel) Calls(kind RequestKind) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls[kind]
}

// RuleCount returns the number of active rules in (anchor, rs).
func (k *SimKernel) RuleCount(anchor string, rs codec.Ruleset) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.active[scope{anchor, rs}])
}

// Pending reports the number of open staging sequences.
func (k *SimKernel) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.pending)
}

// Anchors lists created anchors as "name/ruleset", sorted.
func (k *SimKernel) Anchors() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.anchors))
	for sc := range k.anchors {
		out = append(out, sc.String())
	}
	sort.Strings(out)
	return out
}

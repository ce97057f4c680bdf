package channel

import (
	"encoding/binary"
	"fmt"

	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
)

// Ticket is the kernel-issued token for one staging sequence on an
// (anchor, ruleset) scope.
type Ticket uint32

func (t Ticket) String() string {
	return fmt.Sprintf("%#08x", uint32(t))
}

// TicketSize is the length of a BeginTransaction response.
const TicketSize = 4

// ParseTicket reads a BeginTransaction response.
func ParseTicket(resp []byte) (Ticket, error) {
	if len(resp) < TicketSize {
		return 0, errors.Wrapf(errors.ErrTruncatedBuffer, errors.KindTruncated, "ticket needs %d bytes, have %d", TicketSize, len(resp))
	}
	return Ticket(binary.BigEndian.Uint32(resp)), nil
}

// AppendTicket encodes a BeginTransaction response.
func AppendTicket(dst []byte, t Ticket) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(t))
}

// RequestKind enumerates the logical requests the channel carries.
type RequestKind int

const (
	GetStates RequestKind = iota
	BeginTransaction
	AddRule
	Commit
	Abort
	Flush
	AddAnchor
	GetRules
)

var requestNames = [...]string{
	GetStates:        "get-states",
	BeginTransaction: "begin",
	AddRule:          "add-rule",
	Commit:           "commit",
	Abort:            "abort",
	Flush:            "flush",
	AddAnchor:        "add-anchor",
	GetRules:         "get-rules",
}

func (k RequestKind) String() string {
	if k >= 0 && int(k) < len(requestNames) {
		return requestNames[k]
	}
	return fmt.Sprintf("request(%d)", int(k))
}

// Request is one logical request. Which fields matter depends on Kind; use
// the constructors.
type Request struct {
	Kind    RequestKind
	Anchor  string
	Ruleset codec.Ruleset
	Ticket  Ticket
	Payload []byte
}

// StatesRequest asks for the state table.
func StatesRequest() Request {
	return Request{Kind: GetStates}
}

// BeginRequest opens a staging sequence on (anchor, rs).
func BeginRequest(anchor string, rs codec.Ruleset) Request {
	return Request{Kind: BeginTransaction, Anchor: anchor, Ruleset: rs}
}

// AddRuleRequest stages one encoded rule under ticket.
func AddRuleRequest(anchor string, rs codec.Ruleset, t Ticket, rule []byte) Request {
	return Request{Kind: AddRule, Anchor: anchor, Ruleset: rs, Ticket: t, Payload: rule}
}

// CommitRequest swaps the staged rules for ticket into the active ruleset.
func CommitRequest(anchor string, rs codec.Ruleset, t Ticket) Request {
	return Request{Kind: Commit, Anchor: anchor, Ruleset: rs, Ticket: t}
}

// AbortRequest discards the staged rules for ticket.
func AbortRequest(anchor string, rs codec.Ruleset, t Ticket) Request {
	return Request{Kind: Abort, Anchor: anchor, Ruleset: rs, Ticket: t}
}

// FlushRequest empties the (anchor, rs) ruleset.
func FlushRequest(anchor string, rs codec.Ruleset) Request {
	return Request{Kind: Flush, Anchor: anchor, Ruleset: rs}
}

// AddAnchorRequest creates the named anchor for rs under the main ruleset.
func AddAnchorRequest(name string, rs codec.Ruleset) Request {
	return Request{Kind: AddAnchor, Anchor: name, Ruleset: rs}
}

// RulesRequest lists the active rules of (anchor, rs).
func RulesRequest(anchor string, rs codec.Ruleset) Request {
	return Request{Kind: GetRules, Anchor: anchor, Ruleset: rs}
}

// logAttrs returns the fields worth logging for r.
func (r Request) logAttrs() []any {
	args := []any{"kind", r.Kind.String()}
	switch r.Kind {
	case GetStates:
		return args
	case AddRule, Commit, Abort:
		args = append(args, "ticket", r.Ticket.String())
	}
	return append(args, "anchor", r.Anchor, "ruleset", r.Ruleset.String())
}

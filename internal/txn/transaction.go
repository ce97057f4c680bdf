package txn

import (
	"sync"

	"grimm.is/pfkit/internal/channel"
	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
)

// State is the lifecycle position of a Transaction.
type State int

const (
	Idle State = iota
	TicketAcquired
	RuleStaged
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TicketAcquired:
		return "ticket-acquired"
	case RuleStaged:
		return "rule-staged"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transaction is one staging sequence against a single (anchor, ruleset)
// scope. Its ticket is valid until Commit, Abort, a newer Begin on the same
// scope, or a Flush of that scope.
type Transaction struct {
	ID      string
	Anchor  string
	Ruleset codec.Ruleset

	m *Manager

	mu     sync.Mutex
	ticket channel.Ticket
	state  State
	staged int
}

// Ticket returns the kernel ticket this transaction holds.
func (tx *Transaction) Ticket() channel.Ticket {
	return tx.ticket
}

// Key returns the registry key for this transaction's ticket.
func (tx *Transaction) Key() Key {
	return Key{Anchor: tx.Anchor, Ruleset: tx.Ruleset, Ticket: tx.ticket}
}

// State returns the current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Staged returns the number of rules staged so far.
func (tx *Transaction) Staged() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.staged
}

func (tx *Transaction) scope() string {
	return tx.Anchor + "/" + tx.Ruleset.String()
}

// live reports whether the ticket may still be used. Caller holds tx.mu.
func (tx *Transaction) live() error {
	if tx.state == TicketAcquired || tx.state == RuleStaged {
		return nil
	}
	return errors.Attr(errors.Wrapf(errors.ErrInvalidTicket, errors.KindInvalidTicket,
		"ticket %s on %s is %s", tx.ticket, tx.scope(), tx.state), "tx", tx.ID)
}

// Add stages rec. Staged rules have no effect until Commit.
func (tx *Transaction) Add(rec codec.RuleRecord) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.live(); err != nil {
		return err
	}
	if rec.Ruleset() != tx.Ruleset {
		return errors.Errorf(errors.KindValidation, "%s rule cannot be staged in %s", rec.Ruleset(), tx.scope())
	}
	raw, err := codec.EncodeRule(rec)
	if err != nil {
		return err
	}

	if _, err := tx.m.ch.Request(channel.AddRuleRequest(tx.Anchor, tx.Ruleset, tx.ticket, raw)); err != nil {
		tx.m.logger.Warn("stage rejected", "tx", tx.ID, "scope", tx.scope(), "error", err)
		return errors.Wrapf(err, errors.GetKind(err), "stage rule %d in %s", tx.staged+1, tx.scope())
	}
	tx.staged++
	tx.state = RuleStaged
	return nil
}

// Commit atomically replaces the scope's live ruleset with the staged rules.
// When the kernel refuses, the staged rules are discarded and the live
// ruleset is left as it was.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.live(); err != nil {
		return err
	}

	m := tx.m
	_, err := m.ch.Request(channel.CommitRequest(tx.Anchor, tx.Ruleset, tx.ticket))
	if err != nil {
		if _, aerr := m.ch.Request(channel.AbortRequest(tx.Anchor, tx.Ruleset, tx.ticket)); aerr != nil {
			m.logger.Debug("abort after rejected commit", "tx", tx.ID, "error", aerr)
		}
		tx.state = Aborted
		m.forget(tx)
		m.record(tx, "commit", err)
		m.metrics.RecordTransaction(tx.Ruleset.String(), "rejected", tx.staged)
		m.logger.Warn("commit rejected", "tx", tx.ID, "scope", tx.scope(), "rules", tx.staged, "error", err)
		return errors.Attr(errors.Wrapf(err, errors.GetKind(err), "commit %s", tx.scope()), "tx", tx.ID)
	}

	tx.state = Committed
	m.forget(tx)
	m.record(tx, "commit", nil)
	m.metrics.RecordTransaction(tx.Ruleset.String(), "committed", tx.staged)
	m.logger.Info("ruleset committed", "tx", tx.ID, "scope", tx.scope(), "rules", tx.staged)
	return nil
}

// Abort discards the staged rules. The ticket is retired even when the
// kernel reports an error.
func (tx *Transaction) Abort() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.live(); err != nil {
		return err
	}

	m := tx.m
	_, err := m.ch.Request(channel.AbortRequest(tx.Anchor, tx.Ruleset, tx.ticket))
	tx.state = Aborted
	m.forget(tx)
	m.record(tx, "abort", err)
	m.metrics.RecordTransaction(tx.Ruleset.String(), "aborted", tx.staged)
	if err != nil {
		return errors.Wrapf(err, errors.GetKind(err), "abort %s", tx.scope())
	}
	m.logger.Debug("transaction aborted", "tx", tx.ID, "scope", tx.scope(), "rules", tx.staged)
	return nil
}

// retire marks the ticket spent without a kernel call.
func (tx *Transaction) retire(s State) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == TicketAcquired || tx.state == RuleStaged {
		tx.state = s
	}
}

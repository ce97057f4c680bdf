// Package txn sequences pf ruleset transactions: ticket acquisition, rule
// staging and atomic commit or abort, scoped to one (anchor, ruleset) pair.
//
// A Transaction moves Idle -> TicketAcquired -> RuleStaged* -> Committed or
// Aborted. Tickets are tracked locally so a retired ticket fails with
// ErrInvalidTicket before any kernel call is made.
package txn

import (
	"sync"
	"syscall"

	"github.com/google/uuid"

	"grimm.is/pfkit/internal/audit"
	"grimm.is/pfkit/internal/channel"
	"grimm.is/pfkit/internal/clock"
	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/logging"
	"grimm.is/pfkit/internal/metrics"
)

// Journal receives one event per ruleset mutation. *audit.Store implements it.
type Journal interface {
	Write(evt audit.Event) error
}

// Key identifies a live ticket. pf numbers tickets per (anchor, ruleset), so
// two scopes routinely hold the same ticket number.
type Key struct {
	Anchor  string
	Ruleset codec.Ruleset
	Ticket  channel.Ticket
}

func (k Key) String() string {
	return k.Anchor + "/" + k.Ruleset.String() + "#" + k.Ticket.String()
}

// Manager issues and tracks transactions over one channel.
type Manager struct {
	ch      channel.Requester
	logger  *logging.Logger
	metrics *metrics.Registry
	journal Journal
	clock   clock.Clock

	mu   sync.Mutex
	live map[Key]*Transaction
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l.WithComponent("txn") }
}

// WithJournal records every mutation to j.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithClock sets the clock used for journal timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a manager that issues requests on ch.
func NewManager(ch channel.Requester, opts ...Option) *Manager {
	m := &Manager{
		ch:      ch,
		logger:  logging.WithComponent("txn"),
		metrics: metrics.Get(),
		clock:   clock.Real,
		live:    make(map[Key]*Transaction),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin acquires a ticket for (anchor, rs).
func (m *Manager) Begin(anchor string, rs codec.Ruleset) (*Transaction, error) {
	tx := &Transaction{
		ID:      uuid.NewString(),
		Anchor:  anchor,
		Ruleset: rs,
		m:       m,
	}

	resp, err := m.ch.Request(channel.BeginRequest(anchor, rs))
	if err == nil {
		tx.ticket, err = channel.ParseTicket(resp)
	}
	if err != nil {
		m.record(tx, "begin", err)
		return nil, errors.Attr(errors.Wrapf(err, errors.GetKind(err), "begin %s", tx.scope()), "anchor", anchor)
	}

	// pf invalidates an older ticket on the same scope when a new one is
	// issued; mirror that locally.
	m.retireScope(anchor, rs)
	tx.state = TicketAcquired
	m.mu.Lock()
	m.live[tx.Key()] = tx
	m.mu.Unlock()

	m.logger.Debug("transaction begun", "tx", tx.ID, "anchor", anchor, "ruleset", rs.String(), "ticket", tx.ticket.String())
	m.record(tx, "begin", nil)
	return tx, nil
}

// lookup returns the live transaction holding k.
func (m *Manager) lookup(k Key) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.live[k]
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidTicket, errors.KindInvalidTicket, "ticket %s is not live", k)
	}
	return tx, nil
}

// retireScope drops every live transaction on (anchor, rs).
func (m *Manager) retireScope(anchor string, rs codec.Ruleset) {
	var stale []*Transaction
	m.mu.Lock()
	for k, tx := range m.live {
		if k.Anchor == anchor && k.Ruleset == rs {
			stale = append(stale, tx)
			delete(m.live, k)
		}
	}
	m.mu.Unlock()

	for _, tx := range stale {
		tx.retire(Aborted)
		m.logger.Debug("ticket superseded", "tx", tx.ID, "ticket", tx.ticket.String())
	}
}

func (m *Manager) forget(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[tx.Key()] == tx {
		delete(m.live, tx.Key())
	}
}

// Stage adds rec to the transaction holding k.
func (m *Manager) Stage(k Key, rec codec.RuleRecord) error {
	tx, err := m.lookup(k)
	if err != nil {
		return err
	}
	return tx.Add(rec)
}

// Commit commits the transaction holding k.
func (m *Manager) Commit(k Key) error {
	tx, err := m.lookup(k)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Abort aborts the transaction holding k.
func (m *Manager) Abort(k Key) error {
	tx, err := m.lookup(k)
	if err != nil {
		return err
	}
	return tx.Abort()
}

// Live returns the number of transactions holding a ticket.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Apply replaces the (anchor, rs) ruleset with recs in one transaction.
// Any failure aborts; the live ruleset is either fully replaced or unchanged.
func (m *Manager) Apply(anchor string, rs codec.Ruleset, recs []codec.RuleRecord) error {
	tx, err := m.Begin(anchor, rs)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := tx.Add(rec); err != nil {
			if aerr := tx.Abort(); aerr != nil {
				m.logger.Warn("abort after failed stage", "tx", tx.ID, "error", aerr)
			}
			return err
		}
	}
	return tx.Commit()
}

// Flush empties the (anchor, rs) ruleset. Other rulesets under the anchor
// are untouched.
func (m *Manager) Flush(anchor string, rs codec.Ruleset) error {
	tx := &Transaction{ID: uuid.NewString(), Anchor: anchor, Ruleset: rs}
	_, err := m.ch.Request(channel.FlushRequest(anchor, rs))
	m.record(tx, "flush", err)
	if err != nil {
		m.metrics.RecordTransaction(rs.String(), "rejected", 0)
		return errors.Wrapf(err, errors.GetKind(err), "flush %s", tx.scope())
	}

	// The flush retired any staging sequence open on this scope.
	m.retireScope(anchor, rs)

	m.metrics.RecordTransaction(rs.String(), "flushed", 0)
	m.logger.Info("ruleset flushed", "anchor", anchor, "ruleset", rs.String())
	return nil
}

// TryAddAnchor creates the named anchor for rs. An anchor that already
// exists is success; every other rejection is returned.
func (m *Manager) TryAddAnchor(name string, rs codec.Ruleset) error {
	if name == "" {
		return errors.New(errors.KindValidation, "anchor name is empty")
	}
	tx := &Transaction{Anchor: name, Ruleset: rs}
	_, err := m.ch.Request(channel.AddAnchorRequest(name, rs))

	existed := false
	if code, ok := errors.KernelCode(err); ok && code == syscall.EEXIST {
		existed, err = true, nil
	}
	m.metrics.RecordAnchor(rs.String(), existed, err)

	evt := m.event(tx, "add-anchor", err)
	if existed {
		evt.Outcome = audit.OutcomeExists
	}
	m.write(evt)

	if err != nil {
		return errors.Wrapf(err, errors.GetKind(err), "add anchor %s", tx.scope())
	}
	m.logger.Debug("anchor ready", "anchor", name, "ruleset", rs.String(), "existed", existed)
	return nil
}

// Close aborts every live transaction, as a process exiting without commit
// would. The first abort error is returned.
func (m *Manager) Close() error {
	m.mu.Lock()
	txs := make([]*Transaction, 0, len(m.live))
	for _, tx := range m.live {
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	var first error
	for _, tx := range txs {
		if err := tx.Abort(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Manager) event(tx *Transaction, action string, err error) audit.Event {
	evt := audit.Event{
		Timestamp: m.clock.Now(),
		TxID:      tx.ID,
		Action:    action,
		Anchor:    tx.Anchor,
		Ruleset:   tx.Ruleset.String(),
		Ticket:    uint32(tx.ticket),
		Rules:     tx.staged,
		Outcome:   audit.OutcomeOK,
	}
	if err != nil {
		evt.Outcome = audit.OutcomeRejected
		evt.Error = err.Error()
		if code, ok := errors.KernelCode(err); ok {
			evt.Details = map[string]any{"errno": int(code)}
		}
	}
	return evt
}

func (m *Manager) record(tx *Transaction, action string, err error) {
	m.write(m.event(tx, action, err))
}

func (m *Manager) write(evt audit.Event) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Write(evt); err != nil {
		m.logger.Warn("journal write failed", "action", evt.Action, "error", err)
	}
}

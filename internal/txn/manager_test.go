package txn

import (
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/pfkit/internal/audit"
	"grimm.is/pfkit/internal/channel"
	"grimm.is/pfkit/internal/clock"
	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/logging"
)

const anchor = "tethering_nat"

func natRecord(src string) codec.RuleRecord {
	return codec.RuleRecord{
		Action:    codec.ActionNat,
		Family:    codec.FamilyInet,
		Src:       codec.RuleAddr{Prefix: netip.MustParsePrefix(src)},
		NatTarget: codec.RuleAddr{Prefix: netip.MustParsePrefix("198.18.0.1/32")},
	}
}

func passRecord() codec.RuleRecord {
	return codec.RuleRecord{Action: codec.ActionPass, Family: codec.FamilyInet, Quick: true}
}

func setup(t *testing.T, opts ...Option) (*channel.SimKernel, *Manager) {
	t.Helper()
	k := channel.NewSimKernel()
	h := channel.OpenDevice(k, channel.WithLogger(logging.Discard()))
	t.Cleanup(func() { h.Close() })
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return k, NewManager(h, opts...)
}

func TestApply_Commits(t *testing.T) {
	k, m := setup(t)

	recs := []codec.RuleRecord{natRecord("172.20.10.0/24"), natRecord("172.20.11.0/24")}
	require.NoError(t, m.Apply(anchor, codec.RulesetNat, recs))

	assert.Equal(t, 2, k.RuleCount(anchor, codec.RulesetNat))
	assert.Zero(t, k.Pending())
	assert.Zero(t, m.Live())
}

func TestApply_RejectedCommitLeavesRulesetUnchanged(t *testing.T) {
	k, m := setup(t)
	require.NoError(t, m.Apply(anchor, codec.RulesetNat, []codec.RuleRecord{natRecord("10.0.0.0/8")}))

	k.Fail(channel.Commit, syscall.EBUSY)
	recs := []codec.RuleRecord{natRecord("172.20.10.0/24"), natRecord("172.20.11.0/24"), natRecord("172.20.12.0/24")}
	err := m.Apply(anchor, codec.RulesetNat, recs)
	require.Error(t, err)

	assert.Equal(t, errors.KindKernel, errors.GetKind(err))
	code, ok := errors.KernelCode(err)
	require.True(t, ok)
	assert.Equal(t, syscall.EBUSY, code)

	assert.Equal(t, 1, k.RuleCount(anchor, codec.RulesetNat))
	assert.Zero(t, k.Pending(), "staged rules discarded")
	assert.Zero(t, m.Live())
}

func TestApply_FailedStageAborts(t *testing.T) {
	k, m := setup(t)
	k.Fail(channel.AddRule, syscall.ENOMEM)

	err := m.Apply(anchor, codec.RulesetNat, []codec.RuleRecord{natRecord("172.20.10.0/24")})
	require.Error(t, err)
	assert.Zero(t, k.RuleCount(anchor, codec.RulesetNat))
	assert.Zero(t, k.Pending())
	assert.Equal(t, 1, k.Calls(channel.Abort))
	assert.Zero(t, k.Calls(channel.Commit))
}

func TestTransaction_SpentTicket(t *testing.T) {
	k, m := setup(t)

	tx, err := m.Begin(anchor, codec.RulesetNat)
	require.NoError(t, err)
	assert.Equal(t, TicketAcquired, tx.State())

	require.NoError(t, tx.Add(natRecord("172.20.10.0/24")))
	assert.Equal(t, RuleStaged, tx.State())
	assert.Equal(t, 1, tx.Staged())
	require.NoError(t, tx.Commit())
	assert.Equal(t, Committed, tx.State())

	calls := k.Calls(channel.AddRule)
	err = tx.Add(natRecord("172.20.11.0/24"))
	assert.True(t, errors.Is(err, errors.ErrInvalidTicket))
	assert.Equal(t, calls, k.Calls(channel.AddRule), "no kernel call for a spent ticket")

	assert.True(t, errors.Is(m.Commit(tx.Key()), errors.ErrInvalidTicket))
	assert.True(t, errors.Is(m.Stage(tx.Key(), natRecord("172.20.12.0/24")), errors.ErrInvalidTicket))
	assert.True(t, errors.Is(tx.Abort(), errors.ErrInvalidTicket))
}

func TestTransaction_AbortByTicket(t *testing.T) {
	k, m := setup(t)

	tx, err := m.Begin(anchor, codec.RulesetNat)
	require.NoError(t, err)
	require.NoError(t, m.Stage(tx.Key(), natRecord("172.20.10.0/24")))
	require.NoError(t, m.Abort(tx.Key()))

	assert.Equal(t, Aborted, tx.State())
	assert.Zero(t, k.RuleCount(anchor, codec.RulesetNat))
	assert.True(t, errors.Is(m.Abort(tx.Key()), errors.ErrInvalidTicket))
}

func TestBegin_SupersedesSameScope(t *testing.T) {
	_, m := setup(t)

	first, err := m.Begin(anchor, codec.RulesetNat)
	require.NoError(t, err)
	other, err := m.Begin(anchor, codec.RulesetFilter)
	require.NoError(t, err)
	second, err := m.Begin(anchor, codec.RulesetNat)
	require.NoError(t, err)

	assert.NotEqual(t, first.Ticket(), second.Ticket())
	assert.Equal(t, Aborted, first.State())
	assert.True(t, errors.Is(first.Add(natRecord("172.20.10.0/24")), errors.ErrInvalidTicket))
	assert.Equal(t, TicketAcquired, other.State())
	assert.Equal(t, 2, m.Live())

	require.NoError(t, second.Add(natRecord("172.20.10.0/24")))
	require.NoError(t, second.Commit())
}

func TestTransaction_RulesetMismatch(t *testing.T) {
	k, m := setup(t)

	tx, err := m.Begin(anchor, codec.RulesetNat)
	require.NoError(t, err)
	err = tx.Add(passRecord())
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.Zero(t, k.Calls(channel.AddRule))
	assert.Equal(t, TicketAcquired, tx.State())
}

func TestTryAddAnchor_Idempotent(t *testing.T) {
	k, m := setup(t)

	require.NoError(t, m.TryAddAnchor(anchor, codec.RulesetNat))
	require.NoError(t, m.TryAddAnchor(anchor, codec.RulesetNat))

	assert.Equal(t, []string{"tethering_nat/nat"}, k.Anchors())
	assert.Equal(t, 2, k.Calls(channel.AddAnchor))
}

func TestTryAddAnchor_Errors(t *testing.T) {
	k, m := setup(t)

	err := m.TryAddAnchor("", codec.RulesetNat)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	k.Fail(channel.AddAnchor, syscall.EPERM)
	err = m.TryAddAnchor(anchor, codec.RulesetNat)
	require.Error(t, err)
	code, _ := errors.KernelCode(err)
	assert.Equal(t, syscall.EPERM, code)
}

func TestFlush_OnlyNamedRuleset(t *testing.T) {
	k, m := setup(t)
	require.NoError(t, m.Apply(anchor, codec.RulesetNat, []codec.RuleRecord{natRecord("172.20.10.0/24")}))
	require.NoError(t, m.Apply(anchor, codec.RulesetFilter, []codec.RuleRecord{passRecord()}))

	tx, err := m.Begin(anchor, codec.RulesetNat)
	require.NoError(t, err)

	require.NoError(t, m.Flush(anchor, codec.RulesetNat))
	assert.Zero(t, k.RuleCount(anchor, codec.RulesetNat))
	assert.Equal(t, 1, k.RuleCount(anchor, codec.RulesetFilter))

	assert.Equal(t, Aborted, tx.State())
	assert.Zero(t, m.Live())
}

func TestClose_AbortsLive(t *testing.T) {
	k, m := setup(t)

	a, err := m.Begin(anchor, codec.RulesetNat)
	require.NoError(t, err)
	require.NoError(t, a.Add(natRecord("172.20.10.0/24")))
	b, err := m.Begin("other", codec.RulesetFilter)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Equal(t, Aborted, a.State())
	assert.Equal(t, Aborted, b.State())
	assert.Zero(t, k.Pending())
	assert.Zero(t, k.RuleCount(anchor, codec.RulesetNat))
}

func TestManager_SameTicketOnTwoScopes(t *testing.T) {
	dev := new(channel.MockDevice)
	dev.On("Do", mock.MatchedBy(func(r channel.Request) bool { return r.Kind == channel.BeginTransaction })).
		Return(channel.AppendTicket(nil, 1), nil).Twice()
	dev.On("Do", mock.MatchedBy(func(r channel.Request) bool { return r.Kind == channel.Abort })).
		Return([]byte(nil), nil).Twice()

	m := NewManager(channel.OpenDevice(dev, channel.WithLogger(logging.Discard())), WithLogger(logging.Discard()))
	a, err := m.Begin("a", codec.RulesetNat)
	require.NoError(t, err)
	b, err := m.Begin("b", codec.RulesetNat)
	require.NoError(t, err)
	require.Equal(t, a.Ticket(), b.Ticket())
	assert.Equal(t, 2, m.Live())

	require.NoError(t, m.Abort(b.Key()))
	assert.Equal(t, Aborted, b.State())
	assert.Equal(t, TicketAcquired, a.State())

	require.NoError(t, m.Close())
	assert.Equal(t, Aborted, a.State())
	assert.Zero(t, m.Live())
	dev.AssertExpectations(t)
}

func TestClose_AbortsEveryScope(t *testing.T) {
	k, m := setup(t)

	a, err := m.Begin("a", codec.RulesetNat)
	require.NoError(t, err)
	b, err := m.Begin("b", codec.RulesetNat)
	require.NoError(t, err)
	assert.Equal(t, a.Ticket(), b.Ticket())
	assert.Equal(t, 2, k.Pending())

	require.NoError(t, m.Close())
	assert.Equal(t, Aborted, a.State())
	assert.Equal(t, Aborted, b.State())
	assert.Zero(t, k.Pending())
}

func TestManager_Journal(t *testing.T) {
	store, err := audit.NewStore(":memory:", 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	k, m := setup(t, WithJournal(store), WithClock(clock.NewMockClock(now)))
	require.NoError(t, m.TryAddAnchor(anchor, codec.RulesetNat))
	require.NoError(t, m.TryAddAnchor(anchor, codec.RulesetNat))
	require.NoError(t, m.Apply(anchor, codec.RulesetNat, []codec.RuleRecord{natRecord("172.20.10.0/24")}))
	k.Fail(channel.Commit, syscall.EBUSY)
	require.Error(t, m.Apply(anchor, codec.RulesetNat, []codec.RuleRecord{natRecord("172.20.10.0/24")}))

	events, err := store.Query(audit.Filter{Anchor: anchor})
	require.NoError(t, err)
	require.Len(t, events, 6)

	var actions []string
	for i := len(events) - 1; i >= 0; i-- {
		actions = append(actions, events[i].Action+":"+events[i].Outcome)
	}
	assert.Equal(t, []string{
		"add-anchor:ok", "add-anchor:exists",
		"begin:ok", "commit:ok",
		"begin:ok", "commit:rejected",
	}, actions)

	rejected := events[0]
	assert.Equal(t, 1, rejected.Rules)
	assert.NotEmpty(t, rejected.TxID)
	assert.NotZero(t, rejected.Ticket)
	assert.EqualValues(t, int(syscall.EBUSY), rejected.Details["errno"])
	assert.Equal(t, events[1].TxID, rejected.TxID, "begin and commit share the transaction id")
}

func TestBegin_ShortTicket(t *testing.T) {
	dev := new(channel.MockDevice)
	dev.On("Do", mock.MatchedBy(func(r channel.Request) bool { return r.Kind == channel.BeginTransaction })).
		Return([]byte{0, 1}, nil).Once()

	m := NewManager(channel.OpenDevice(dev, channel.WithLogger(logging.Discard())), WithLogger(logging.Discard()))
	_, err := m.Begin(anchor, codec.RulesetNat)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTruncatedBuffer))
	assert.Equal(t, anchor, errors.GetAttributes(err)["anchor"])
	assert.Zero(t, m.Live())
	dev.AssertExpectations(t)
}

package pf

import (
	"net/netip"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/pfkit/internal/channel"
	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/config"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/logging"
	"grimm.is/pfkit/internal/rules"
)

func newSim(t *testing.T) *PfCtl {
	t.Helper()
	p, err := New(Options{Simulate: true, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func tetheringRule(t *testing.T, src string) rules.NatRule {
	t.Helper()
	r, err := rules.NewNatRuleBuilder().
		Interface("bridge100").
		From(rules.NewEndpoint(rules.Network(netip.MustParsePrefix(src)), rules.AnyPort)).
		NatTo(rules.NewEndpoint(rules.Host(netip.MustParseAddr("198.18.0.1")), rules.AnyPort)).
		Pass(true).
		Build()
	require.NoError(t, err)
	return r
}

func TestPfCtl_TetheringNat(t *testing.T) {
	p := newSim(t)

	require.NoError(t, p.TryAddAnchor("tethering_nat", codec.RulesetNat))
	require.NoError(t, p.AddNatRule("tethering_nat", tetheringRule(t, "172.20.10.0/24")))

	recs, err := p.ListRules("tethering_nat", codec.RulesetNat)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "nat pass on bridge100 inet from 172.20.10.0/24 to any -> 198.18.0.1", rules.Describe(recs[0]))

	require.NoError(t, p.FlushRules("tethering_nat", codec.RulesetNat))

	recs, err = p.ListRules("tethering_nat", codec.RulesetNat)
	require.NoError(t, err)
	assert.Empty(t, recs)

	entries, err := p.GetStates()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPfCtl_AddAppends(t *testing.T) {
	p := newSim(t)

	require.NoError(t, p.AddNatRule("tethering_nat", tetheringRule(t, "172.20.10.0/24")))
	require.NoError(t, p.AddNatRule("tethering_nat", tetheringRule(t, "192.168.2.0/24")))

	filter, err := rules.NewFilterRuleBuilder().Action(rules.Drop).Build()
	require.NoError(t, err)
	require.NoError(t, p.AddFilterRule("tethering_nat", filter))

	recs, err := p.ListRules("tethering_nat", codec.RulesetNat)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, netip.MustParsePrefix("172.20.10.0/24"), recs[0].Src.Prefix)
	assert.Equal(t, netip.MustParsePrefix("192.168.2.0/24"), recs[1].Src.Prefix)

	assert.Equal(t, 2, p.Simulator().RuleCount("tethering_nat", codec.RulesetNat))
	assert.Equal(t, 1, p.Simulator().RuleCount("tethering_nat", codec.RulesetFilter))
}

func TestPfCtl_RejectedAppendKeepsRules(t *testing.T) {
	p := newSim(t)
	require.NoError(t, p.AddNatRule("tethering_nat", tetheringRule(t, "172.20.10.0/24")))

	p.Simulator().Fail(channel.Commit, syscall.EBUSY)
	err := p.AddNatRule("tethering_nat", tetheringRule(t, "192.168.2.0/24"))
	require.Error(t, err)
	code, ok := errors.KernelCode(err)
	require.True(t, ok)
	assert.Equal(t, syscall.EBUSY, code)

	recs, err := p.ListRules("tethering_nat", codec.RulesetNat)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Zero(t, p.Transactions().Live())
}

func TestPfCtl_SetRules(t *testing.T) {
	p := newSim(t)
	require.NoError(t, p.AddNatRule("tethering_nat", tetheringRule(t, "172.20.10.0/24")))

	require.NoError(t, p.SetRules("tethering_nat", codec.RulesetNat,
		tetheringRule(t, "10.1.0.0/16"),
		tetheringRule(t, "10.2.0.0/16"),
		tetheringRule(t, "10.3.0.0/16"),
	))
	recs, err := p.ListRules("tethering_nat", codec.RulesetNat)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, netip.MustParsePrefix("10.1.0.0/16"), recs[0].Src.Prefix)

	require.NoError(t, p.SetRules("tethering_nat", codec.RulesetNat))
	recs, err = p.ListRules("tethering_nat", codec.RulesetNat)
	require.NoError(t, err)
	assert.Empty(t, recs)

	filter, err := rules.NewFilterRuleBuilder().Build()
	require.NoError(t, err)
	err = p.SetRules("tethering_nat", codec.RulesetNat, filter)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.Equal(t, "tethering_nat", errors.GetAttributes(err)["anchor"])
}

func TestPfCtl_TryAddAnchorTwice(t *testing.T) {
	p := newSim(t)
	require.NoError(t, p.TryAddAnchor("guest", codec.RulesetFilter))
	require.NoError(t, p.TryAddAnchor("guest", codec.RulesetFilter))
	assert.Equal(t, []string{"guest/filter"}, p.Simulator().Anchors())
}

func TestPfCtl_GetStatesPartial(t *testing.T) {
	p := newSim(t)

	good := codec.StateEntry{
		Interface: "en0",
		Protocol:  codec.ProtoTCP,
		LAN:       codec.Endpoint{Addr: codec.AddressFrom(netip.MustParseAddr("10.0.0.2")), Xport: codec.PortXport(5000)},
		Src:       codec.Peer{State: codec.TCPEstablished},
		Dst:       codec.Peer{State: codec.TCPEstablished},

		FamilyLAN:     codec.FamilyInet,
		FamilyGateway: codec.FamilyInet,
	}
	bad := good
	bad.Src.State = codec.TimeoutState(40)

	rawGood, err := codec.EncodeStateEntry(good)
	require.NoError(t, err)
	rawBad, err := codec.EncodeStateEntry(bad)
	require.NoError(t, err)
	p.Simulator().SetStates(rawGood, rawBad, rawGood)

	entries, err := p.GetStates()
	require.Error(t, err)
	assert.Len(t, entries, 2)
	assert.ErrorIs(t, err, errors.ErrUnknownTimeoutState)
}

func TestPfCtl_ApplyConfig(t *testing.T) {
	cfg, err := config.LoadHCL([]byte(`
anchor "tethering_nat" {
  kind = "nat"
  nat_rule {
    interface = "bridge100"
    from      = "172.20.10.0/24"
    nat_to    = "198.18.0.1"
  }
}

anchor "guest" {
  kind   = "filter"
  create = false
  filter_rule { action = "block" }
  filter_rule {
    action = "pass"
    proto  = "udp"
    to_port = "53"
  }
}
`), "test.hcl")
	require.NoError(t, err)

	p := newSim(t)
	require.NoError(t, p.ApplyConfig(cfg))

	sim := p.Simulator()
	assert.Equal(t, []string{"tethering_nat/nat"}, sim.Anchors())
	assert.Equal(t, 1, sim.RuleCount("tethering_nat", codec.RulesetNat))
	assert.Equal(t, 2, sim.RuleCount("guest", codec.RulesetFilter))

	// Applying again replaces rather than appends.
	require.NoError(t, p.ApplyConfig(cfg))
	assert.Equal(t, 2, sim.RuleCount("guest", codec.RulesetFilter))
}

func TestNew_NoDevice(t *testing.T) {
	_, err := New(Options{Device: "/nonexistent/pf", Logger: logging.Discard()})
	require.Error(t, err)
	kind := errors.GetKind(err)
	assert.True(t, kind == errors.KindUnavailable || kind == errors.KindPermission, "kind %s", kind)
}

func TestPfCtl_Closed(t *testing.T) {
	p, err := New(Options{Simulate: true, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.ListRules("tethering_nat", codec.RulesetNat)
	assert.ErrorIs(t, err, errors.ErrDeviceUnavailable)
}

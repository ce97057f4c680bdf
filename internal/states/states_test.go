package states

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"grimm.is/pfkit/internal/channel"
	"grimm.is/pfkit/internal/clock"
	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/logging"
)

func ep(addr string, port uint16) codec.Endpoint {
	return codec.Endpoint{Addr: codec.AddressFrom(netip.MustParseAddr(addr)), Xport: codec.PortXport(port)}
}

func entry(proto codec.Protocol, dir codec.Direction, lan, gwy, ext codec.Endpoint, src, dst codec.TimeoutState) codec.StateEntry {
	fam := lan.Addr.Family()
	return codec.StateEntry{
		Interface:     "ALL",
		Protocol:      proto,
		Direction:     dir,
		LAN:           lan,
		Gateway:       gwy,
		ExtLAN:        ext,
		ExtGateway:    ext,
		Src:           codec.Peer{State: src},
		Dst:           codec.Peer{State: dst},
		FamilyLAN:     fam,
		FamilyGateway: fam,
		Bytes:         [2]uint64{100, 200},
	}
}

func encode(t *testing.T, e codec.StateEntry) []byte {
	t.Helper()
	raw, err := codec.EncodeStateEntry(e)
	require.NoError(t, err)
	return raw
}

func simHandle(t *testing.T, k *channel.SimKernel) *channel.Handle {
	t.Helper()
	h := channel.OpenDevice(k, channel.WithLogger(logging.Discard()))
	t.Cleanup(func() { h.Close() })
	return h
}

func TestGet_FormatsStates(t *testing.T) {
	lanA := ep("120.204.94.42", 17832)
	extA := ep("172.20.10.2", 54607)
	lanB := ep("172.20.10.2", 54607)
	gwyB := ep("10.114.73.55", 35365)
	extB := ep("120.204.94.42", 17832)
	lan6 := ep("2409:8920:e20:c5b3:c05e:d0ea:4c11:a736", 56973)
	ext6 := ep("2409:8020:2000::6", 53)

	k := channel.NewSimKernel()
	k.SetStates(
		encode(t, entry(codec.ProtoTCP, codec.DirectionIn, lanA, lanA, extA, codec.TCPEstablished, codec.TCPEstablished)),
		encode(t, entry(codec.ProtoTCP, codec.DirectionOut, lanB, gwyB, extB, codec.TCPEstablished, codec.TCPEstablished)),
		encode(t, entry(codec.ProtoUDP, codec.DirectionIn, lan6, lan6, ext6, codec.UDPFirstPacket, codec.UDPSingle)),
	)

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	snap, err := Get(simHandle(t, k), clock.NewMockClock(now))
	require.NoError(t, err)
	require.NoError(t, snap.Err())
	require.Len(t, snap.Entries, 3)
	assert.True(t, snap.Taken.Equal(now))

	want := []string{
		"ALL tcp 120.204.94.42:17832 <- 172.20.10.2:54607 ESTABLISHED:ESTABLISHED",
		"ALL tcp 172.20.10.2:54607 -> 10.114.73.55:35365 -> 120.204.94.42:17832 ESTABLISHED:ESTABLISHED",
		"ALL udp 2409:8920:e20:c5b3:c05e:d0ea:4c11:a736[56973] <- 2409:8020:2000::6[53] FIRST_PACKET:SINGLE",
	}
	for i, w := range want {
		assert.Equal(t, w, Format(snap.Entries[i]))
	}
}

func TestFormat_Endpoints(t *testing.T) {
	tests := []struct {
		name string
		e    codec.StateEntry
		want string
	}{
		{
			name: "zero port omitted",
			e:    entry(codec.ProtoICMP, codec.DirectionOut, ep("10.0.0.2", 0), ep("10.0.0.2", 0), ep("1.1.1.1", 0), codec.ICMPFirstPacket, codec.ICMPErrorReply),
			want: "ALL icmp 10.0.0.2 -> 1.1.1.1 FIRST_PACKET:ERROR_REPLY",
		},
		{
			name: "gateway port differs",
			e:    entry(codec.ProtoUDP, codec.DirectionOut, ep("10.0.0.2", 5000), ep("10.0.0.2", 6000), ep("1.1.1.1", 53), codec.UDPMultiple, codec.UDPMultiple),
			want: "ALL udp 10.0.0.2:5000 -> 10.0.0.2:6000 -> 1.1.1.1:53 MULTIPLE:MULTIPLE",
		},
		{
			name: "no direction",
			e:    entry(codec.Protocol(250), codec.DirectionNone, ep("10.0.0.2", 0), ep("10.0.0.2", 0), ep("10.0.0.3", 0), codec.OtherSingle, codec.OtherSingle),
			want: "ALL unknown 10.0.0.2 -- 10.0.0.3 SINGLE:SINGLE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.e))
		})
	}

	e := entry(codec.ProtoTCP, codec.DirectionIn, ep("10.0.0.2", 22), ep("10.0.0.2", 22), ep("10.0.0.3", 50000), codec.TCPClosed, codec.TCPFinWait)
	e.Interface = ""
	assert.True(t, strings.HasPrefix(Format(e), "all tcp "))
}

func TestGet_TruncatedTable(t *testing.T) {
	rec := encode(t, entry(codec.ProtoTCP, codec.DirectionIn, ep("10.0.0.2", 22), ep("10.0.0.2", 22), ep("10.0.0.3", 50000), codec.TCPEstablished, codec.TCPEstablished))
	raw := binary.BigEndian.AppendUint32(nil, 3)
	raw = append(raw, rec...)

	k := channel.NewSimKernel()
	k.SetRawStates(raw)

	snap, err := Get(simHandle(t, k), nil)
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.True(t, errors.Is(err, errors.ErrTruncatedBuffer))
	assert.Equal(t, errors.KindTruncated, errors.GetKind(err))
}

func TestDecode_KeepsGoodRecords(t *testing.T) {
	good := entry(codec.ProtoTCP, codec.DirectionIn, ep("10.0.0.2", 22), ep("10.0.0.2", 22), ep("10.0.0.3", 50000), codec.TCPEstablished, codec.TCPEstablished)
	bad := good
	bad.Src.State = codec.TimeoutState(40)

	snap, err := Decode(codec.AppendRecordTable(nil, encode(t, good), encode(t, bad), encode(t, good)))
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 2)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, 1, snap.Errors[0].Index)

	err = snap.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownTimeoutState))
	assert.Contains(t, err.Error(), "state 1")
}

func TestGet_KernelError(t *testing.T) {
	k := channel.NewSimKernel()
	k.Fail(channel.GetStates, 12)

	_, err := Get(simHandle(t, k), nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindKernel, errors.GetKind(err))
}

func TestSnapshot_Stats(t *testing.T) {
	snap := &Snapshot{
		Entries: []codec.StateEntry{
			entry(codec.ProtoTCP, codec.DirectionIn, ep("10.0.0.2", 22), ep("10.0.0.2", 22), ep("10.0.0.3", 1), codec.TCPEstablished, codec.TCPEstablished),
			entry(codec.ProtoTCP, codec.DirectionIn, ep("10.0.0.2", 22), ep("10.0.0.2", 22), ep("10.0.0.4", 1), codec.TCPEstablished, codec.TCPEstablished),
			entry(codec.ProtoUDP, codec.DirectionOut, ep("10.0.0.2", 53), ep("10.0.0.2", 53), ep("10.0.0.5", 1), codec.UDPSingle, codec.UDPSingle),
		},
		Errors: []RecordError{{Index: 3, Err: errors.ErrMalformedRecord}},
	}

	st := snap.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByProtocol["tcp"])
	assert.Equal(t, 1, st.ByProtocol["udp"])
	assert.Equal(t, uint64(600), st.BytesByProtocol["tcp"])
	assert.Equal(t, 1, st.DecodeErrors)

	src := Source(simHandle(t, channel.NewSimKernel()), nil)
	empty, err := src()
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
}

func TestWrite_Formats(t *testing.T) {
	snap := &Snapshot{
		Entries: []codec.StateEntry{
			entry(codec.ProtoTCP, codec.DirectionIn, ep("120.204.94.42", 17832), ep("120.204.94.42", 17832), ep("172.20.10.2", 54607), codec.TCPEstablished, codec.TCPEstablished),
		},
		Taken: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}

	var text bytes.Buffer
	require.NoError(t, Write(&text, snap, FormatText))
	assert.Equal(t, "ALL tcp 120.204.94.42:17832 <- 172.20.10.2:54607 ESTABLISHED:ESTABLISHED\n", text.String())

	var js bytes.Buffer
	require.NoError(t, Write(&js, snap, FormatJSON))
	var jv snapshotView
	require.NoError(t, json.Unmarshal(js.Bytes(), &jv))
	require.Len(t, jv.Entries, 1)
	assert.Equal(t, "172.20.10.2:54607", jv.Entries[0].ExtLAN)
	assert.Equal(t, "in", jv.Entries[0].Direction)
	assert.Equal(t, "2025-06-15T12:00:00Z", jv.Taken)

	var ym bytes.Buffer
	require.NoError(t, Write(&ym, snap, FormatYAML))
	var yv snapshotView
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &yv))
	require.Len(t, yv.Entries, 1)
	assert.Equal(t, "ESTABLISHED", yv.Entries[0].SrcState)

	err := Write(&bytes.Buffer{}, snap, "xml")
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

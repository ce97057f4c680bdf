package codec

import (
	"grimm.is/pfkit/internal/errors"
)

// TimeoutState is the PFTM_* phase of one side of a state.
type TimeoutState uint8

const (
	TCPFirstPacket TimeoutState = iota
	TCPOpening
	TCPEstablished
	TCPClosing
	TCPFinWait
	TCPClosed
	UDPFirstPacket
	UDPSingle
	UDPMultiple
	ICMPFirstPacket
	ICMPErrorReply
	GREv1FirstPacket
	GREv1Initiating
	GREv1Established
	ESPFirstPacket
	ESPInitiating
	ESPEstablished
	OtherFirstPacket
	OtherSingle
	OtherMultiple
	Frag
	Interval
	AdaptiveStart
	AdaptiveEnd
	SrcNode
	TSDiff
	Max
	Purge
	Unlinked
)

// NumTimeoutStates is the size of the closed enumeration.
const NumTimeoutStates = int(Unlinked) + 1

var timeoutLabels = [NumTimeoutStates]string{
	TCPFirstPacket:   "FIRST_PACKET",
	TCPOpening:       "OPENING",
	TCPEstablished:   "ESTABLISHED",
	TCPClosing:       "CLOSING",
	TCPFinWait:       "FIN_WAIT",
	TCPClosed:        "CLOSED",
	UDPFirstPacket:   "FIRST_PACKET",
	UDPSingle:        "SINGLE",
	UDPMultiple:      "MULTIPLE",
	ICMPFirstPacket:  "FIRST_PACKET",
	ICMPErrorReply:   "ERROR_REPLY",
	GREv1FirstPacket: "FIRST_PACKET",
	GREv1Initiating:  "INITIATING",
	GREv1Established: "ESTABLISHED",
	ESPFirstPacket:   "FIRST_PACKET",
	ESPInitiating:    "INITIATING",
	ESPEstablished:   "ESTABLISHED",
	OtherFirstPacket: "FIRST_PACKET",
	OtherSingle:      "SINGLE",
	OtherMultiple:    "MULTIPLE",
	Frag:             "FRAG",
	Interval:         "INTERVAL",
	AdaptiveStart:    "ADAPTIVE_START",
	AdaptiveEnd:      "ADAPTIVE_END",
	SrcNode:          "SRC_NODE",
	TSDiff:           "TS_DIFF",
	Max:              "MAX",
	Purge:            "PURGE",
	Unlinked:         "UNLINKED",
}

// ParseTimeoutState converts a wire byte. Values past Unlinked are errors,
// never a guessed state.
func ParseTimeoutState(b byte) (TimeoutState, error) {
	if int(b) >= NumTimeoutStates {
		return 0, errors.Wrapf(errors.ErrUnknownTimeoutState, errors.KindUnknownState, "state byte %d", b)
	}
	return TimeoutState(b), nil
}

func (s TimeoutState) String() string {
	if int(s) < NumTimeoutStates {
		return timeoutLabels[s]
	}
	return "UNKNOWN"
}

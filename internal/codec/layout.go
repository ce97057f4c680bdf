package codec

// Record layouts. All records are packed (no implicit padding) and every
// multi-byte numeric field is big-endian.

// pf_addr: 16 bytes, IPv4 occupies the first four.
const AddrSize = 16

// pf_state_xport: union of u16 port, u16 call id, u32 spi.
const XportSize = 4

// IfNameSize is IFNAMSIZ.
const IfNameSize = 16

// pfsync_state_host
const (
	hostAddr  = 0
	hostXport = 16
	HostSize  = 24
)

// pfsync_state_peer
const (
	peerScrubFlags = 0
	peerScrubTTL   = 2
	peerScrubFlag  = 3
	peerScrubTSMod = 4
	peerSeqLo      = 8
	peerSeqHi      = 12
	peerSeqDiff    = 16
	peerMaxWin     = 20
	peerMSS        = 22
	peerState      = 24
	peerWScale     = 25
	PeerSize       = 32
)

// pfsync_state
const (
	stateID           = 0
	stateIfName       = 8
	stateLAN          = 24
	stateGwy          = 48
	stateExtLAN       = 72
	stateExtGwy       = 96
	stateSrc          = 120
	stateDst          = 152
	stateRtAddr       = 184
	stateUnlinkHooks  = 200
	stateRule         = 216
	stateAnchor       = 220
	stateNatRule      = 224
	stateCreation     = 228
	stateExpire       = 236
	statePackets      = 244
	stateBytes        = 260
	stateCreatorID    = 276
	stateTag          = 280
	stateAfLAN        = 282
	stateAfGwy        = 283
	stateProto        = 284
	stateDirection    = 285
	stateLog          = 286
	stateAllowOpts    = 287
	stateTimeout      = 288
	stateSyncFlags    = 289
	stateUpdates      = 290
	stateProtoVariant = 291
	stateFlowHash     = 293
	StateSize         = 297
)

// Rule descriptor: the fields of pf_rule this library sets and reads back.
const (
	ruleAction    = 0
	ruleDirection = 1
	ruleAf        = 2
	ruleProto     = 3
	ruleQuick     = 4
	ruleKeepState = 5
	ruleLog       = 6
	ruleNatPass   = 7
	ruleIfName    = 8
	ruleSrc       = 24
	ruleDst       = 64
	ruleNat       = 104
	RuleSize      = 144

	// rule address block
	raAddr   = 0
	raMask   = 16
	raPortLo = 32
	raPortHi = 34
	raPortOp = 36
	raNeg    = 37
	raSize   = 40
)

// countSize is the u32 record count that prefixes table responses.
const countSize = 4

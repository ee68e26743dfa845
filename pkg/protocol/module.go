package protocol

import (
	"github.com/fxamacker/cbor/v2"
)

// Relay-level envelope ops.
const (
	// Client -> relay
	HostOp = "host"
	JoinOp = "join"
	// Relay -> client
	HostedOp     = "hosted"
	JoinedOp     = "joined"
	PeerJoinedOp = "peer-joined"
	PeerLeftOp   = "peer-left"
	HostLeftOp   = "host-left"
	ErrorOp      = "error"
	// Both directions
	RelayOp = "relay"
)

// Error messages surfaced to a joining client.
const (
	ErrSessionNotFound = "session-not-found"
	ErrHostUnavailable = "host-unavailable"
	ErrSessionFull     = "session-full"
)

// Session codes bind a host and its joiners together at the relay.
const (
	CodeLength  = 6
	CodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// A session holds one host and up to MaxJoiners joiners.
const MaxJoiners = 3

// Envelope is the unit of traffic between a peer and the relay. The relay
// only ever reads Op, Code, Name and From; Data is opaque to it.
type Envelope struct {
	Op   string `cbor:"op"`
	Code string `cbor:"code,omitempty"`
	Name string `cbor:"name,omitempty"`
	// Joiner slot index. Meaningful for joined, peer-joined and peer-left.
	JoinerIndex int `cbor:"joinerIndex"`
	// Set on error envelopes.
	Message string `cbor:"message,omitempty"`
	// Sender's joiner slot, stamped by the relay on joiner->host traffic
	// when the sender did not stamp it itself.
	From *int `cbor:"from,omitempty"`
	// Payload for relay envelopes, encoded separately so the relay can
	// forward it without understanding it.
	Data []byte `cbor:"data,omitempty"`
}

// Data payload discriminators carried inside relay envelopes.
const (
	StateUpdateType       = "state-update"
	InputType             = "input"
	CardOfferType         = "card-offer"
	CardSelectType        = "card-select"
	CardApplyType         = "card-apply"
	CardHoverType         = "card-hover"
	RoundResetType        = "round-reset"
	RoundsUpdateType      = "rounds-update"
	ReadyStateType        = "ready-state"
	StartCardSettingType  = "start-card-setting"
	SetupUpdateType       = "setup-update"
	SetupSyncRequestType  = "setup-sync-request"
	DisplayNameChangeType = "display-name-change"
	CursorUpdateType      = "cursor-update"
)

// Types it is legal for a joiner to originate. Everything else is
// host-authoritative and dropped by the host if received from a joiner.
var JoinerDataTypes = map[string]bool{
	InputType:             true,
	CardSelectType:        true,
	CardHoverType:         true,
	ReadyStateType:        true,
	SetupSyncRequestType:  true,
	DisplayNameChangeType: true,
	CursorUpdateType:      true,
}

// GenericData is used to sniff the discriminator before decoding the
// concrete payload.
type GenericData struct {
	Type string `cbor:"type"`
}

// StateUpdate carries one tick's worth of authoritative entity records.
// Payload is a cbor-encoded snapshot.Snapshot, gzipped when Compressed.
type StateUpdate struct {
	Type       string `cbor:"type"`
	Version    uint32 `cbor:"version"`
	Full       bool   `cbor:"full,omitempty"`
	Compressed bool   `cbor:"compressed,omitempty"`
	Payload    []byte `cbor:"payload"`
}

// Input is a joiner's most recent control state. Sent at most once per
// throttle window; older unsent inputs are overwritten, never queued.
type Input struct {
	Type   string  `cbor:"type"`
	MoveX  float64 `cbor:"moveX"`
	MoveY  float64 `cbor:"moveY"`
	AimX   float64 `cbor:"aimX"`
	AimY   float64 `cbor:"aimY"`
	Attack bool    `cbor:"attack,omitempty"`
	Dash   bool    `cbor:"dash,omitempty"`
}

type Card struct {
	ID          string `cbor:"id"`
	Name        string `cbor:"name,omitempty"`
	Description string `cbor:"description,omitempty"`
}

// CardOffer announces the per-fighter pools for a draft.
type CardOffer struct {
	Type           string            `cbor:"type"`
	CardsByFighter map[string][]Card `cbor:"cardsByFighter"`
}

type CardSelect struct {
	Type      string `cbor:"type"`
	FighterID string `cbor:"fighterId"`
	CardID    string `cbor:"cardId,omitempty"`
	Skipped   bool   `cbor:"skipped,omitempty"`
}

// CardApply confirms the resolved draft back to everyone.
type CardApply struct {
	Type       string       `cbor:"type"`
	Selections []CardSelect `cbor:"selections"`
}

// CardHover is advisory only; it never changes authoritative state.
type CardHover struct {
	Type      string `cbor:"type"`
	FighterID string `cbor:"fighterId"`
	CardID    string `cbor:"cardId,omitempty"`
}

type Obstacle struct {
	Kind     string  `cbor:"kind"`
	X        float64 `cbor:"x"`
	Y        float64 `cbor:"y"`
	Width    float64 `cbor:"width"`
	Height   float64 `cbor:"height"`
	Rotation float64 `cbor:"rotation,omitempty"`
}

type FighterSpawn struct {
	FighterID string  `cbor:"fighterId"`
	X         float64 `cbor:"x"`
	Y         float64 `cbor:"y"`
	Facing    float64 `cbor:"facing,omitempty"`
}

// RoundReset carries the layout for the next round.
type RoundReset struct {
	Type             string          `cbor:"type"`
	Obstacles        []Obstacle      `cbor:"obstacles"`
	Fighters         []FighterSpawn  `cbor:"fighters"`
	MapBorder        *float64        `cbor:"mapBorder,omitempty"`
	WorldModInterval *float64        `cbor:"worldModInterval,omitempty"`
	RoundsToWin      *int            `cbor:"roundsToWin,omitempty"`
	ReadyStates      map[string]bool `cbor:"readyStates,omitempty"`
}

// RoundsUpdate mirrors the host's authoritative round bookkeeping.
type RoundsUpdate struct {
	Type        string         `cbor:"type"`
	RoundNumber int            `cbor:"roundNumber"`
	Wins        map[string]int `cbor:"wins,omitempty"`
}

type ReadyState struct {
	Type      string `cbor:"type"`
	FighterID string `cbor:"fighterId"`
	Ready     bool   `cbor:"ready"`
}

type StartCardSetting struct {
	Type string `cbor:"type"`
}

type GameSetup struct {
	MapName          string  `cbor:"mapName,omitempty"`
	RoundsToWin      int     `cbor:"roundsToWin,omitempty"`
	WorldModInterval float64 `cbor:"worldModInterval,omitempty"`
}

type SetupUpdate struct {
	Type  string    `cbor:"type"`
	Setup GameSetup `cbor:"setup"`
}

// SetupSyncRequest asks the host to rebroadcast the current setup, used by
// joiners that connected after the last SetupUpdate.
type SetupSyncRequest struct {
	Type string `cbor:"type"`
}

type DisplayNameChange struct {
	Type      string `cbor:"type"`
	FighterID string `cbor:"fighterId"`
	Name      string `cbor:"name"`
}

// CursorUpdate is advisory, like CardHover.
type CursorUpdate struct {
	Type      string  `cbor:"type"`
	FighterID string  `cbor:"fighterId"`
	X         float64 `cbor:"x"`
	Y         float64 `cbor:"y"`
}

// EncodeData wraps a typed payload for an outgoing relay envelope.
func EncodeData(data interface{}) (Envelope, error) {
	bytes, err := cbor.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Op: RelayOp, Data: bytes}, nil
}

// DataType sniffs the discriminator of a relay payload. Returns "" for
// payloads that cannot be decoded at all.
func DataType(data []byte) string {
	var generic GenericData
	if err := cbor.Unmarshal(data, &generic); err != nil {
		return ""
	}
	return generic.Type
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/skirmish-gg/skirmish/pkg/protocol"
	"github.com/skirmish-gg/skirmish/pkg/snapshot"
	"github.com/skirmish-gg/skirmish/pkg/utils"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/time/rate"
)

// InputInterval bounds outbound input traffic to ~30 Hz regardless of how
// fast the UI calls SendInput.
const InputInterval = 33 * time.Millisecond

const outboundLimit = 64

type Role uint8

const (
	RoleNone Role = iota
	RoleHost
	RoleJoiner
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleJoiner:
		return "joiner"
	}
	return "none"
}

var ErrNotHost = errors.New("only the host broadcasts state")

// Client owns one peer's relay connection: it resolves lobby handshakes,
// throttles outbound input, and dispatches inbound envelopes to typed
// topics. All authoritative state a joiner receives is replaced wholesale,
// never merged.
type Client struct {
	address string
	dialer  Dialer
	parent  context.Context
	logger  zerolog.Logger
	events  *Events

	mutex     deadlock.Mutex
	transport Transport
	life      *utils.Session
	out       chan []byte

	role        Role
	code        string
	joinerIndex int
	name        string
	peers       map[int]string

	limiter      *rate.Limiter
	pendingInput *protocol.Input
	inputTimer   *time.Timer

	lobby chan protocol.Envelope
}

// NewClient builds a disconnected client. The address usually comes from
// ResolveRelayAddress; the dialer is WebsocketDialer outside of tests.
func NewClient(ctx context.Context, address string, dialer Dialer) *Client {
	return &Client{
		address:     address,
		dialer:      dialer,
		parent:      ctx,
		logger:      log.With().Str("relay", address).Logger(),
		events:      newEvents(),
		joinerIndex: -1,
		peers:       make(map[int]string),
	}
}

func (c *Client) Events() *Events {
	return c.events
}

func (c *Client) Role() Role {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.role
}

func (c *Client) Code() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.code
}

func (c *Client) JoinerIndex() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.joinerIndex
}

// Peers lists the known joiner roster in slot order. On a joiner it only
// contains peers announced since we joined.
func (c *Client) Peers() []PeerInfo {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	peers := make([]PeerInfo, 0, len(c.peers))
	for index, name := range c.peers {
		peers = append(peers, PeerInfo{Index: index, Name: name})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Index < peers[j].Index })
	return peers
}

func (c *Client) connect(ctx context.Context) error {
	c.mutex.Lock()
	if c.transport != nil {
		c.mutex.Unlock()
		return errors.New("already connected")
	}
	c.mutex.Unlock()

	transport, err := c.dialer(ctx, c.address)
	if err != nil {
		return err
	}

	life := utils.NewSession(c.parent)
	out := make(chan []byte, outboundLimit)

	c.mutex.Lock()
	c.transport = transport
	c.life = &life
	c.out = out
	c.limiter = rate.NewLimiter(rate.Every(InputInterval), 1)
	c.mutex.Unlock()

	go c.readLoop(life.Ctx(), transport)
	go c.writeLoop(life.Ctx(), transport, out)

	return nil
}

// HostLobby opens a connection and claims (or creates) a session as its
// host. Resolves with the effective session code once the relay confirms.
func (c *Client) HostLobby(ctx context.Context, name, requestedCode string) (string, error) {
	if err := c.connect(ctx); err != nil {
		return "", err
	}

	reply := c.awaitLobby(name)
	c.enqueueEnvelope(protocol.Envelope{Op: protocol.HostOp, Code: requestedCode, Name: name})

	select {
	case envelope := <-reply:
		if envelope.Op == protocol.ErrorOp {
			return "", errors.New(envelope.Message)
		}
		if envelope.Op != protocol.HostedOp {
			return "", fmt.Errorf("unexpected lobby reply %s", envelope.Op)
		}

		c.mutex.Lock()
		c.role = RoleHost
		c.code = envelope.Code
		c.mutex.Unlock()

		c.logger.Info().Str("code", envelope.Code).Msg("hosting lobby")
		return envelope.Code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// JoinLobby opens a connection and joins an existing session, resolving
// with the session code and the assigned joiner slot.
func (c *Client) JoinLobby(ctx context.Context, code, name string) (string, int, error) {
	if err := c.connect(ctx); err != nil {
		return "", -1, err
	}

	reply := c.awaitLobby(name)
	c.enqueueEnvelope(protocol.Envelope{Op: protocol.JoinOp, Code: code, Name: name})

	select {
	case envelope := <-reply:
		if envelope.Op == protocol.ErrorOp {
			return "", -1, errors.New(envelope.Message)
		}
		if envelope.Op != protocol.JoinedOp {
			return "", -1, fmt.Errorf("unexpected lobby reply %s", envelope.Op)
		}

		c.mutex.Lock()
		c.role = RoleJoiner
		c.code = envelope.Code
		c.joinerIndex = envelope.JoinerIndex
		c.mutex.Unlock()

		c.logger.Info().
			Str("code", envelope.Code).
			Int("joinerIndex", envelope.JoinerIndex).
			Msg("joined lobby")
		return envelope.Code, envelope.JoinerIndex, nil
	case <-ctx.Done():
		return "", -1, ctx.Err()
	}
}

func (c *Client) awaitLobby(name string) chan protocol.Envelope {
	reply := make(chan protocol.Envelope, 1)
	c.mutex.Lock()
	c.lobby = reply
	c.name = name
	c.mutex.Unlock()
	return reply
}

// SendInput stores the input into the single pending slot and transmits it
// if the throttle window is open; otherwise it overwrites whatever was
// pending, and the newest value goes out when the window reopens.
func (c *Client) SendInput(input protocol.Input) {
	input.Type = protocol.InputType

	c.mutex.Lock()
	if c.transport == nil {
		c.mutex.Unlock()
		return
	}

	c.pendingInput = &input
	if c.limiter.Allow() {
		c.flushInputLocked()
		c.mutex.Unlock()
		return
	}

	if c.inputTimer == nil {
		c.inputTimer = time.AfterFunc(InputInterval, c.flushInput)
	}
	c.mutex.Unlock()
}

func (c *Client) flushInput() {
	c.mutex.Lock()
	c.inputTimer = nil
	if c.pendingInput == nil || c.transport == nil {
		c.mutex.Unlock()
		return
	}
	if !c.limiter.Allow() {
		c.inputTimer = time.AfterFunc(InputInterval, c.flushInput)
		c.mutex.Unlock()
		return
	}
	c.flushInputLocked()
	c.mutex.Unlock()
}

// flushInputLocked transmits and clears the pending slot. Callers hold the
// mutex and have taken a limiter token.
func (c *Client) flushInputLocked() {
	input := *c.pendingInput
	c.pendingInput = nil

	envelope, err := protocol.EncodeData(input)
	if err != nil {
		c.logger.Error().Err(err).Msg("could not encode input")
		return
	}
	c.enqueueEnvelopeLocked(envelope)
}

// BroadcastState wraps one tick's snapshot in a state-update envelope and
// fans it out via the relay. Host only.
func (c *Client) BroadcastState(snap snapshot.Snapshot, full bool) error {
	if c.Role() != RoleHost {
		return ErrNotHost
	}

	payload, compressed, err := snapshot.Pack(snap)
	if err != nil {
		return err
	}

	c.Send(protocol.StateUpdate{
		Type:       protocol.StateUpdateType,
		Version:    snap.Version,
		Full:       full,
		Compressed: compressed,
		Payload:    payload,
	})
	return nil
}

// Send transmits a typed relay payload, best effort. Transport failures
// are logged and swallowed; all payloads in this protocol are idempotent
// or advisory, so callers never retry.
func (c *Client) Send(data interface{}) {
	envelope, err := protocol.EncodeData(data)
	if err != nil {
		c.logger.Error().Err(err).Msg("could not encode relay payload")
		return
	}
	c.enqueueEnvelope(envelope)
}

// Typed senders for the secondary protocols. Each fills in its
// discriminator so callers cannot mislabel a payload.

func (c *Client) OfferCards(cardsByFighter map[string][]protocol.Card) {
	c.Send(protocol.CardOffer{Type: protocol.CardOfferType, CardsByFighter: cardsByFighter})
}

func (c *Client) SelectCard(fighterID, cardID string) {
	c.Send(protocol.CardSelect{
		Type:      protocol.CardSelectType,
		FighterID: fighterID,
		CardID:    cardID,
		Skipped:   cardID == "",
	})
}

func (c *Client) ApplyCards(selections []protocol.CardSelect) {
	c.Send(protocol.CardApply{Type: protocol.CardApplyType, Selections: selections})
}

func (c *Client) HoverCard(fighterID, cardID string) {
	c.Send(protocol.CardHover{Type: protocol.CardHoverType, FighterID: fighterID, CardID: cardID})
}

func (c *Client) ResetRound(reset protocol.RoundReset) {
	reset.Type = protocol.RoundResetType
	c.Send(reset)
}

func (c *Client) UpdateRounds(update protocol.RoundsUpdate) {
	update.Type = protocol.RoundsUpdateType
	c.Send(update)
}

func (c *Client) UpdateReady(fighterID string, ready bool) {
	c.Send(protocol.ReadyState{Type: protocol.ReadyStateType, FighterID: fighterID, Ready: ready})
}

func (c *Client) StartCardSetting() {
	c.Send(protocol.StartCardSetting{Type: protocol.StartCardSettingType})
}

func (c *Client) UpdateSetup(setup protocol.GameSetup) {
	c.Send(protocol.SetupUpdate{Type: protocol.SetupUpdateType, Setup: setup})
}

func (c *Client) RequestSetupSync() {
	c.Send(protocol.SetupSyncRequest{Type: protocol.SetupSyncRequestType})
}

func (c *Client) ChangeDisplayName(fighterID, name string) {
	c.Send(protocol.DisplayNameChange{
		Type:      protocol.DisplayNameChangeType,
		FighterID: fighterID,
		Name:      name,
	})
}

func (c *Client) UpdateCursor(fighterID string, x, y float64) {
	c.Send(protocol.CursorUpdate{
		Type:      protocol.CursorUpdateType,
		FighterID: fighterID,
		X:         x,
		Y:         y,
	})
}

func (c *Client) enqueueEnvelope(envelope protocol.Envelope) {
	c.mutex.Lock()
	c.enqueueEnvelopeLocked(envelope)
	c.mutex.Unlock()
}

func (c *Client) enqueueEnvelopeLocked(envelope protocol.Envelope) {
	if c.out == nil {
		return
	}

	encoded, err := cbor.Marshal(envelope)
	if err != nil {
		c.logger.Error().Err(err).Msg("could not encode envelope")
		return
	}

	select {
	case c.out <- encoded:
	default:
		c.logger.Warn().Msg("outbound buffer full; dropping envelope")
	}
}

func (c *Client) writeLoop(ctx context.Context, transport Transport, out <-chan []byte) {
	for {
		select {
		case msg := <-out:
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := transport.Send(sendCtx, msg)
			cancel()
			if err != nil {
				// Best effort; the read loop notices real closure.
				c.logger.Debug().Err(err).Msg("transport send failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, transport Transport) {
	for {
		data, err := transport.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info().Msg("relay connection closed")
			}
			c.Disconnect()
			return
		}

		var envelope protocol.Envelope
		if err := cbor.Unmarshal(data, &envelope); err != nil {
			c.logger.Debug().Err(err).Msg("dropping malformed envelope")
			continue
		}

		c.dispatch(envelope)
	}
}

func (c *Client) dispatch(envelope protocol.Envelope) {
	switch envelope.Op {
	case protocol.HostedOp, protocol.JoinedOp, protocol.ErrorOp:
		c.mutex.Lock()
		reply := c.lobby
		c.lobby = nil
		c.mutex.Unlock()

		if reply != nil {
			select {
			case reply <- envelope:
			default:
			}
		}

	case protocol.PeerJoinedOp:
		c.mutex.Lock()
		c.peers[envelope.JoinerIndex] = envelope.Name
		c.mutex.Unlock()
		c.events.PeerJoined.Publish(PeerInfo{Index: envelope.JoinerIndex, Name: envelope.Name})

	case protocol.PeerLeftOp:
		c.mutex.Lock()
		delete(c.peers, envelope.JoinerIndex)
		c.mutex.Unlock()
		c.events.PeerLeft.Publish(PeerInfo{Index: envelope.JoinerIndex, Name: envelope.Name})

	case protocol.HostLeftOp:
		c.events.HostLeft.Publish(struct{}{})

	case protocol.RelayOp:
		c.dispatchData(envelope)

	default:
		c.logger.Debug().Str("op", envelope.Op).Msg("dropping unknown envelope")
	}
}

// dispatchData routes a relay payload to its typed topic. Unknown types
// are logged and dropped, never fatal.
func (c *Client) dispatchData(envelope protocol.Envelope) {
	decode := func(out interface{}) bool {
		if err := cbor.Unmarshal(envelope.Data, out); err != nil {
			c.logger.Debug().Err(err).Msg("dropping malformed relay payload")
			return false
		}
		return true
	}

	typ := protocol.DataType(envelope.Data)

	// A From stamp marks joiner-originated traffic. Joiners may only send
	// the types listed in JoinerDataTypes; everything else is
	// host-authoritative and a forgery if it arrives stamped.
	if envelope.From != nil && !protocol.JoinerDataTypes[typ] {
		c.logger.Debug().
			Str("type", typ).
			Int("from", *envelope.From).
			Msg("dropping host-authoritative payload from joiner")
		return
	}

	switch typ {
	case protocol.StateUpdateType:
		var update protocol.StateUpdate
		if !decode(&update) {
			return
		}
		snap, err := snapshot.Unpack(update.Payload, update.Compressed)
		if err != nil {
			c.logger.Debug().Err(err).Msg("dropping undecodable state update")
			return
		}
		c.events.StateUpdates.Publish(snap)

	case protocol.InputType:
		var input protocol.Input
		if !decode(&input) {
			return
		}
		index := -1
		if envelope.From != nil {
			index = *envelope.From
		}
		c.events.Inputs.Publish(InputEvent{JoinerIndex: index, Input: input})

	case protocol.CardOfferType:
		var offer protocol.CardOffer
		if decode(&offer) {
			c.events.CardOffers.Publish(offer)
		}

	case protocol.CardSelectType:
		var selected protocol.CardSelect
		if decode(&selected) {
			c.events.CardSelects.Publish(selected)
		}

	case protocol.CardApplyType:
		var applied protocol.CardApply
		if decode(&applied) {
			c.events.CardApplies.Publish(applied)
		}

	case protocol.CardHoverType:
		var hover protocol.CardHover
		if decode(&hover) {
			c.events.CardHovers.Publish(hover)
		}

	case protocol.RoundResetType:
		var reset protocol.RoundReset
		if decode(&reset) {
			c.events.RoundResets.Publish(reset)
		}

	case protocol.RoundsUpdateType:
		var update protocol.RoundsUpdate
		if decode(&update) {
			c.events.RoundsUpdates.Publish(update)
		}

	case protocol.ReadyStateType:
		var ready protocol.ReadyState
		if decode(&ready) {
			c.events.ReadyStates.Publish(ready)
		}

	case protocol.StartCardSettingType:
		var start protocol.StartCardSetting
		if decode(&start) {
			c.events.StartCardSetting.Publish(start)
		}

	case protocol.SetupUpdateType:
		var setup protocol.SetupUpdate
		if decode(&setup) {
			c.events.SetupUpdates.Publish(setup)
		}

	case protocol.SetupSyncRequestType:
		var request protocol.SetupSyncRequest
		if decode(&request) {
			c.events.SetupSyncRequests.Publish(request)
		}

	case protocol.DisplayNameChangeType:
		var change protocol.DisplayNameChange
		if decode(&change) {
			c.events.NameChanges.Publish(change)
		}

	case protocol.CursorUpdateType:
		var cursor protocol.CursorUpdate
		if decode(&cursor) {
			c.events.CursorUpdates.Publish(cursor)
		}

	default:
		c.logger.Debug().Str("type", typ).Msg("dropping unknown relay payload")
	}
}

// Disconnect tears the connection down and clears every per-session field
// in one step, so a stale client can never be mistaken for a live one.
func (c *Client) Disconnect() {
	c.mutex.Lock()
	transport := c.transport
	c.transport = nil
	if c.life != nil {
		c.life.Cancel()
		c.life = nil
	}
	if c.inputTimer != nil {
		c.inputTimer.Stop()
		c.inputTimer = nil
	}
	c.out = nil
	c.role = RoleNone
	c.code = ""
	c.joinerIndex = -1
	c.name = ""
	c.peers = make(map[int]string)
	c.pendingInput = nil
	c.lobby = nil
	c.mutex.Unlock()

	if transport != nil {
		transport.Close()
	}
}

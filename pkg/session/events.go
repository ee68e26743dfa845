package session

import (
	"github.com/skirmish-gg/skirmish/pkg/protocol"
	"github.com/skirmish-gg/skirmish/pkg/snapshot"
	"github.com/skirmish-gg/skirmish/pkg/utils"
)

// PeerInfo describes one joiner slot in the roster.
type PeerInfo struct {
	Index int
	Name  string
}

// InputEvent is a joiner's input as seen by the host. JoinerIndex comes
// from the relay's stamp and is -1 when it was absent.
type InputEvent struct {
	JoinerIndex int
	Input       protocol.Input
}

// Events are the typed topics inbound traffic is dispatched to. Subscribe
// returns a handle; call Done on it to unsubscribe. Multiple listeners per
// topic coexist.
type Events struct {
	StateUpdates      *utils.Topic[snapshot.Snapshot]
	Inputs            *utils.Topic[InputEvent]
	CardOffers        *utils.Topic[protocol.CardOffer]
	CardSelects       *utils.Topic[protocol.CardSelect]
	CardApplies       *utils.Topic[protocol.CardApply]
	CardHovers        *utils.Topic[protocol.CardHover]
	RoundResets       *utils.Topic[protocol.RoundReset]
	RoundsUpdates     *utils.Topic[protocol.RoundsUpdate]
	ReadyStates       *utils.Topic[protocol.ReadyState]
	StartCardSetting  *utils.Topic[protocol.StartCardSetting]
	SetupUpdates      *utils.Topic[protocol.SetupUpdate]
	SetupSyncRequests *utils.Topic[protocol.SetupSyncRequest]
	NameChanges       *utils.Topic[protocol.DisplayNameChange]
	CursorUpdates     *utils.Topic[protocol.CursorUpdate]
	PeerJoined        *utils.Topic[PeerInfo]
	PeerLeft          *utils.Topic[PeerInfo]
	HostLeft          *utils.Topic[struct{}]
}

func newEvents() *Events {
	return &Events{
		StateUpdates:      utils.NewTopic[snapshot.Snapshot](),
		Inputs:            utils.NewTopic[InputEvent](),
		CardOffers:        utils.NewTopic[protocol.CardOffer](),
		CardSelects:       utils.NewTopic[protocol.CardSelect](),
		CardApplies:       utils.NewTopic[protocol.CardApply](),
		CardHovers:        utils.NewTopic[protocol.CardHover](),
		RoundResets:       utils.NewTopic[protocol.RoundReset](),
		RoundsUpdates:     utils.NewTopic[protocol.RoundsUpdate](),
		ReadyStates:       utils.NewTopic[protocol.ReadyState](),
		StartCardSetting:  utils.NewTopic[protocol.StartCardSetting](),
		SetupUpdates:      utils.NewTopic[protocol.SetupUpdate](),
		SetupSyncRequests: utils.NewTopic[protocol.SetupSyncRequest](),
		NameChanges:       utils.NewTopic[protocol.DisplayNameChange](),
		CursorUpdates:     utils.NewTopic[protocol.CursorUpdate](),
		PeerJoined:        utils.NewTopic[PeerInfo](),
		PeerLeft:          utils.NewTopic[PeerInfo](),
		HostLeft:          utils.NewTopic[struct{}](),
	}
}

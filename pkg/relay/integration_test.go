package relay

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skirmish-gg/skirmish/pkg/protocol"
	"github.com/skirmish-gg/skirmish/pkg/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// End-to-end over a real websocket: relay HTTP surface on one side, the
// session client with its production dialer on the other.
func TestRelayEndToEnd(t *testing.T) {
	relay := NewRelay()
	server := httptest.NewServer(relay.Router())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	host := session.NewClient(ctx, server.URL, session.WebsocketDialer())
	defer host.Disconnect()

	code, err := host.HostLobby(ctx, "ada", "")
	require.NoError(t, err)
	require.Len(t, code, protocol.CodeLength)
	assert.Equal(t, 1, relay.Sessions())

	peerJoined := host.Events().PeerJoined.Subscribe()
	defer peerJoined.Done()

	joiner := session.NewClient(ctx, server.URL, session.WebsocketDialer())
	defer joiner.Disconnect()

	joinedCode, index, err := joiner.JoinLobby(ctx, code, "grace")
	require.NoError(t, err)
	assert.Equal(t, code, joinedCode)
	assert.Equal(t, 0, index)

	select {
	case peer := <-peerJoined.Recv():
		assert.Equal(t, session.PeerInfo{Index: 0, Name: "grace"}, peer)
	case <-ctx.Done():
		t.Fatal("host never saw the joiner")
	}

	// Host -> joiner over the relay.
	offers := joiner.Events().CardOffers.Subscribe()
	defer offers.Done()

	host.OfferCards(map[string][]protocol.Card{
		"grace": {{ID: "dash-2", Name: "Double Dash"}},
	})

	select {
	case offer := <-offers.Recv():
		require.Len(t, offer.CardsByFighter["grace"], 1)
		assert.Equal(t, "dash-2", offer.CardsByFighter["grace"][0].ID)
	case <-ctx.Done():
		t.Fatal("joiner never received the card offer")
	}

	// Joiner -> host, with the relay stamping the sender slot.
	inputs := host.Events().Inputs.Subscribe()
	defer inputs.Done()

	joiner.SendInput(protocol.Input{MoveX: 1, Attack: true})

	select {
	case input := <-inputs.Recv():
		assert.Equal(t, 0, input.JoinerIndex)
		assert.Equal(t, 1.0, input.Input.MoveX)
		assert.True(t, input.Input.Attack)
	case <-ctx.Done():
		t.Fatal("host never received the input")
	}

	// Host leaving tears the whole session down.
	hostLeft := joiner.Events().HostLeft.Subscribe()
	defer hostLeft.Done()

	host.Disconnect()

	select {
	case <-hostLeft.Recv():
	case <-ctx.Done():
		t.Fatal("joiner never learned the host left")
	}

	require.Eventually(t, func() bool {
		return relay.Sessions() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

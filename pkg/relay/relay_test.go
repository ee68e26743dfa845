package relay

import (
	"context"
	"testing"
	"time"

	"github.com/skirmish-gg/skirmish/pkg/protocol"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConnection(r *Relay) *Connection {
	return r.newConnection(context.Background())
}

func recv(t *testing.T, c *Connection) protocol.Envelope {
	t.Helper()

	select {
	case msg := <-c.send:
		var envelope protocol.Envelope
		require.NoError(t, cbor.Unmarshal(msg, &envelope))
		return envelope
	case <-time.After(time.Second):
		t.Fatal("no envelope received")
		return protocol.Envelope{}
	}
}

func expectNothing(t *testing.T, c *Connection) {
	t.Helper()

	select {
	case msg := <-c.send:
		var envelope protocol.Envelope
		_ = cbor.Unmarshal(msg, &envelope)
		t.Fatalf("unexpected envelope %s", envelope.Op)
	default:
	}
}

func host(t *testing.T, r *Relay, code, name string) (*Connection, string) {
	t.Helper()

	c := testConnection(r)
	r.handle(c, protocol.Envelope{Op: protocol.HostOp, Code: code, Name: name})

	hosted := recv(t, c)
	require.Equal(t, protocol.HostedOp, hosted.Op)
	return c, hosted.Code
}

func join(t *testing.T, r *Relay, code, name string) (*Connection, protocol.Envelope) {
	t.Helper()

	c := testConnection(r)
	r.handle(c, protocol.Envelope{Op: protocol.JoinOp, Code: code, Name: name})
	return c, recv(t, c)
}

func TestHostGeneratesCode(t *testing.T) {
	r := NewRelay()

	_, code := host(t, r, "", "ada")
	assert.Len(t, code, protocol.CodeLength)
	for _, char := range code {
		assert.Contains(t, protocol.CodeCharset, string(char))
	}

	require.NotNil(t, r.Session(code))
	assert.Equal(t, 1, r.Sessions())
}

func TestHostReusesRequestedCode(t *testing.T) {
	r := NewRelay()

	_, code := host(t, r, "BRAWL1", "ada")
	assert.Equal(t, "BRAWL1", code)
}

func TestJoinUnknownSession(t *testing.T) {
	r := NewRelay()

	_, reply := join(t, r, "NOPE42", "grace")
	assert.Equal(t, protocol.ErrorOp, reply.Op)
	assert.Equal(t, protocol.ErrSessionNotFound, reply.Message)
}

func TestJoinDeadHost(t *testing.T) {
	r := NewRelay()

	hostConn, code := host(t, r, "", "ada")

	// The transport died but the teardown has not run yet.
	hostConn.life.Cancel()

	_, reply := join(t, r, code, "grace")
	assert.Equal(t, protocol.ErrorOp, reply.Op)
	assert.Equal(t, protocol.ErrHostUnavailable, reply.Message)
}

func TestSessionLifecycle(t *testing.T) {
	r := NewRelay()

	hostConn, code := host(t, r, "", "ada")

	a, joinedA := join(t, r, code, "grace")
	require.Equal(t, protocol.JoinedOp, joinedA.Op)
	assert.Equal(t, 0, joinedA.JoinerIndex)
	assert.Equal(t, code, joinedA.Code)

	// The host hears about the new joiner.
	peerJoined := recv(t, hostConn)
	assert.Equal(t, protocol.PeerJoinedOp, peerJoined.Op)
	assert.Equal(t, 0, peerJoined.JoinerIndex)
	assert.Equal(t, "grace", peerJoined.Name)

	b, joinedB := join(t, r, code, "alan")
	require.Equal(t, protocol.JoinedOp, joinedB.Op)
	assert.Equal(t, 1, joinedB.JoinerIndex)
	recv(t, hostConn) // peer-joined for alan
	recv(t, a)        // joiner A hears about alan too

	c, joinedC := join(t, r, code, "edsger")
	require.Equal(t, protocol.JoinedOp, joinedC.Op)
	assert.Equal(t, 2, joinedC.JoinerIndex)
	recv(t, hostConn)
	recv(t, a)
	recv(t, b)

	// Slot four does not exist.
	_, rejected := join(t, r, code, "lin")
	assert.Equal(t, protocol.ErrorOp, rejected.Op)
	assert.Equal(t, protocol.ErrSessionFull, rejected.Message)
	assert.Len(t, r.Session(code).Joiners(), 3)

	// Joiner A leaves; everyone left hears exactly one peer-left.
	r.disconnect(a)
	for _, peer := range []*Connection{hostConn, b, c} {
		left := recv(t, peer)
		assert.Equal(t, protocol.PeerLeftOp, left.Op)
		assert.Equal(t, 0, left.JoinerIndex)
		expectNothing(t, peer)
	}

	// The freed slot is reused.
	_, rejoined := join(t, r, code, "barbara")
	require.Equal(t, protocol.JoinedOp, rejoined.Op)
	assert.Equal(t, 0, rejoined.JoinerIndex)
}

func TestHostDisconnectTearsDownSession(t *testing.T) {
	r := NewRelay()

	hostConn, code := host(t, r, "", "ada")
	a, _ := join(t, r, code, "grace")
	recv(t, hostConn)
	b, _ := join(t, r, code, "alan")
	recv(t, hostConn)
	recv(t, a)

	r.disconnect(hostConn)

	for _, joiner := range []*Connection{a, b} {
		left := recv(t, joiner)
		assert.Equal(t, protocol.HostLeftOp, left.Op)
		expectNothing(t, joiner)
		assert.False(t, joiner.Alive())
	}

	assert.Equal(t, 0, r.Sessions())
	assert.Nil(t, r.Session(code))
}

func TestRelayStarTopology(t *testing.T) {
	r := NewRelay()

	hostConn, code := host(t, r, "", "ada")
	a, _ := join(t, r, code, "grace")
	recv(t, hostConn)
	b, _ := join(t, r, code, "alan")
	recv(t, hostConn)
	recv(t, a)

	// Host fan-out reaches every joiner.
	r.handle(hostConn, protocol.Envelope{Op: protocol.RelayOp, Data: []byte{0xa0}})
	for _, joiner := range []*Connection{a, b} {
		forwarded := recv(t, joiner)
		assert.Equal(t, protocol.RelayOp, forwarded.Op)
	}

	// A joiner only ever reaches the host, stamped with its slot.
	r.handle(b, protocol.Envelope{Op: protocol.RelayOp, Data: []byte{0xa0}})
	toHost := recv(t, hostConn)
	require.NotNil(t, toHost.From)
	assert.Equal(t, 1, *toHost.From)
	expectNothing(t, a)
}

func TestJoinerRelayKeepsExistingStamp(t *testing.T) {
	r := NewRelay()

	hostConn, code := host(t, r, "", "ada")
	a, _ := join(t, r, code, "grace")
	recv(t, hostConn)

	stamped := 2
	r.handle(a, protocol.Envelope{Op: protocol.RelayOp, From: &stamped, Data: []byte{0xa0}})
	toHost := recv(t, hostConn)
	require.NotNil(t, toHost.From)
	assert.Equal(t, 2, *toHost.From)
}

func TestHostEviction(t *testing.T) {
	r := NewRelay()

	first, code := host(t, r, "BRAWL1", "ada")
	joiner, _ := join(t, r, code, "grace")
	recv(t, first)

	second, hostedCode := host(t, r, code, "margaret")
	assert.Equal(t, code, hostedCode)

	// The incoming host is told about the joiner it inherited.
	replay := recv(t, second)
	assert.Equal(t, protocol.PeerJoinedOp, replay.Op)
	assert.Equal(t, 0, replay.JoinerIndex)
	assert.Equal(t, "grace", replay.Name)

	assert.False(t, first.Alive())

	// The evicted host's teardown must not destroy the session.
	r.disconnect(first)
	assert.Equal(t, 1, r.Sessions())
	require.NotNil(t, r.Session(code).Host())
	assert.Equal(t, "margaret", r.Session(code).Host().Name())
	assert.Len(t, r.Session(code).Joiners(), 1)
	assert.True(t, joiner.Alive())
}

func TestJoinerDisconnectRemovesEmptySession(t *testing.T) {
	r := NewRelay()

	hostConn, code := host(t, r, "", "ada")
	a, _ := join(t, r, code, "grace")
	recv(t, hostConn)

	// Host evicted out-of-band, then the last joiner leaves.
	session := r.Session(code)
	session.mutex.Lock()
	session.host = nil
	session.mutex.Unlock()

	r.disconnect(a)
	assert.Equal(t, 0, r.Sessions())
}

func TestUnassignedRelayDropped(t *testing.T) {
	r := NewRelay()

	c := testConnection(r)
	r.handle(c, protocol.Envelope{Op: protocol.RelayOp, Data: []byte{0xa0}})
	expectNothing(t, c)
}

func TestCodeCollisions(t *testing.T) {
	r := NewRelay()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := r.table.newCode()
		require.NoError(t, err)
		assert.Len(t, code, protocol.CodeLength)
		assert.False(t, seen[code])
		seen[code] = true
		r.table.ensure(code)
	}
}

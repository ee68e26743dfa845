package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveRelayAddress(t *testing.T) {
	// Configured address wins.
	assert.Equal(t, "wss://relay.skirmish.gg", ResolveRelayAddress(AddressOptions{
		Configured: "wss://relay.skirmish.gg",
		Query:      "ws://elsewhere:3001",
		Origin:     "https://play.skirmish.gg",
	}))

	// An unexpanded build placeholder is not an address.
	assert.Equal(t, "ws://elsewhere:3001", ResolveRelayAddress(AddressOptions{
		Configured: "wss://" + AddressPlaceholder,
		Query:      "ws://elsewhere:3001",
	}))

	// Origin-derived, with scheme mapping.
	assert.Equal(t, "wss://play.skirmish.gg", ResolveRelayAddress(AddressOptions{
		Origin: "https://play.skirmish.gg",
	}))
	assert.Equal(t, "ws://localhost:8080", ResolveRelayAddress(AddressOptions{
		Origin: "http://localhost:8080",
	}))

	// Local-development fallback.
	assert.Equal(t, DefaultLocalRelay, ResolveRelayAddress(AddressOptions{}))
	assert.Equal(t, DefaultLocalRelay, ResolveRelayAddress(AddressOptions{
		Origin: "not a url",
	}))
}

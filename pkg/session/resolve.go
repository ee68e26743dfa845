package session

import (
	"net/url"
	"strings"
)

// AddressPlaceholder is what a build pipeline substitutes into the
// configured relay address; an unexpanded placeholder means "no address
// was configured".
const AddressPlaceholder = "__RELAY_HOST__"

// DefaultLocalRelay is the local-development fallback.
const DefaultLocalRelay = "ws://localhost:3001"

// AddressOptions are the candidate sources for the relay address, in
// resolution order.
type AddressOptions struct {
	// Explicitly configured address (config file or SKIRMISH_RELAY).
	Configured string
	// Address supplied via a startup query parameter.
	Query string
	// Origin the client itself was served from, e.g.
	// "https://play.skirmish.gg"; the relay is assumed to live behind
	// the same host.
	Origin string
}

// ResolveRelayAddress returns the first usable candidate: configured
// address, startup query parameter, origin-derived address, then the
// local-development fallback. Empty and unexpanded-placeholder candidates
// are skipped.
func ResolveRelayAddress(opts AddressOptions) string {
	if usable(opts.Configured) {
		return opts.Configured
	}

	if usable(opts.Query) {
		return opts.Query
	}

	if derived := deriveFromOrigin(opts.Origin); usable(derived) {
		return derived
	}

	return DefaultLocalRelay
}

func usable(candidate string) bool {
	return candidate != "" && !strings.Contains(candidate, AddressPlaceholder)
}

func deriveFromOrigin(origin string) string {
	if origin == "" {
		return ""
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return ""
	}

	scheme := "ws"
	if parsed.Scheme == "https" || parsed.Scheme == "wss" {
		scheme = "wss"
	}

	return scheme + "://" + parsed.Host
}

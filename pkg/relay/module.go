package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/skirmish-gg/skirmish/pkg/protocol"
	"github.com/skirmish-gg/skirmish/pkg/utils"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mileusna/useragent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

const (
	CONNECTION_MESSAGE_LIMIT int = 64
)

// Connection is the relay's view of one peer. It is owned exclusively by
// the relay; role fields are only touched from the connection's own
// handler goroutine or under its session's mutex.
type Connection struct {
	id      string
	role    Role
	index   int
	name    string
	session *Session

	send      chan []byte
	life      utils.Session
	closeSlow func()
	logger    zerolog.Logger
}

func (c *Connection) Role() Role {
	return c.role
}

func (c *Connection) Index() int {
	return c.index
}

func (c *Connection) Name() string {
	return c.name
}

// Alive reports transport liveness. A host that merely stopped sending is
// indistinguishable from a slow one; only transport closure flips this.
func (c *Connection) Alive() bool {
	return !c.life.IsDone()
}

// push queues an envelope for the peer, best effort. Transport sends never
// block a handler; a peer too slow to drain its buffer is closed.
func (c *Connection) push(envelope protocol.Envelope) {
	encoded, err := cbor.Marshal(envelope)
	if err != nil {
		c.logger.Error().Err(err).Msg("could not encode envelope")
		return
	}

	select {
	case c.send <- encoded:
	default:
		c.logger.Warn().Msg("connection too slow to keep up with messages")
		if c.closeSlow != nil {
			c.closeSlow()
		}
	}
}

// Relay routes envelopes between exactly one host and up to three joiners
// sharing a session code, without interpreting payloads beyond routing
// metadata.
type Relay struct {
	table      *sessionTable
	httpServer *http.Server
}

func NewRelay() *Relay {
	return &Relay{
		table: newSessionTable(),
	}
}

func (r *Relay) newConnection(ctx context.Context) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:     id,
		send:   make(chan []byte, CONNECTION_MESSAGE_LIMIT),
		life:   utils.NewSession(ctx),
		logger: log.With().Str("connection", id).Logger(),
	}
}

func (r *Relay) handle(client *Connection, envelope protocol.Envelope) {
	switch envelope.Op {
	case protocol.HostOp:
		r.handleHost(client, envelope)
	case protocol.JoinOp:
		r.handleJoin(client, envelope)
	case protocol.RelayOp:
		r.handleRelay(client, envelope)
	default:
		client.logger.Debug().Str("op", envelope.Op).Msg("dropping unknown envelope")
	}
}

func (r *Relay) handleHost(client *Connection, envelope protocol.Envelope) {
	code := envelope.Code
	if code == "" {
		generated, err := r.table.newCode()
		if err != nil {
			client.logger.Error().Err(err).Msg("could not generate session code")
			client.push(protocol.Envelope{Op: protocol.ErrorOp, Message: "could not create session"})
			return
		}
		code = generated
	}

	session := r.table.ensure(code)

	session.mutex.Lock()
	prior := session.host
	session.host = client
	client.role = RoleHost
	client.name = envelope.Name
	client.session = session

	joiners := make([]*Connection, 0, len(session.joiners))
	for _, joiner := range session.joiners {
		if joiner != nil {
			joiners = append(joiners, joiner)
		}
	}
	session.mutex.Unlock()

	if prior != nil && prior != client {
		// The code was occupied; the newcomer wins and the old host is
		// evicted. Its teardown must not touch the session anymore.
		prior.logger.Info().Str("code", code).Msg("host evicted by new host")
		prior.life.Cancel()
	}

	client.logger = client.logger.With().Str("code", code).Str("role", "host").Logger()
	client.logger.Info().Msg("session hosted")

	client.push(protocol.Envelope{Op: protocol.HostedOp, Code: code})

	// A late-arriving host reconstructs roster state from synthetic
	// peer-joined notifications.
	for _, joiner := range joiners {
		client.push(protocol.Envelope{
			Op:          protocol.PeerJoinedOp,
			JoinerIndex: joiner.index,
			Name:        joiner.name,
		})
	}
}

func (r *Relay) handleJoin(client *Connection, envelope protocol.Envelope) {
	session := r.table.get(envelope.Code)
	if session == nil {
		client.push(protocol.Envelope{Op: protocol.ErrorOp, Message: protocol.ErrSessionNotFound})
		return
	}

	session.mutex.Lock()
	if session.host == nil || !session.host.Alive() {
		session.mutex.Unlock()
		client.push(protocol.Envelope{Op: protocol.ErrorOp, Message: protocol.ErrHostUnavailable})
		return
	}

	index := -1
	for i, joiner := range session.joiners {
		if joiner == nil {
			index = i
			break
		}
	}
	if index == -1 {
		session.mutex.Unlock()
		client.push(protocol.Envelope{Op: protocol.ErrorOp, Message: protocol.ErrSessionFull})
		return
	}

	session.joiners[index] = client
	client.role = RoleJoiner
	client.index = index
	client.name = envelope.Name
	client.session = session

	host := session.host
	others := make([]*Connection, 0, len(session.joiners))
	for _, joiner := range session.joiners {
		if joiner != nil && joiner != client {
			others = append(others, joiner)
		}
	}
	session.mutex.Unlock()

	client.logger = client.logger.With().Str("code", session.Code).Int("joinerIndex", index).Logger()
	client.logger.Info().Msg("joiner connected")

	client.push(protocol.Envelope{
		Op:          protocol.JoinedOp,
		Code:        session.Code,
		JoinerIndex: index,
		Name:        envelope.Name,
	})

	joined := protocol.Envelope{
		Op:          protocol.PeerJoinedOp,
		JoinerIndex: index,
		Name:        envelope.Name,
	}
	host.push(joined)
	for _, other := range others {
		other.push(joined)
	}
}

// handleRelay enforces the star topology: the host fans out to all
// joiners, a joiner only ever reaches the host.
func (r *Relay) handleRelay(client *Connection, envelope protocol.Envelope) {
	session := client.session
	if session == nil {
		client.logger.Debug().Msg("dropping relay from unassigned connection")
		return
	}

	switch client.role {
	case RoleHost:
		for _, joiner := range session.Joiners() {
			joiner.push(envelope)
		}
	case RoleJoiner:
		if envelope.From == nil {
			index := client.index
			envelope.From = &index
		}
		if host := session.Host(); host != nil {
			host.push(envelope)
		}
	}
}

// disconnect frees the peer's slot and emits its leave notification as one
// synchronous teardown step. Host loss is fatal to the whole session.
func (r *Relay) disconnect(client *Connection) {
	client.life.Cancel()

	session := client.session
	if session == nil {
		return
	}
	client.session = nil

	session.mutex.Lock()
	if session.host == client {
		session.host = nil
		joiners := make([]*Connection, 0, len(session.joiners))
		for i, joiner := range session.joiners {
			if joiner != nil {
				joiners = append(joiners, joiner)
				session.joiners[i] = nil
			}
		}
		session.mutex.Unlock()

		r.table.remove(session.Code)
		client.logger.Info().Dur("uptime", client.life.Uptime()).Msg("host left; tearing down session")

		for _, joiner := range joiners {
			joiner.push(protocol.Envelope{Op: protocol.HostLeftOp})
			joiner.life.Cancel()
		}
		return
	}

	found := false
	for i, joiner := range session.joiners {
		if joiner == client {
			session.joiners[i] = nil
			found = true
			break
		}
	}

	host := session.host
	remaining := make([]*Connection, 0, len(session.joiners))
	for _, joiner := range session.joiners {
		if joiner != nil {
			remaining = append(remaining, joiner)
		}
	}
	empty := session.empty()
	session.mutex.Unlock()

	if !found {
		// Evicted host or a connection that never finished joining.
		return
	}

	client.logger.Info().Dur("uptime", client.life.Uptime()).Msg("joiner left")

	left := protocol.Envelope{
		Op:          protocol.PeerLeftOp,
		JoinerIndex: client.index,
		Name:        client.name,
	}
	if host != nil {
		host.push(left)
	}
	for _, joiner := range remaining {
		joiner.push(left)
	}

	if empty {
		r.table.remove(session.Code)
	}
}

func WriteTimeout(ctx context.Context, timeout time.Duration, c *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageBinary, msg)
}

// HandleClient runs one peer's read/write loop until the transport closes
// or the session tears the peer down.
func (r *Relay) HandleClient(ctx context.Context, c *websocket.Conn, host string) error {
	client := r.newConnection(ctx)
	defer r.disconnect(client)

	client.closeSlow = func() {
		client.life.Cancel()
		c.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with messages")
	}

	client.logger = client.logger.With().Str("host", host).Logger()
	client.logger.Info().Msg("peer connected")

	receive := make(chan protocol.Envelope)
	readCtx := client.life.Ctx()

	go func() {
		for {
			if readCtx.Err() != nil {
				return
			}

			typ, message, err := c.Read(readCtx)
			if err != nil {
				client.life.Cancel()
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}

			var envelope protocol.Envelope
			if err := cbor.Unmarshal(message, &envelope); err != nil {
				// Malformed payloads are dropped, never fatal.
				client.logger.Debug().Err(err).Msg("dropping malformed envelope")
				continue
			}

			select {
			case receive <- envelope:
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case envelope := <-receive:
			r.handle(client, envelope)
		case msg := <-client.send:
			if err := WriteTimeout(ctx, 5*time.Second, c, msg); err != nil {
				client.logger.Error().Msg("peer missed write timeout; disconnecting")
				return err
			}
		case <-client.life.Ctx().Done():
			// Flush anything still queued (a host-left notification,
			// usually) before the transport goes away.
			for {
				select {
				case msg := <-client.send:
					if err := WriteTimeout(ctx, time.Second, c, msg); err != nil {
						return nil
					}
				default:
					client.logger.Info().Msg("peer left")
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	c, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error().Err(err).Msg("error accepting peer connection")
		return
	}

	defer c.Close(websocket.StatusInternalError, "operational fault during relay")

	hostname := req.RemoteAddr
	if forwarded, ok := req.Header["X-Forwarded-For"]; ok {
		hostname = forwarded[0]
	}

	ua := useragent.Parse(req.Header.Get("User-Agent"))
	log.Info().
		Str("host", hostname).
		Str("browser", ua.Name).
		Str("os", ua.OS).
		Msg("peer accepted")

	err = r.HandleClient(req.Context(), c, hostname)
	if errors.Is(err, context.Canceled) {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to close peer connection")
	}
}

// Router exposes the relay's HTTP surface: the websocket endpoint and a
// health check.
func (r *Relay) Router() http.Handler {
	router := chi.NewRouter()
	router.Get("/ws", r.handleWS)
	router.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return router
}

func (r *Relay) Serve(ctx context.Context, port int) error {
	listen, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		log.Error().Err(err).Msg("failed to bind relay port")
		return err
	}

	log.Info().Msgf("relay listening on http://%v", listen.Addr())

	httpServer := &http.Server{
		Handler:     r.Router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	r.httpServer = httpServer

	return httpServer.Serve(listen)
}

func (r *Relay) Shutdown(ctx context.Context) {
	if r.httpServer != nil {
		r.httpServer.Shutdown(ctx)
	}
}

// Sessions reports the number of live sessions, for the health surface and
// tests.
func (r *Relay) Sessions() int {
	return r.table.count()
}

// Session looks up a live session by code.
func (r *Relay) Session(code string) *Session {
	return r.table.get(code)
}

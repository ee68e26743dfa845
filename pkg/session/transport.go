package session

import (
	"context"

	"nhooyr.io/websocket"
)

// Transport is one persistent, ordered message connection to the relay.
// Implementations must preserve per-connection delivery order; nothing
// stronger is assumed anywhere in this layer.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a Transport to a relay address. Injecting it keeps the
// client free of any global connection state and lets tests swap in an
// in-memory pipe.
type Dialer func(ctx context.Context, address string) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

// WebsocketDialer dials the relay's /ws endpoint.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, address string) (Transport, error) {
		conn, _, err := websocket.Dial(ctx, address+"/ws", nil)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn}, nil
	}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, data)
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}

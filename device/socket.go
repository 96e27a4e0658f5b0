package device

import (
	"context"
	"net/netip"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/David-ssnd/rayz-web-sub000/protocol"
)

// Socket is a message-oriented device socket. *websocket.Conn satisfies it.
// Reads happen on one goroutine; writes are serialized by the Connection.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens device sockets. Dial must return when ctx is cancelled.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WSDialer dials devices with gorilla/websocket
type WSDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer
func (d WSDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// URL returns the socket endpoint for a device id: ws://<id>/ws unless the
// id already is a ws:// or wss:// URL. IPv6 literals are bracketed.
func URL(id string) string {
	if strings.HasPrefix(id, "ws://") || strings.HasPrefix(id, "wss://") {
		return id
	}
	host := id
	if addr, err := netip.ParseAddr(id); err == nil && addr.Is6() {
		// a zone's % must be escaped inside a URL host
		host = "[" + strings.Replace(id, "%", "%25", 1) + "]"
	}
	return "ws://" + host + "/ws"
}

func frameKind(messageType int) (protocol.FrameKind, bool) {
	switch messageType {
	case websocket.TextMessage:
		return protocol.FrameText, true
	case websocket.BinaryMessage:
		return protocol.FrameBinary, true
	default:
		return 0, false
	}
}

func messageType(kind protocol.FrameKind) int {
	if kind == protocol.FrameBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

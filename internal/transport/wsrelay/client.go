package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/queue"
	"github.com/roach88/pistonsync/internal/transport"
)

// Conn is a websocket-backed transport.Channel.
type Conn struct {
	ws    *websocket.Conn
	peer  piston.PeerID
	inbox *queue.Queue[protocol.Envelope]

	mu     sync.Mutex // serializes writes and guards closed
	closed bool
}

var _ transport.Channel = (*Conn)(nil)

// Dial connects to a relay at baseURL (http:// or https://) and creates or
// joins room as peer. Room and peer are normalized the way the hub stores
// them, so envelopes stamped with Peer pass the relay's sender check.
// Refusals map back onto the transport sentinel errors.
func Dial(ctx context.Context, baseURL, room string, peer piston.PeerID, mode Mode) (*Conn, error) {
	u, err := wsURL(baseURL, "/ws")
	if err != nil {
		return nil, err
	}
	if room, err = transport.NormalizeName(room); err != nil {
		return nil, fmt.Errorf("dial: room: %w", err)
	}
	name, err := transport.NormalizeName(string(peer))
	if err != nil {
		return nil, fmt.Errorf("dial: peer: %w", err)
	}
	peer = piston.PeerID(name)
	q := url.Values{}
	q.Set("room", room)
	q.Set("peer", string(peer))
	q.Set("mode", string(mode))
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			if sentinel := refusalError(resp.Header.Get(HeaderError)); sentinel != nil {
				return nil, fmt.Errorf("dial %s: %w", room, sentinel)
			}
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	c := &Conn{ws: ws, peer: peer, inbox: queue.New[protocol.Envelope]()}
	go c.readLoop()
	return c, nil
}

// ListRooms fetches the relay's lobby listing.
func ListRooms(ctx context.Context, baseURL string) ([]transport.RoomInfo, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/rooms")
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list rooms: unexpected status %s", resp.Status)
	}
	var rooms []transport.RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, fmt.Errorf("decode room list: %w", err)
	}
	return rooms, nil
}

func wsURL(baseURL, path string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("parse relay url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u, nil
}

func (c *Conn) readLoop() {
	defer c.shutdown()

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(defaultPongWait))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(defaultPongWait))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("relay connection lost", "peer", c.peer, "error", err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("dropping malformed frame from relay", "peer", c.peer, "error", err)
			continue
		}
		c.inbox.Push(env)
	}
}

// shutdown marks the connection closed and releases the socket. Envelopes
// already received stay readable.
func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.Close()
	c.inbox.Close()
}

// Send implements transport.Channel. Any write failure closes the
// connection and is reported as transport.ErrClosed.
func (c *Conn) Send(env protocol.Envelope) error {
	if env.Sender != c.peer {
		return fmt.Errorf("%w: %s on link of %s", transport.ErrSenderMismatch, env.Sender, c.peer)
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: relay connection of %s", transport.ErrClosed, c.peer)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()

	if err != nil {
		c.shutdown()
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return nil
}

// Peer returns the normalized name this connection sends as.
func (c *Conn) Peer() piston.PeerID {
	return c.peer
}

// TryReceive implements transport.Channel.
func (c *Conn) TryReceive() (protocol.Envelope, bool) {
	return c.inbox.TryPop()
}

// Wait implements transport.Channel.
func (c *Conn) Wait() <-chan struct{} {
	return c.inbox.Wait()
}

// Close leaves the room. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if !c.closed {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
			time.Now().Add(defaultWriteWait))
	}
	c.mu.Unlock()
	c.shutdown()
	return nil
}

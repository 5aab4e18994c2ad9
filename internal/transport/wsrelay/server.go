// Package wsrelay exposes a transport.Hub over HTTP and websockets, and
// provides the matching client Channel.
//
//	GET /rooms                               lobby listing (JSON)
//	GET /ws?room=NAME&peer=ID&mode=create    open a room and join it
//	GET /ws?room=NAME&peer=ID&mode=join      join an existing room
//
// Every websocket text frame carries one protocol.Envelope.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/transport"
)

// HeaderError carries a machine-readable reason when a websocket handshake
// is refused.
const HeaderError = "X-Pistons-Error"

// Mode selects between opening and joining a room.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeJoin   Mode = "join"
)

const (
	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultWriteWait    = 10 * time.Second
	maxFrameBytes       = 1 << 20
)

// Server bridges websocket connections onto hub links.
type Server struct {
	hub          *transport.Hub
	upgrader     websocket.Upgrader
	pongWait     time.Duration
	pingInterval time.Duration
	writeWait    time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithKeepalive overrides the ping interval and the read deadline extended
// by each pong.
func WithKeepalive(ping, pongWait time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = ping
		s.pongWait = pongWait
	}
}

// NewServer creates a relay server over hub.
func NewServer(hub *transport.Hub, opts ...Option) *Server {
	s := &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			// Peers are native clients, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pongWait:     defaultPongWait,
		pingInterval: defaultPingInterval,
		writeWait:    defaultWriteWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms", s.handleRooms)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// and closes every open link.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.hub.List()); err != nil {
		slog.Warn("write room list failed", "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	room := q.Get("room")
	peer := piston.PeerID(q.Get("peer"))

	var (
		link *transport.Link
		err  error
	)
	switch Mode(q.Get("mode")) {
	case ModeCreate:
		link, err = s.hub.Create(room, peer)
	case ModeJoin, "":
		link, err = s.hub.Join(room, peer)
	default:
		err = transport.ErrInvalidName
	}
	if err != nil {
		writeRefusal(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "room", room, "peer", peer, "error", err)
		_ = link.Close()
		return
	}

	go s.writeLoop(conn, link)
	s.readLoop(conn, link)
}

// readLoop forwards client frames to the hub until the connection or the
// link fails. It owns no cleanup beyond closing the link; writeLoop closes
// the socket once the link's inbox is drained.
func (s *Server) readLoop(conn *websocket.Conn, link *transport.Link) {
	defer link.Close()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("peer connection lost", "peer", link.Peer(), "room", link.Room(), "error", err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("dropping malformed frame", "peer", link.Peer(), "error", err)
			continue
		}
		if err := link.Send(env); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				slog.Info("relay link closed", "peer", link.Peer(), "room", link.Room(), "error", err)
				return
			}
			slog.Warn("dropping rejected envelope", "peer", link.Peer(), "kind", env.Kind, "error", err)
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, link *transport.Link) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	defer conn.Close()

	closed := false
	for {
		for {
			env, ok := link.TryReceive()
			if !ok {
				break
			}
			data, err := protocol.Encode(env)
			if err != nil {
				slog.Error("encode envelope failed", "kind", env.Kind, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = link.Close()
				return
			}
		}
		if closed {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(s.writeWait))
			return
		}

		select {
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = link.Close()
				return
			}
		case _, open := <-link.Wait():
			closed = !open
		}
	}
}

func writeRefusal(w http.ResponseWriter, err error) {
	code, status := refusalCode(err)
	w.Header().Set(HeaderError, code)
	http.Error(w, err.Error(), status)
}

var refusals = []struct {
	err    error
	code   string
	status int
}{
	{transport.ErrNoRoom, "no_room", http.StatusNotFound},
	{transport.ErrRoomExists, "room_exists", http.StatusConflict},
	{transport.ErrRoomFull, "room_full", http.StatusConflict},
	{transport.ErrDuplicatePeer, "duplicate_peer", http.StatusConflict},
	{transport.ErrInvalidName, "invalid_name", http.StatusBadRequest},
}

func refusalCode(err error) (string, int) {
	for _, r := range refusals {
		if errors.Is(err, r.err) {
			return r.code, r.status
		}
	}
	return "internal", http.StatusInternalServerError
}

func refusalError(code string) error {
	for _, r := range refusals {
		if r.code == code {
			return r.err
		}
	}
	return nil
}

package transport

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
	"github.com/roach88/pistonsync/internal/queue"
)

// Hub is an in-process relay and lobby. Rooms hold at most MaxPeers links;
// a room stops accepting joins once its session is ready and is dropped
// once every peer has left and the empty TTL has passed.
type Hub struct {
	mu         sync.Mutex
	rooms      map[string]*room
	emptyTTL   time.Duration
	recorder   Recorder
	now        func() time.Time
	sessionIDs func() string
}

type room struct {
	name       string
	session    string
	links      []*Link
	ready      bool
	relaySeq   int64
	emptySince time.Time
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithEmptyTTL keeps an empty room listed for ttl before it is dropped.
func WithEmptyTTL(ttl time.Duration) HubOption {
	return func(h *Hub) { h.emptyTTL = ttl }
}

// WithRecorder installs a delivery observer.
func WithRecorder(r Recorder) HubOption {
	return func(h *Hub) { h.recorder = r }
}

// WithSessionIDs overrides session id generation.
func WithSessionIDs(gen func() string) HubOption {
	return func(h *Hub) { h.sessionIDs = gen }
}

// WithNow overrides the clock used for empty-room expiry.
func WithNow(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms:      make(map[string]*room),
		now:        time.Now,
		sessionIDs: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NormalizeName canonicalizes a room or peer name: NFC, trimmed, and free
// of control characters. An empty result is ErrInvalidName.
func NormalizeName(s string) (string, error) {
	s = strings.TrimSpace(norm.NFC.String(s))
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	if s == string(protocol.RelaySender) {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidName, s)
	}
	return s, nil
}

// Create opens a new room and joins peer as its first member (the master).
func (h *Hub) Create(name string, peer piston.PeerID) (*Link, error) {
	name, p, err := normalizePair(name, peer)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.purgeLocked()

	if _, exists := h.rooms[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, name)
	}
	r := &room{name: name, session: h.sessionIDs()}
	h.rooms[name] = r
	slog.Info("room created", "room", name, "session", r.session, "peer", p)
	return h.joinLocked(r, p), nil
}

// Join enters an existing room.
func (h *Hub) Join(name string, peer piston.PeerID) (*Link, error) {
	name, p, err := normalizePair(name, peer)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.purgeLocked()

	r, ok := h.rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoom, name)
	}
	if r.ready || len(r.links) >= MaxPeers {
		return nil, fmt.Errorf("%w: %s", ErrRoomFull, name)
	}
	for _, l := range r.links {
		if l.peer == p {
			return nil, fmt.Errorf("%w: %s in %s", ErrDuplicatePeer, p, name)
		}
	}
	slog.Info("peer joining room", "room", name, "session", r.session, "peer", p)
	return h.joinLocked(r, p), nil
}

// List returns the rooms currently known to the hub, sorted by name.
func (h *Hub) List() []RoomInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.purgeLocked()

	out := make([]RoomInfo, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, RoomInfo{
			Name:    r.name,
			Session: r.session,
			Peers:   len(r.links),
			Open:    !r.ready && len(r.links) < MaxPeers,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown closes every link of every room.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var links []*Link
	for _, r := range h.rooms {
		links = append(links, r.links...)
	}
	h.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
}

func normalizePair(name string, peer piston.PeerID) (string, piston.PeerID, error) {
	n, err := NormalizeName(name)
	if err != nil {
		return "", "", err
	}
	p, err := NormalizeName(string(peer))
	if err != nil {
		return "", "", err
	}
	return n, piston.PeerID(p), nil
}

func (h *Hub) joinLocked(r *room, peer piston.PeerID) *Link {
	l := &Link{hub: h, room: r, peer: peer, inbox: queue.New[protocol.Envelope]()}
	r.links = append(r.links, l)
	r.emptySince = time.Time{}

	h.relayLocked(r, protocol.PeerJoined{Peer: peer})
	if len(r.links) == MaxPeers {
		r.ready = true
		peers := make([]piston.PeerID, len(r.links))
		for i, m := range r.links {
			peers[i] = m.peer
		}
		h.relayLocked(r, protocol.SessionReady{Peers: peers})
		slog.Info("session ready", "room", r.name, "session", r.session, "master", peers[0])
	}
	return l
}

func (h *Hub) leaveLocked(l *Link) {
	r := l.room
	for i, m := range r.links {
		if m == l {
			r.links = append(r.links[:i], r.links[i+1:]...)
			break
		}
	}
	h.relayLocked(r, protocol.PeerLeft{Peer: l.peer})
	slog.Info("peer left room", "room", r.name, "session", r.session, "peer", l.peer)

	if len(r.links) == 0 {
		r.emptySince = h.now()
		if h.emptyTTL <= 0 {
			delete(h.rooms, r.name)
		}
	}
}

// purgeLocked drops empty rooms whose TTL has elapsed.
func (h *Hub) purgeLocked() {
	now := h.now()
	for name, r := range h.rooms {
		if len(r.links) == 0 && !r.emptySince.IsZero() && now.Sub(r.emptySince) >= h.emptyTTL {
			delete(h.rooms, name)
		}
	}
}

// relayLocked emits a relay event to every link of the room.
func (h *Hub) relayLocked(r *room, msg protocol.Message) {
	r.relaySeq++
	env, err := protocol.NewEnvelope(r.session, protocol.RelaySender, r.relaySeq, msg)
	if err != nil {
		slog.Error("relay event encode failed", "room", r.name, "kind", msg.Kind(), "error", err)
		return
	}
	h.deliverLocked(r, env, nil)
}

func (h *Hub) deliverLocked(r *room, env protocol.Envelope, from *Link) int {
	if h.recorder != nil {
		h.recorder.Record(r.name, env)
	}
	n := 0
	for _, l := range r.links {
		if l == from {
			continue
		}
		if l.inbox.Push(env) {
			n++
		}
	}
	return n
}

// Link is one peer's membership in a hub room. It implements Channel.
type Link struct {
	hub    *Hub
	room   *room
	peer   piston.PeerID
	inbox  *queue.Queue[protocol.Envelope]
	closed bool // guarded by hub.mu
}

var _ Channel = (*Link)(nil)

// Peer returns the peer id of this link.
func (l *Link) Peer() piston.PeerID { return l.peer }

// Session returns the id of the room's session.
func (l *Link) Session() string { return l.room.session }

// Room returns the room name.
func (l *Link) Room() string { return l.room.name }

// Send relays env to the other member of the room. Before the session is
// ready there may be nobody to deliver to; such envelopes are dropped. Once
// the session was ready and the other peer has gone, Send fails with
// ErrClosed.
func (l *Link) Send(env protocol.Envelope) error {
	if env.Sender != l.peer {
		return fmt.Errorf("%w: %s on link of %s", ErrSenderMismatch, env.Sender, l.peer)
	}

	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%w: link of %s", ErrClosed, l.peer)
	}
	delivered := h.deliverLocked(l.room, env, l)
	if l.room.ready && delivered == 0 {
		return fmt.Errorf("%w: no peer left in %s", ErrClosed, l.room.name)
	}
	return nil
}

// TryReceive implements Channel.
func (l *Link) TryReceive() (protocol.Envelope, bool) {
	return l.inbox.TryPop()
}

// Wait implements Channel.
func (l *Link) Wait() <-chan struct{} {
	return l.inbox.Wait()
}

// Close leaves the room and notifies the remaining peer. Idempotent.
func (l *Link) Close() error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.inbox.Close()
	h.leaveLocked(l)
	return nil
}

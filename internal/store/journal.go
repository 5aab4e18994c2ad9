package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
)

// ErrNotFound is returned when a session row does not exist.
var ErrNotFound = errors.New("not found")

// Direction tells whether a journaled envelope was sent or received.
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// Session describes one peer's journal of a session.
type Session struct {
	ID      string
	Local   piston.PeerID
	Room    string
	Master  piston.PeerID
	Guest   piston.PeerID
	Pistons int
	Seed    uint64 // zero when the local peer did not plan the session
}

// Message is one journaled envelope.
type Message struct {
	Ord       int64 // assigned on insert
	ID        string
	Local     piston.PeerID
	Direction Direction
	Envelope  protocol.Envelope
}

// SessionRef identifies a journal: a session as seen by one local peer.
type SessionRef struct {
	Session  string
	Local    piston.PeerID
	Messages int
}

// WriteSession records session metadata. Idempotent per (id, local peer).
func (s *Store) WriteSession(ctx context.Context, sess Session) error {
	seed := ""
	if sess.Seed != 0 {
		seed = strconv.FormatUint(sess.Seed, 10)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, local_peer, room, master, guest, pistons, seed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		sess.ID,
		string(sess.Local),
		sess.Room,
		string(sess.Master),
		string(sess.Guest),
		sess.Pistons,
		seed,
	)
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Append journals one envelope. The message id is derived from the envelope
// when not set. Appending an envelope already journaled for the same local
// peer is silently ignored.
func (s *Store) Append(ctx context.Context, msg Message) error {
	if msg.Direction != DirectionIn && msg.Direction != DirectionOut {
		return fmt.Errorf("append message: invalid direction %q", msg.Direction)
	}
	if msg.ID == "" {
		id, err := protocol.MessageID(msg.Envelope)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		msg.ID = id
	}
	payload := string(msg.Envelope.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, local_peer, direction, sender, seq, kind, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_peer, id) DO NOTHING
	`,
		msg.ID,
		msg.Envelope.Session,
		string(msg.Local),
		string(msg.Direction),
		string(msg.Envelope.Sender),
		msg.Envelope.Seq,
		string(msg.Envelope.Kind),
		payload,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ReadSession returns the metadata of a journal.
func (s *Store) ReadSession(ctx context.Context, id string, local piston.PeerID) (Session, error) {
	var (
		sess      Session
		localPeer string
		master    string
		guest     string
		seed      string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, local_peer, room, master, guest, pistons, seed
		FROM sessions
		WHERE id = ? AND local_peer = ?
	`, id, string(local)).Scan(&sess.ID, &localPeer, &sess.Room, &master, &guest, &sess.Pistons, &seed)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("read session %s/%s: %w", id, local, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("read session: %w", err)
	}
	sess.Local = piston.PeerID(localPeer)
	sess.Master = piston.PeerID(master)
	sess.Guest = piston.PeerID(guest)
	if seed != "" {
		if sess.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
			return Session{}, fmt.Errorf("read session: parse seed: %w", err)
		}
	}
	return sess, nil
}

// ListSessions returns every journal that has messages, ordered by session
// id then local peer. Sessions abandoned before setup have messages but no
// metadata row; they are listed too.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, local_peer, COUNT(*)
		FROM messages
		GROUP BY session_id, local_peer
		ORDER BY session_id COLLATE BINARY ASC, local_peer COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	refs := []SessionRef{}
	for rows.Next() {
		var (
			ref   SessionRef
			local string
		)
		if err := rows.Scan(&ref.Session, &local, &ref.Messages); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ref.Local = piston.PeerID(local)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return refs, nil
}

// ReadMessages returns a journal in application order.
// Returns an empty slice (not nil) if nothing was journaled.
func (s *Store) ReadMessages(ctx context.Context, session string, local piston.PeerID) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ord, id, local_peer, direction, session_id, sender, seq, kind, payload
		FROM messages
		WHERE session_id = ? AND local_peer = ?
		ORDER BY ord ASC
	`, session, string(local))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var (
			msg       Message
			localPeer string
			direction string
			sender    string
			kind      string
			payload   string
		)
		if err := rows.Scan(&msg.Ord, &msg.ID, &localPeer, &direction,
			&msg.Envelope.Session, &sender, &msg.Envelope.Seq, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Local = piston.PeerID(localPeer)
		msg.Direction = Direction(direction)
		msg.Envelope.Sender = piston.PeerID(sender)
		msg.Envelope.Kind = protocol.Kind(kind)
		msg.Envelope.Payload = []byte(payload)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash domains. Each kind of content-addressed value gets its own prefix so
// that identical bytes never collide across kinds.
const (
	DomainMessage = "pistonsync/message/v1"
	DomainBoard   = "pistonsync/board/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MessageID computes the content-addressed id of an envelope. Session, sender
// and sequence number identify a message uniquely; the kind is included so a
// journal can detect a sender reusing a sequence number for different
// content.
func MessageID(env Envelope) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"session": env.Session,
		"sender":  string(env.Sender),
		"seq":     env.Seq,
		"kind":    string(env.Kind),
	})
	if err != nil {
		return "", fmt.Errorf("MessageID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainMessage, canonical), nil
}

// MustMessageID is like MessageID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustMessageID(env Envelope) string {
	id, err := MessageID(env)
	if err != nil {
		panic(err)
	}
	return id
}

// ContentHash hashes the canonical form of v under domain. v must be
// accepted by MarshalCanonical.
func ContentHash(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("ContentHash: failed to marshal: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}

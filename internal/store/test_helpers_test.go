package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/pistonsync/internal/piston"
	"github.com/roach88/pistonsync/internal/protocol"
)

// createTestStore opens a journal in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMessage builds a journal entry for msg.
func createTestMessage(t *testing.T, session string, local, sender piston.PeerID, seq int64, dir Direction, msg protocol.Message) Message {
	t.Helper()
	env, err := protocol.NewEnvelope(session, sender, seq, msg)
	require.NoError(t, err)
	return Message{Local: local, Direction: dir, Envelope: env}
}

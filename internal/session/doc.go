// Package session holds the per-peer view of a two-peer game session and the
// master-authoritative lifecycle:
//
//	WaitingForPeers -> WaitingForBothTargetsFound -> Running -> Won
//	                                 \                  \
//	                                  `-> Abandoned <----'
//
// The Machine is not safe for concurrent use; it is owned by the engine's
// loop like every other piece of session state.
package session

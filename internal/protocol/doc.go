// Package protocol defines the replicated message surface exchanged between
// the two peers of a session and the relay.
//
// Every message travels inside an Envelope that carries the session, the
// sender and the sender's logical sequence number. Receivers never trust the
// payload alone: the sender identity on the envelope is what authority checks
// are made against.
//
// Content-addressed identity:
//
//	MessageID = SHA256("pistonsync/message/v1" || 0x00 || canonical(envelope header))
//
// Canonical JSON follows RFC 8785 (UTF-16 key order, no HTML escaping, NFC
// strings, no floats). Float payloads such as unrounded levels are therefore
// kept out of the identity and rendered as fixed-precision strings by
// Describe when a canonical form is required.
package protocol

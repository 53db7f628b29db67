// Package ami implements a client for the Asterisk Manager Interface.
//
// AMI is a line-oriented text protocol over TCP: the server greets with a
// single banner line, then both sides exchange frames of "Key: Value"
// header lines terminated by an empty line. Client requests (actions) are
// correlated to their responses through an ActionID header; the server
// also pushes unsolicited event frames at any time, interleaved with
// responses.
//
// # Layers
//
//   - Frame / Decoder / Action: the wire codec. Incremental, independent
//     of read chunk boundaries, bounded against oversized input.
//   - Client: one authenticated session over one TCP connection. Owns the
//     pending action table, the single-writer socket discipline, the read
//     loop and the keepalive ping.
//   - Supervisor: the session lifecycle. Dials fresh Clients, re-runs the
//     resubscribe hook after every reconnect, and backs off exponentially
//     between attempts.
//
// # Session lifecycle
//
// A Client never reconnects itself. When the connection drops it resolves
// every in-flight action with ErrConnectionLost, signals disconnect
// exactly once, and is discarded. The Supervisor then dials a replacement,
// which keeps ActionID correlation trivially safe: IDs are scoped to a
// connection and a fresh connection starts a fresh table.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Event callbacks are
// invoked on the read loop goroutine and must hand work off rather than
// block; blocking stalls frame intake for the whole session.
//
// # References
//
//   - AMI protocol: https://docs.asterisk.org/Asterisk_18_Documentation/API_Documentation/AMI/
package ami

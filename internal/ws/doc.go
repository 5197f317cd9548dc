// Package ws serves browser connections to shared terminals.
//
// The package implements:
//   - Conn: one browser socket with a bounded outbound queue
//   - Hub: the directory of live connections, keyed by connection id
//   - Server: the upgrade handler, the open decision tree and command dispatch
//
// Key features:
//   - Every open and every inbound batch runs on the event loop, so registry
//     changes made for one connection are never interleaved with another's
//   - A connection whose outbound queue overflows is closed on its own; the
//     sender never blocks
//   - Rejections send exactly one explanatory message before the close
//   - Closing a connection always removes it from the registry
package ws

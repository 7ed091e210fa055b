package protocol

// This package implements decoding and serialising frames for the event socket
// protocol spoken by the switching engine.
//
// The protocol is line oriented and looks a lot like HTTP or MIME.
//
// - `Frame` - One header block, optionally followed by a body.
// - `Message` - A decoded frame. Headers are kept in the order they arrived.
// - `Event` - A message the engine pushed to us on its own, rather than a reply
//             to one of our commands.
// - `Command` - A client instruction to the engine.
//
// === General Syntax
//
// - lines are `\n` delimited, a trailing `\r` is tolerated
// - a header line is `Name: Value`, the first ':' splits the name from the value
// - header names are case sensitive
// - a blank line terminates the header block
// - if the header block contains `Content-Length`, exactly that many bytes follow
//   the blank line and make up the body
//
// For example
//   ```
//     Content-Type: api/response
//     Content-Length: 2
//
//     OK
//   ```
//
// === Content types
//
// Every frame the engine sends carries a `Content-Type` header which tells us
// what to do with it.
//
// - `auth/request` - the engine wants us to authenticate
// - `command/reply` - the reply to a command, the result is in `Reply-Text`
// - `api/response` - the reply to an `api` command, the result is the body
// - `text/event-plain`, `text/event-json`, `text/event-xml` - a pushed event
// - `text/disconnect-notice` - the engine is about to hang up on us
// - `text/rude-rejection` - the engine refused the connection outright
//
// === Commands
//
// Commands are never prefixed with a request ID. The engine guarantees that it
// answers commands on a single connection in the order they were sent, with
// exactly one `command/reply` or `api/response` per command. Clients correlate
// replies to commands purely by that order.
//
//  ```
//    > api status\n\n
//    < Content-Type: api/response
//    < Content-Length: 22
//    <
//    < UP 0 years, 0 days...
//  ```
//
// Multi-line commands (e.g. `sendmsg`) are each line followed by `\n`, and a
// final blank line.
//
// === Background jobs
//
// `bgapi <command>` is answered immediately with a `command/reply` carrying a
// `Job-UUID` header. The actual result arrives later as a BACKGROUND_JOB event
// carrying the same `Job-UUID`.
//
// === Events
//
// Plain events carry their fields in the body as another header block whose
// values are URL encoded. The body block may itself contain a Content-Length,
// in which case a nested body follows (e.g. the output of a background job).
//
//   ```
//   Content-Type: text/event-plain
//   Content-Length: 57
//
//   Event-Name: HEARTBEAT
//   Up-Time: 0%20years%2C%200%20days
//
//   ```
//
// JSON and XML events carry the same fields, encoded as a JSON object or as
// an `<event><headers>...</headers></event>` document.

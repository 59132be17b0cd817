// Package clublink is a client SDK for pairing a host application with the
// ClubLink companion mobile app.
//
// The Agent opens a realtime channel, renders a session handle as a QR
// payload, and completes a two-leg handshake with the mobile app to receive
// credentials. After that it hands out access tokens, refreshing them behind
// a single-flight gate, and tears the session down when the refresh path is
// exhausted or the mobile app revokes authorization.
//
// Design notes:
//   - The Agent is an explicit dependency: construct one with New and pass
//     it around. No package-level globals.
//   - Token returns ("", nil) for "unauthenticated"; errors are reserved for
//     refresh failures on an otherwise healthy session.
//   - Storage is pluggable (memory, file, redis) and degrades to memory when
//     the backend write path fails.
package clublink

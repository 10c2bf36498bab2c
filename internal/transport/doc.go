// Package transport owns the kernel-side channel connections of one session.
//
// Ownership boundary:
// - one Transport per logical channel (shell, iopub, stdin, control)
// - heartbeat link held open, never read
// - dialing a complete channel set or nothing
//
// Messages are framed and signed by jupyter/wire before they reach a socket.
package transport

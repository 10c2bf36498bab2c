// Package router multiplexes one sidecar pipe pair onto the channels of one
// kernel session.
//
// A Router reads envelope lines from the inbound pipe and sends them on the
// channel they name, and writes every message received from the kernel to the
// outbound pipe tagged with its channel of origin. The first failure of any
// source ends the session: every transport and both pipe ends are closed.
package router

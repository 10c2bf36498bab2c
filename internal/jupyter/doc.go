// Package jupyter owns the kernel message model shared by every session component.
//
// Ownership boundary:
// - channel tags and connection parameters
// - message envelope and header shapes
// - type-directed content decoding keyed by header.msg_type
// - sidecar envelope line codec
//
// Wire framing, signing and socket transport live in jupyter/wire and transport.
package jupyter

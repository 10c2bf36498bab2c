// Package session establishes kernel sessions and tracks their routers.
//
// Factory.Connect opens the sidecar pipes, dials every kernel channel and
// starts a router owned by a Registry. The returned Handle only carries the
// host pipe ends; closing it does not stop the router.
package session

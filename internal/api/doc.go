// Package api contains API service implementations.
//
// The admin subpackage exposes the HTTP+JSON control surface a local
// controller uses to manage relationships and drive DID rotations. Peer
// traffic does not go through this package; inbound protocol messages
// arrive via internal/transport and are routed by internal/dispatch.
package api

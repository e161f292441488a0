// Package transfer implements mirroring sessions against rsync daemons
// speaking protocol version 27. It provides both halves of a session: Mirror
// drives the requesting side (generator and receiver running concurrently
// over a single connection), while Serve drives the sending side for
// connections accepted by a daemon loop.
package transfer

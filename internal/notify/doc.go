// Package notify turns TTL violations into notification messages and hands
// them to a Transport. The Dispatcher sends each message exactly once and
// asynchronously; retrying a failed delivery is the transport's concern.
package notify

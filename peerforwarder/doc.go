// Package peerforwarder routes events of keyed, stateful processors to the
// node that owns them.
//
// A consistent hash ring built from the discovered peer set maps the values
// of a processor's identification keys to one peer. The ProcessingDecorator
// wraps such a processor: on every Execute it forwards the events owned by
// other peers, drains the events other peers forwarded to this node, and
// runs the inner processor on the merged batch.
//
// Forwarding never drops records. A batch that cannot be delivered is
// written to this node's receive buffer, and when that write fails as well
// the records are returned for local processing.
//
// Peers exchange ForwardRequest batches over HTTP (POST /event/forward,
// optional TLS) or NATS request/reply, encoded as JSON or MessagePack.
// Discovery is local-only, a static list, a DNS name, or a registry kept in
// a NATS key-value bucket.
package peerforwarder

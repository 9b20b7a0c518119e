/*
Package transport carries the Conductor↔Node control plane: a single
bidirectional-streaming RPC, Connect, over mutual TLS.

There is no protoc-generated code here. Envelopes (messages.go) are plain
tagged-union Go structs with exactly one populated field per direction,
marshaled over the wire by a small JSON encoding.Codec (codec.go) registered
under gRPC's content-subtype mechanism, and service.go hand-writes the
client/server stub shapes protoc-gen-go-grpc would otherwise generate around
that codec. Real gRPC still owns framing, flow control, half-close and
keepalive (tls.go) — only the per-message encoding is swapped out.
*/
package transport

// Package conn holds the per-connection state machine and the
// worker-local bookkeeping structures around it: the slab-allocated
// connection registry and the operation-token allocator used by the
// completion backend to correlate ring submissions with connections.
//
// Connection state is split into a control plane (lifecycle phases:
// accept, handshake stub, established, closing) and a data plane
// (reading with a fill count, or writing with offset/total). The data
// plane only exists while a connection is established.
package conn

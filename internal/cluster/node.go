package cluster

import (
	"runtime"

	"github.com/google/uuid"
)

// Node is a member of the cluster: a socket address accepting MQTT
// connections, a uuid assigned at construction (immutable), and a weight
// the rebalancer uses to bias how many shards land on it.
type Node struct {
	UUID    uuid.UUID
	Weight  uint16
	Address string // listen address
}

// NewNode builds a Node with a fresh uuid and a weight defaulting to the
// host's CPU count, per spec §3 ("Weight defaults to the node's CPU
// count"), grounded on original_source's `Node::default()`
// (`num_cpus::get()`) — Go's `runtime.NumCPU()` is the idiomatic
// equivalent, no third-party CPU-count library exists in the pack.
func NewNode(address string) Node {
	return Node{
		UUID:    uuid.New(),
		Weight:  uint16(runtime.NumCPU()),
		Address: address,
	}
}

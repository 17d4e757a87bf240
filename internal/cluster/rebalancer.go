package cluster

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// replicasPerWeight is how many virtual ring points one unit of node
// weight contributes; more points smooths the distribution across nodes
// of different weight.
const replicasPerWeight = 64

// Rebalancer is a variant with one implementation today — consistent
// hashing — matching spec §4.5 ("The rebalancer is a variant with one
// implementation today"). Re-expressed in Go as a concrete struct
// wrapping the one ConsistentHash ring rather than an interface, since
// there is exactly one case.
type Rebalancer struct {
	ring *ConsistentHash
}

func NewRebalancer(nodes []Node) (*Rebalancer, error) {
	ring, err := NewConsistentHash(nodes)
	if err != nil {
		return nil, err
	}
	return &Rebalancer{ring: ring}, nil
}

func (r *Rebalancer) AddNodes(nodes []Node) error  { return r.ring.AddNodes(nodes) }
func (r *Rebalancer) RemoveNodes(ids []uuid.UUID) error { return r.ring.RemoveNodes(ids) }
func (r *Rebalancer) ShardToNode(shard uuid.UUID) (uuid.UUID, bool) {
	return r.ring.ShardToNode(shard)
}

// ConsistentHash maps shard uuids to node uuids on a hash ring, weighted
// by each node's Weight field (heavier nodes get proportionally more
// ring points, and so more shards).
type ConsistentHash struct {
	points []ringPoint
}

type ringPoint struct {
	hash uint64
	node uuid.UUID
}

func NewConsistentHash(nodes []Node) (*ConsistentHash, error) {
	ch := &ConsistentHash{}
	if err := ch.AddNodes(nodes); err != nil {
		return nil, err
	}
	return ch, nil
}

func (ch *ConsistentHash) AddNodes(nodes []Node) error {
	for _, n := range nodes {
		weight := int(n.Weight)
		if weight <= 0 {
			weight = 1
		}
		for i := 0; i < weight*replicasPerWeight; i++ {
			h := xxhash.Sum64String(n.UUID.String() + "#" + strconv.Itoa(i))
			ch.points = append(ch.points, ringPoint{hash: h, node: n.UUID})
		}
	}
	sort.Slice(ch.points, func(i, j int) bool { return ch.points[i].hash < ch.points[j].hash })
	return nil
}

func (ch *ConsistentHash) RemoveNodes(ids []uuid.UUID) error {
	remove := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	kept := ch.points[:0]
	for _, p := range ch.points {
		if !remove[p.node] {
			kept = append(kept, p)
		}
	}
	ch.points = kept
	return nil
}

// ShardToNode walks the ring clockwise from shard's hash and returns the
// first node point found, wrapping around to the first point if none is
// past the shard's position.
func (ch *ConsistentHash) ShardToNode(shard uuid.UUID) (uuid.UUID, bool) {
	if len(ch.points) == 0 {
		return uuid.UUID{}, false
	}
	h := xxhash.Sum64String(shard.String())
	i := sort.Search(len(ch.points), func(i int) bool { return ch.points[i].hash >= h })
	if i == len(ch.points) {
		i = 0
	}
	return ch.points[i].node, true
}

func (ch *ConsistentHash) String() string {
	return fmt.Sprintf("ConsistentHash{points=%d}", len(ch.points))
}

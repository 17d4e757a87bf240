// Package cluster owns authoritative node membership and the rebalancer,
// serialising every membership mutation through a single control-request
// loop (spec §4.5, §2 "Control plane").
package cluster

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/meshbroker/mqttd/internal/brokerr"
	"github.com/meshbroker/mqttd/internal/config"
	"github.com/rs/zerolog"
)

// shutdownPollIntervalMax caps the exponential-backoff poll interval
// Shutdown computes, grounded on the
// teacher's server.go Shutdown (same constant name, same doubling+jitter
// strategy, reused here for cluster-level quiescence instead of HTTP
// listener quiescence).
const shutdownPollIntervalMax = 500 * time.Millisecond

// request is a one-shot control message: every field but reply is a
// discriminated variant of spec's `Request` enum from cluster.rs
// (AddNodes / RemoveNodes / ShardMap).
type request struct {
	addNodes    []Node
	removeNodes []uuid.UUID
	shardMap    uuid.UUID
	reply       chan response
}

type response struct {
	nodeUUID uuid.UUID
	err      error
}

// Cluster holds cluster-wide node membership and the rebalancer. All
// mutation goes through a single goroutine's control loop so membership
// changes are serialised, per spec §4.5 ("all go through the cluster's
// control loop so membership changes are serialised").
type Cluster struct {
	Name     string
	MaxNodes int
	Shards   []uuid.UUID

	log     zerolog.Logger
	control chan request
	done    chan struct{}
}

// New spawns the cluster's control-loop goroutine with the given initial
// node set and shard uuids (one per shard, assigned at cluster creation
// since spec §3 says shards are created at startup and never destroyed).
func New(cfg *config.Config, initialNodes []Node, shardUUIDs []uuid.UUID, log zerolog.Logger) (*Cluster, error) {
	if len(initialNodes) == 0 {
		return nil, brokerr.NewInvalidInput("cluster requires at least one initial node")
	}
	c := &Cluster{
		Name:     cfg.Name,
		MaxNodes: cfg.MaxNodes,
		Shards:   shardUUIDs,
		log:      log.With().Str("component", "cluster").Logger(),
		control:  make(chan request, 1024),
		done:     make(chan struct{}),
	}
	go c.mainLoop(initialNodes)
	return c, nil
}

func (c *Cluster) mainLoop(initialNodes []Node) {
	rebalancer, err := NewRebalancer(initialNodes)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to build rebalancer")
		return
	}
	nodes := make(map[uuid.UUID]Node, len(initialNodes))
	for _, n := range initialNodes {
		nodes[n.UUID] = n
	}

	for {
		select {
		case req := <-c.control:
			c.handle(req, rebalancer, nodes)
		case <-c.done:
			return
		}
	}
}

// handle processes one control request, implementing the validation
// rules spec.md §9 resolved for AddNodes/RemoveNodes: reject over
// max_nodes, reject duplicate-uuid add, reject removing the last node,
// reject removing an absent uuid.
func (c *Cluster) handle(req request, rebalancer *Rebalancer, nodes map[uuid.UUID]Node) {
	switch {
	case req.addNodes != nil:
		err := c.addNodes(req.addNodes, rebalancer, nodes)
		c.reply(req.reply, response{err: err})
	case req.removeNodes != nil:
		err := c.removeNodes(req.removeNodes, rebalancer, nodes)
		c.reply(req.reply, response{err: err})
	case req.shardMap != uuid.Nil:
		nodeUUID, ok := rebalancer.ShardToNode(req.shardMap)
		if !ok {
			c.reply(req.reply, response{err: brokerr.NewFatal("no node available for shard %s", req.shardMap)})
			return
		}
		c.reply(req.reply, response{nodeUUID: nodeUUID})
	}
}

func (c *Cluster) addNodes(add []Node, rebalancer *Rebalancer, nodes map[uuid.UUID]Node) error {
	if len(add)+len(nodes) > c.MaxNodes {
		return brokerr.NewInvalidInput("adding %d nodes would exceed max_nodes=%d", len(add), c.MaxNodes)
	}
	for _, n := range add {
		if _, exists := nodes[n.UUID]; exists {
			return brokerr.NewInvalidInput("node %s already present", n.UUID)
		}
	}
	if err := rebalancer.AddNodes(add); err != nil {
		return err
	}
	for _, n := range add {
		nodes[n.UUID] = n
	}
	return nil
}

func (c *Cluster) removeNodes(remove []uuid.UUID, rebalancer *Rebalancer, nodes map[uuid.UUID]Node) error {
	if len(remove) >= len(nodes) {
		return brokerr.NewInvalidInput("cannot remove all %d nodes", len(nodes))
	}
	for _, id := range remove {
		if _, exists := nodes[id]; !exists {
			return brokerr.NewInvalidInput("node %s not present", id)
		}
	}
	if err := rebalancer.RemoveNodes(remove); err != nil {
		return err
	}
	for _, id := range remove {
		delete(nodes, id)
	}
	return nil
}

func (c *Cluster) reply(ch chan response, resp response) {
	select {
	case ch <- resp:
	default:
	}
}

func (c *Cluster) call(req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case c.control <- req:
	case <-c.done:
		return response{}, brokerr.NewDisconnected(nil)
	}
	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-c.done:
		return response{}, brokerr.NewDisconnected(nil)
	}
}

// AddNodes validates and adds nodes to the cluster, serialised through
// the control loop.
func (c *Cluster) AddNodes(nodes []Node) error {
	_, err := c.call(request{addNodes: nodes})
	return err
}

// RemoveNodes validates and removes nodes from the cluster.
func (c *Cluster) RemoveNodes(ids []uuid.UUID) error {
	_, err := c.call(request{removeNodes: ids})
	return err
}

// ShardToNode resolves which node currently owns shard.
func (c *Cluster) ShardToNode(shard uuid.UUID) (uuid.UUID, error) {
	resp, err := c.call(request{shardMap: shard})
	if err != nil {
		return uuid.UUID{}, err
	}
	return resp.nodeUUID, nil
}

// Shutdown signals the control loop to stop, then waits for the first
// jittered poll interval of the teacher's server.go Shutdown backoff
// (about 1ms) and returns nil, or returns ctx.Err() if ctx ends first.
// It does not poll again or check that the loop goroutine has exited.
func (c *Cluster) Shutdown(ctx context.Context) error {
	close(c.done)

	pollIntervalBase := time.Millisecond
	nextPollInterval := func() time.Duration {
		interval := pollIntervalBase + time.Duration(rand.Intn(int(pollIntervalBase/10+1)))
		pollIntervalBase *= 2
		if pollIntervalBase > shutdownPollIntervalMax {
			pollIntervalBase = shutdownPollIntervalMax
		}
		return interval
	}

	timer := time.NewTimer(nextPollInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			// The control loop goroutine exits promptly on close(c.done);
			// a single drain cycle is enough to confirm quiescence since
			// nothing else writes to c.control after Shutdown is called.
			return nil
		}
	}
}

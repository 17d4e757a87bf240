// Package miot is the socket I/O collaborator: one reader goroutine and
// one writer goroutine per connection, bridging raw bytes on a net.Conn
// to the shard's packet channels. Grounded on the teacher's conn.go
// accept/serve loop (packet.Unpack driving a per-connection read loop,
// version tracked from the CONNECT packet), restructured per SPEC_FULL
// §4.6 so no protocol dispatch happens here — every decoded packet is
// simply handed to the shard over a channel.
package miot

import (
	"net"
	"sync"

	"github.com/meshbroker/mqttd/internal/message"
	"github.com/meshbroker/mqttd/packet"
	"github.com/rs/zerolog"
)

const (
	upstreamBuffer   = 256
	downstreamBuffer = 256
)

type connHandle struct {
	conn          net.Conn
	upstream      *message.Chan[packet.Packet]
	downstream    *message.Chan[packet.Packet]
	maxPacketSize uint32
	done          chan struct{}
}

// Miot owns the registry of live connections for one shard.
type Miot struct {
	log zerolog.Logger

	mu    sync.Mutex
	conns map[string]*connHandle
}

func New(log zerolog.Logger) *Miot {
	return &Miot{
		log:   log.With().Str("component", "miot").Logger(),
		conns: make(map[string]*connHandle),
	}
}

// AddConnection registers conn under clientID and starts its reader and
// writer goroutines, satisfying shard.Miot.
func (m *Miot) AddConnection(clientID string, conn net.Conn, maxPacketSize uint32) (upstream, downstream *message.Chan[packet.Packet]) {
	ch := &connHandle{
		conn:          conn,
		upstream:      message.NewChan[packet.Packet](upstreamBuffer),
		downstream:    message.NewChan[packet.Packet](downstreamBuffer),
		maxPacketSize: maxPacketSize,
		done:          make(chan struct{}),
	}

	m.mu.Lock()
	m.conns[clientID] = ch
	m.mu.Unlock()

	go m.readLoop(clientID, ch)
	go m.writeLoop(ch)

	return ch.upstream, ch.downstream
}

// RemoveConnection unregisters clientID, stops its writer goroutine, and
// returns the raw connection and remaining downstream queue for the
// Flusher to drain, satisfying shard.Miot.
func (m *Miot) RemoveConnection(clientID string) (net.Conn, *message.Chan[packet.Packet], bool) {
	m.mu.Lock()
	ch, ok := m.conns[clientID]
	if ok {
		delete(m.conns, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	close(ch.done)
	return ch.conn, ch.downstream, true
}

// readLoop decodes packets off the wire and hands them to the shard.
// Version starts at 0 (unknown) and is fixed once the CONNECT packet is
// seen, mirroring conn.go's "c.version = rpkt.Version" assignment. The
// loop exits when Unpack errors (peer closed, or the flusher closed the
// socket out from under it) or the upstream channel is torn down.
func (m *Miot) readLoop(clientID string, ch *connHandle) {
	var version byte
	for {
		pkt, err := packet.Unpack(version, ch.conn)
		if err != nil {
			ch.upstream.Close()
			return
		}
		if conn, ok := pkt.(*packet.CONNECT); ok {
			version = conn.Version
		}
		if ch.upstream.Send(pkt) == message.Closed {
			return
		}
	}
}

// writeLoop encodes packets the shard queued for clientID onto the wire.
func (m *Miot) writeLoop(ch *connHandle) {
	for {
		select {
		case pkt := <-ch.downstream.Recv():
			if err := pkt.Pack(ch.conn); err != nil {
				m.log.Warn().Err(err).Msg("failed to write packet")
				return
			}
		case <-ch.done:
			return
		}
	}
}

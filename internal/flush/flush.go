// Package flush implements the connection-flush collaborator: drain
// whatever outbound packets remain queued for a client, send a final
// DISCONNECT carrying the terminating reason code, and close the
// socket. Grounded on original_source/src/flush.rs's two-phase
// main_loop (drain-until-empty-or-timeout, then send_disconnect),
// collapsed from its thread-per-flush model into a single bounded
// method call since Go's per-connection goroutines already give each
// flush its own stack.
package flush

import (
	"net"
	"time"

	"github.com/meshbroker/mqttd/internal/brokerr"
	"github.com/meshbroker/mqttd/internal/message"
	"github.com/meshbroker/mqttd/packet"
	"github.com/rs/zerolog"
)

// Flusher drains and closes connections on the shard's behalf.
type Flusher struct {
	timeout time.Duration
	log     zerolog.Logger
}

func New(timeout time.Duration, log zerolog.Logger) *Flusher {
	return &Flusher{timeout: timeout, log: log.With().Str("component", "flush").Logger()}
}

// FlushConnection drains downstream until empty or the configured flush
// timeout elapses, writes a DISCONNECT carrying cause's reason code, and
// closes conn. Satisfies shard.Flusher.
func (f *Flusher) FlushConnection(conn net.Conn, downstream *message.Chan[packet.Packet], cause *brokerr.Error) {
	deadline := time.Now().Add(f.timeout)

	for time.Now().Before(deadline) {
		pkt, ok := downstream.TryRecv()
		if !ok {
			break
		}
		_ = conn.SetWriteDeadline(deadline)
		if err := pkt.Pack(conn); err != nil {
			f.log.Warn().Err(err).Msg("failed writing queued packet during flush")
			break
		}
	}

	reason := packet.ErrUnspecifiedError
	if cause != nil {
		reason = cause.Reason
	}
	disconnect := packet.NewDISCONNECT(packet.VERSION500, reason)
	_ = conn.SetWriteDeadline(deadline)
	if err := disconnect.Pack(conn); err != nil {
		f.log.Warn().Err(err).Msg("failed writing DISCONNECT during flush")
	}
	_ = conn.Close()
}

package miot

import (
	"net"
	"testing"
	"time"

	"github.com/meshbroker/mqttd/internal/message"
	"github.com/meshbroker/mqttd/packet"
	"github.com/rs/zerolog"
)

func TestAddConnection_ReadLoopDecodesIncomingPackets(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	m := New(zerolog.Nop())
	upstream, _ := m.AddConnection("c1", server, 1<<20)

	ping := &packet.PINGREQ{FixedHeader: &packet.FixedHeader{Kind: 0xC}}
	go func() {
		if err := ping.Pack(client); err != nil {
			t.Errorf("pack pingreq: %v", err)
		}
	}()

	select {
	case pkt := <-upstream.Recv():
		if _, ok := pkt.(*packet.PINGREQ); !ok {
			t.Fatalf("want *packet.PINGREQ, got %T", pkt)
		}
	case <-time.After(time.Second):
		t.Fatal("upstream never received the decoded packet")
	}
}

func TestAddConnection_WriteLoopEncodesQueuedPackets(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	m := New(zerolog.Nop())
	_, downstream := m.AddConnection("c1", server, 1<<20)

	ping := &packet.PINGREQ{FixedHeader: &packet.FixedHeader{Kind: 0xC}}
	if downstream.TrySend(ping) != message.Ok {
		t.Fatal("queueing the outbound packet failed")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		pkt, err := packet.Unpack(0, client)
		if err != nil {
			t.Errorf("unpack: %v", err)
			return
		}
		if _, ok := pkt.(*packet.PINGREQ); !ok {
			t.Errorf("want *packet.PINGREQ, got %T", pkt)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("client never received the queued packet")
	}
}

func TestRemoveConnection_StopsWriterAndReturnsHandles(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	m := New(zerolog.Nop())
	m.AddConnection("c1", server, 1<<20)

	conn, downstream, ok := m.RemoveConnection("c1")
	if !ok {
		t.Fatal("want ok=true for a registered connection")
	}
	if conn != server {
		t.Fatal("want the original net.Conn returned")
	}
	if downstream == nil {
		t.Fatal("want a non-nil downstream channel for the flusher to drain")
	}

	if _, _, ok := m.RemoveConnection("c1"); ok {
		t.Fatal("want ok=false removing an already-removed connection")
	}
}

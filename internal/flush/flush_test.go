package flush

import (
	"net"
	"testing"
	"time"

	"github.com/meshbroker/mqttd/internal/brokerr"
	"github.com/meshbroker/mqttd/internal/message"
	"github.com/meshbroker/mqttd/packet"
	"github.com/rs/zerolog"
)

func pubPacket(topic string) *packet.PUBLISH {
	return &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500},
		Message:     &packet.Message{TopicName: topic, Content: []byte("x")},
	}
}

func readDisconnect(t *testing.T, conn net.Conn) *packet.DISCONNECT {
	t.Helper()
	pkt, err := packet.Unpack(packet.VERSION500, conn)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	dc, ok := pkt.(*packet.DISCONNECT)
	if !ok {
		t.Fatalf("want *packet.DISCONNECT, got %T", pkt)
	}
	return dc
}

func TestFlushConnection_DrainsQueuedPacketsThenDisconnects(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	down := message.NewChan[packet.Packet](4)
	down.TrySend(pubPacket("a/b"))
	down.TrySend(pubPacket("a/c"))

	f := New(time.Second, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		f.FlushConnection(server, down, brokerr.NewSessionTakenOver())
		close(done)
	}()

	for i := 0; i < 2; i++ {
		pkt, err := packet.Unpack(packet.VERSION500, client)
		if err != nil {
			t.Fatalf("unpack queued packet %d: %v", i, err)
		}
		if _, ok := pkt.(*packet.PUBLISH); !ok {
			t.Fatalf("want *packet.PUBLISH, got %T", pkt)
		}
	}

	dc := readDisconnect(t, client)
	if dc.ReasonCode.Code != brokerr.NewSessionTakenOver().Reason.Code {
		t.Fatalf("want session-taken-over reason code, got 0x%02X", dc.ReasonCode.Code)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FlushConnection did not return")
	}
}

func TestFlushConnection_NilCauseUsesUnspecifiedError(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	down := message.NewChan[packet.Packet](1)
	f := New(time.Second, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		f.FlushConnection(server, down, nil)
		close(done)
	}()

	dc := readDisconnect(t, client)
	if dc.ReasonCode.Code != packet.ErrUnspecifiedError.Code {
		t.Fatalf("want unspecified-error reason code, got 0x%02X", dc.ReasonCode.Code)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FlushConnection did not return")
	}
}

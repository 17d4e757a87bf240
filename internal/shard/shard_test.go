package shard

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meshbroker/mqttd/internal/config"
	"github.com/meshbroker/mqttd/internal/flush"
	"github.com/meshbroker/mqttd/internal/miot"
	"github.com/meshbroker/mqttd/packet"
	"github.com/meshbroker/mqttd/topic"
	"github.com/rs/zerolog"
)

func testConfig() *config.MQTTConfig {
	return &config.MQTTConfig{
		FlushTimeoutSeconds: 1,
		MaxPacketSize:       1 << 20,
		PacketBatchSize:     64,
		MessageBatchSize:    64,
		KeepAliveSeconds:    60,
		ReceiveMaximum:      65535,
		TopicAliasMax:       16,
	}
}

func newTestShard(t *testing.T) *Shard {
	t.Helper()
	sh := New(uuid.New(), 0, testConfig(), topic.NewSubTrie(), topic.NewRetainedTrie(), zerolog.Nop())
	sh.SetFlusher(flush.New(time.Second, zerolog.Nop()))
	go sh.Run()
	t.Cleanup(func() { _ = sh.Close() })
	if err := sh.SetMiot(miot.New(zerolog.Nop())); err != nil {
		t.Fatalf("SetMiot: %v", err)
	}
	return sh
}

func connectPacket(clientID string) *packet.CONNECT {
	return &packet.CONNECT{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x1},
		ClientID:    clientID,
		KeepAlive:   60,
	}
}

func readConnack(t *testing.T, conn net.Conn) *packet.CONNACK {
	t.Helper()
	pkt, err := packet.Unpack(packet.VERSION500, conn)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	ack, ok := pkt.(*packet.CONNACK)
	if !ok {
		t.Fatalf("want *packet.CONNACK, got %T", pkt)
	}
	return ack
}

func addSession(t *testing.T, sh *Shard, clientID string) (client net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- sh.AddSession(clientID, server, 1<<20, connectPacket(clientID)) }()

	ack := readConnack(t, client)
	if ack.ConnectReturnCode != packet.CodeSuccess {
		t.Fatalf("want CodeSuccess, got %v", ack.ConnectReturnCode)
	}
	if err := <-done; err != nil {
		t.Fatalf("AddSession: %v", err)
	}
	return client
}

func TestAddSession_SendsConnack(t *testing.T) {
	sh := newTestShard(t)
	addSession(t, sh, "c1")
}

func TestLocalPublish_FansOutToSubscriber(t *testing.T) {
	sh := newTestShard(t)
	pub := addSession(t, sh, "publisher")
	sub := addSession(t, sh, "subscriber")
	defer pub.Close()
	defer sub.Close()

	subscribe := &packet.SUBSCRIBE{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x8},
		PacketID:    1,
		Subscriptions: []packet.Subscription{
			{TopicFilter: "a/b", MaximumQoS: 0},
		},
	}
	if err := subscribe.Pack(sub); err != nil {
		t.Fatalf("pack subscribe: %v", err)
	}

	// drain the SUBACK before publishing, so the test doesn't race the
	// shard's subscription bookkeeping against the PUBLISH dispatch.
	pkt, err := packet.Unpack(packet.VERSION500, sub)
	if err != nil {
		t.Fatalf("unpack suback: %v", err)
	}
	if _, ok := pkt.(*packet.SUBACK); !ok {
		t.Fatalf("want *packet.SUBACK, got %T", pkt)
	}

	publish := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x3},
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hello")},
	}
	if err := publish.Pack(pub); err != nil {
		t.Fatalf("pack publish: %v", err)
	}

	delivered := make(chan *packet.PUBLISH, 1)
	go func() {
		pkt, err := packet.Unpack(packet.VERSION500, sub)
		if err != nil {
			t.Errorf("unpack delivered publish: %v", err)
			return
		}
		p, ok := pkt.(*packet.PUBLISH)
		if !ok {
			t.Errorf("want *packet.PUBLISH, got %T", pkt)
			return
		}
		delivered <- p
	}()

	select {
	case p := <-delivered:
		if p.Message.TopicName != "a/b" || string(p.Message.Content) != "hello" {
			t.Fatalf("unexpected delivered publish: %+v", p.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the published message")
	}
}

func TestAddSession_TakeoverFlushesOldConnection(t *testing.T) {
	sh := newTestShard(t)
	old := addSession(t, sh, "dup")
	defer old.Close()

	server2, client2 := net.Pipe()
	defer client2.Close()
	done := make(chan error, 1)
	go func() { done <- sh.AddSession("dup", server2, 1<<20, connectPacket("dup")) }()

	pkt, err := packet.Unpack(packet.VERSION500, old)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if _, ok := pkt.(*packet.DISCONNECT); !ok {
		t.Fatalf("want the superseded connection to receive a DISCONNECT, got %T", pkt)
	}

	readConnack(t, client2)
	if err := <-done; err != nil {
		t.Fatalf("AddSession: %v", err)
	}

	if got := sh.SessionCount(); got != 1 {
		t.Fatalf("want exactly one session after takeover, got %d", got)
	}
}

func TestShardIDFor_IsStableAndBounded(t *testing.T) {
	const numShards = 8
	id1 := ShardIDFor("client-42", numShards)
	id2 := ShardIDFor("client-42", numShards)
	if id1 != id2 {
		t.Fatalf("want a stable shard assignment, got %d then %d", id1, id2)
	}
	if id1 >= numShards {
		t.Fatalf("want shard id < %d, got %d", numShards, id1)
	}
}

func subscribeTopic(t *testing.T, conn net.Conn, packetID uint16, filter string, maxQoS uint8) {
	t.Helper()
	subscribe := &packet.SUBSCRIBE{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x8},
		PacketID:    packetID,
		Subscriptions: []packet.Subscription{
			{TopicFilter: filter, MaximumQoS: maxQoS},
		},
	}
	if err := subscribe.Pack(conn); err != nil {
		t.Fatalf("pack subscribe: %v", err)
	}
	pkt, err := packet.Unpack(packet.VERSION500, conn)
	if err != nil {
		t.Fatalf("unpack suback: %v", err)
	}
	if _, ok := pkt.(*packet.SUBACK); !ok {
		t.Fatalf("want *packet.SUBACK, got %T", pkt)
	}
}

func TestQoS1Publish_SendsPubackAndDeliversWithOwnPacketID(t *testing.T) {
	sh := newTestShard(t)
	pub := addSession(t, sh, "publisher")
	sub := addSession(t, sh, "subscriber")
	defer pub.Close()
	defer sub.Close()

	subscribeTopic(t, sub, 1, "a/b", 1)

	publish := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x3, QoS: 1},
		PacketID:    7,
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hello")},
	}
	if err := publish.Pack(pub); err != nil {
		t.Fatalf("pack publish: %v", err)
	}

	delivered, err := packet.Unpack(packet.VERSION500, sub)
	if err != nil {
		t.Fatalf("unpack delivered publish: %v", err)
	}
	dp, ok := delivered.(*packet.PUBLISH)
	if !ok {
		t.Fatalf("want *packet.PUBLISH, got %T", delivered)
	}
	if dp.FixedHeader.QoS != 1 {
		t.Fatalf("want delivered QoS 1, got %d", dp.FixedHeader.QoS)
	}
	if dp.PacketID == 0 {
		t.Fatal("want the subscriber to be given its own non-zero packet id")
	}

	ackPkt, err := packet.Unpack(packet.VERSION500, pub)
	if err != nil {
		t.Fatalf("unpack puback: %v", err)
	}
	puback, ok := ackPkt.(*packet.PUBACK)
	if !ok {
		t.Fatalf("want *packet.PUBACK, got %T", ackPkt)
	}
	if puback.PacketID != 7 {
		t.Fatalf("want PUBACK for packet id 7, got %d", puback.PacketID)
	}
	if puback.ReasonCode.Code != packet.CodeSuccess.Code {
		t.Fatalf("want success reason code, got %v", puback.ReasonCode)
	}

	// subscriber completes the outbound ledger entry it was handed.
	subAck := &packet.PUBACK{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x4},
		PacketID:    dp.PacketID,
		ReasonCode:  packet.CodeSuccess,
	}
	if err := subAck.Pack(sub); err != nil {
		t.Fatalf("pack puback: %v", err)
	}
}

func TestQoS2Publish_FullHandshakeBothDirections(t *testing.T) {
	sh := newTestShard(t)
	pub := addSession(t, sh, "publisher")
	sub := addSession(t, sh, "subscriber")
	defer pub.Close()
	defer sub.Close()

	subscribeTopic(t, sub, 1, "a/b", 2)

	publish := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x3, QoS: 2},
		PacketID:    9,
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hello")},
	}
	if err := publish.Pack(pub); err != nil {
		t.Fatalf("pack publish: %v", err)
	}

	delivered, err := packet.Unpack(packet.VERSION500, sub)
	if err != nil {
		t.Fatalf("unpack delivered publish: %v", err)
	}
	dp, ok := delivered.(*packet.PUBLISH)
	if !ok {
		t.Fatalf("want *packet.PUBLISH, got %T", delivered)
	}
	if dp.FixedHeader.QoS != 2 {
		t.Fatalf("want delivered QoS 2, got %d", dp.FixedHeader.QoS)
	}

	pubrecPkt, err := packet.Unpack(packet.VERSION500, pub)
	if err != nil {
		t.Fatalf("unpack pubrec: %v", err)
	}
	pubrec, ok := pubrecPkt.(*packet.PUBREC)
	if !ok {
		t.Fatalf("want *packet.PUBREC, got %T", pubrecPkt)
	}
	if pubrec.PacketID != 9 {
		t.Fatalf("want PUBREC for packet id 9, got %d", pubrec.PacketID)
	}

	pubrel := &packet.PUBREL{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x6},
		PacketID:    9,
		ReasonCode:  packet.CodeSuccess,
	}
	if err := pubrel.Pack(pub); err != nil {
		t.Fatalf("pack pubrel: %v", err)
	}

	pubcompPkt, err := packet.Unpack(packet.VERSION500, pub)
	if err != nil {
		t.Fatalf("unpack pubcomp: %v", err)
	}
	pubcomp, ok := pubcompPkt.(*packet.PUBCOMP)
	if !ok {
		t.Fatalf("want *packet.PUBCOMP, got %T", pubcompPkt)
	}
	if pubcomp.PacketID != 9 {
		t.Fatalf("want PUBCOMP for packet id 9, got %d", pubcomp.PacketID)
	}

	// subscriber now completes its own QoS 2 outbound exchange.
	subPubrec := &packet.PUBREC{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x5},
		PacketID:    dp.PacketID,
		ReasonCode:  packet.CodeSuccess,
	}
	if err := subPubrec.Pack(sub); err != nil {
		t.Fatalf("pack pubrec: %v", err)
	}
	pubrelPkt, err := packet.Unpack(packet.VERSION500, sub)
	if err != nil {
		t.Fatalf("unpack pubrel: %v", err)
	}
	if _, ok := pubrelPkt.(*packet.PUBREL); !ok {
		t.Fatalf("want *packet.PUBREL, got %T", pubrelPkt)
	}
}

func TestDuplicateQoS2Publish_ResendsPubrecWithoutRedelivering(t *testing.T) {
	sh := newTestShard(t)
	pub := addSession(t, sh, "publisher")
	sub := addSession(t, sh, "subscriber")
	defer pub.Close()
	defer sub.Close()

	subscribeTopic(t, sub, 1, "a/b", 2)

	publish := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x3, QoS: 2, Dup: 0},
		PacketID:    11,
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hello")},
	}
	if err := publish.Pack(pub); err != nil {
		t.Fatalf("pack publish: %v", err)
	}
	if _, err := packet.Unpack(packet.VERSION500, sub); err != nil {
		t.Fatalf("unpack first delivery: %v", err)
	}
	if _, err := packet.Unpack(packet.VERSION500, pub); err != nil {
		t.Fatalf("unpack first pubrec: %v", err)
	}

	dup := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x3, QoS: 2, Dup: 1},
		PacketID:    11,
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hello")},
	}
	if err := dup.Pack(pub); err != nil {
		t.Fatalf("pack duplicate publish: %v", err)
	}

	secondPubrecPkt, err := packet.Unpack(packet.VERSION500, pub)
	if err != nil {
		t.Fatalf("unpack second pubrec: %v", err)
	}
	if _, ok := secondPubrecPkt.(*packet.PUBREC); !ok {
		t.Fatalf("want the duplicate to be answered with another PUBREC, got %T", secondPubrecPkt)
	}

	redelivered := make(chan error, 1)
	go func() {
		_, err := packet.Unpack(packet.VERSION500, sub)
		redelivered <- err
	}()
	select {
	case <-redelivered:
		t.Fatal("want the duplicate QoS 2 publish not to be redelivered to the subscriber")
	case <-time.After(200 * time.Millisecond):
		// expected: nothing else was sent to the subscriber.
	}
}

func TestPingreq_RespondsWithPingresp(t *testing.T) {
	sh := newTestShard(t)
	conn := addSession(t, sh, "c1")
	defer conn.Close()

	ping := &packet.PINGREQ{FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0xC}}
	if err := ping.Pack(conn); err != nil {
		t.Fatalf("pack pingreq: %v", err)
	}

	pkt, err := packet.Unpack(packet.VERSION500, conn)
	if err != nil {
		t.Fatalf("unpack pingresp: %v", err)
	}
	if _, ok := pkt.(*packet.PINGRESP); !ok {
		t.Fatalf("want *packet.PINGRESP, got %T", pkt)
	}
}

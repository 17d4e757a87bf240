package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meshbroker/mqttd/internal/config"
	"github.com/meshbroker/mqttd/packet"
	"github.com/meshbroker/mqttd/topic"
)

func newTestSession(clientID string) *Session {
	return New(clientID, uuid.New(), topic.NewSubTrie(), topic.NewRetainedTrie())
}

func testMQTTConfig() *config.MQTTConfig {
	return &config.MQTTConfig{
		ReceiveMaximum:   10,
		MaxPacketSize:    1 << 20,
		TopicAliasMax:    8,
		KeepAliveSeconds: 60,
	}
}

func TestHandleConnect_NegotiatesMinimumOfRequestedAndConfigured(t *testing.T) {
	s := newTestSession("c1")
	pkt := &packet.CONNECT{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500},
		KeepAlive:   120,
		Props: &packet.ConnectProperties{
			ReceiveMaximum: 5,
		},
	}
	ack, err := s.HandleConnect(pkt, testMQTTConfig())
	if err != nil {
		t.Fatalf("HandleConnect: %v", err)
	}
	if ack.ConnectReturnCode != packet.CodeSuccess {
		t.Fatalf("want CodeSuccess, got %v", ack.ConnectReturnCode)
	}
	if s.Negotiated.ReceiveMaximum != 5 {
		t.Fatalf("want negotiated receive-maximum=5 (client's lower value), got %d", s.Negotiated.ReceiveMaximum)
	}
	if s.Negotiated.KeepAliveSeconds != 60 {
		t.Fatalf("want negotiated keep-alive=60 (server's lower value), got %d", s.Negotiated.KeepAliveSeconds)
	}
	if s.State != Active {
		t.Fatalf("want state Active after CONNACK, got %v", s.State)
	}
}

func TestHandleConnect_RejectsSecondConnect(t *testing.T) {
	s := newTestSession("c1")
	cfg := testMQTTConfig()
	pkt := &packet.CONNECT{FixedHeader: &packet.FixedHeader{Version: packet.VERSION500}}
	if _, err := s.HandleConnect(pkt, cfg); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if _, err := s.HandleConnect(pkt, cfg); err == nil {
		t.Fatalf("want error on second CONNECT for same session")
	}
}

func TestHandlePublish_FanOutDedupKeepsHighestQoS(t *testing.T) {
	sub := newTestSession("subscriber")
	sub.State = Active
	sub.Subscribe("a/b", packet.Subscription{MaximumQoS: 0}, 1)
	sub.Subscribe("a/#", packet.Subscription{MaximumQoS: 2}, 2)

	pub := newTestSession("publisher")
	pub.State = Active
	pub.subTrie = sub.subTrie // share the trie as shard would

	pkt := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, QoS: 2},
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hello")},
	}
	targets, topicName, err := pub.HandlePublish(pkt)
	if err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}
	if topicName != "a/b" {
		t.Fatalf("want resolved topic a/b, got %s", topicName)
	}
	if len(targets) != 1 {
		t.Fatalf("want 1 deduped target, got %d", len(targets))
	}
	if targets[0].QoS != 2 {
		t.Fatalf("want deduped QoS 2, got %d", targets[0].QoS)
	}
}

func TestHandlePublish_NoLocalExcludesPublisher(t *testing.T) {
	s := newTestSession("c1")
	s.State = Active
	s.Subscribe("t", packet.Subscription{MaximumQoS: 1, NoLocal: 1}, 0)

	pkt := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500},
		Message:     &packet.Message{TopicName: "t", Content: []byte("x")},
	}
	targets, _, err := s.HandlePublish(pkt)
	if err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}
	if len(targets) != 0 {
		t.Fatalf("want no-local subscriber excluded from its own publish, got %v", targets)
	}
}

func TestRetainedIdempotence_EmptyPayloadClears(t *testing.T) {
	s := newTestSession("c1")
	s.State = Active

	withPayload := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Retain: 1},
		Message:     &packet.Message{TopicName: "r", Content: []byte("x")},
	}
	if _, _, err := s.HandlePublish(withPayload); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}
	if _, ok := s.retainedTrie.Get("r"); !ok {
		t.Fatalf("want retained message stored")
	}

	empty := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Retain: 1},
		Message:     &packet.Message{TopicName: "r"},
	}
	if _, _, err := s.HandlePublish(empty); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}
	if _, ok := s.retainedTrie.Get("r"); ok {
		t.Fatalf("want zero-length retained publish to clear the entry")
	}
}

func TestOutboundLedger_ReceiveMaximumGatesInFlight(t *testing.T) {
	s := newTestSession("c1")
	s.Negotiated.ReceiveMaximum = 1

	if !s.ReserveOutbound(1, &packet.PUBLISH{}) {
		t.Fatalf("want first reservation admitted")
	}
	if s.ReserveOutbound(2, &packet.PUBLISH{}) {
		t.Fatalf("want second reservation blocked by receive-maximum=1")
	}
	s.AckOutbound(1)
	if !s.ReserveOutbound(2, &packet.PUBLISH{}) {
		t.Fatalf("want reservation admitted after ack frees a slot")
	}
}

func TestDueRetries_EvictsAfterMaxRetries(t *testing.T) {
	s := newTestSession("c1")
	s.Negotiated.ReceiveMaximum = 10
	s.ReserveOutbound(1, &packet.PUBLISH{})
	s.outbound[1].FirstSentAt = time.Now().Add(-time.Hour)
	s.outbound[1].SendCount = 3

	_, evict := s.DueRetries(time.Millisecond, 3)
	if !evict {
		t.Fatalf("want eviction once send count reaches max_retries")
	}
}

func TestInboundQoS2Ledger(t *testing.T) {
	s := newTestSession("c1")
	if !s.ReserveInboundQoS2(7) {
		t.Fatalf("want first reservation to succeed")
	}
	if s.ReserveInboundQoS2(7) {
		t.Fatalf("want duplicate reservation (redelivery) to be reported")
	}
	s.HandlePubrel(7)
	if !s.ReserveInboundQoS2(7) {
		t.Fatalf("want reservation to succeed again after PUBREL released it")
	}
}

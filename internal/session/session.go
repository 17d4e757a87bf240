// Package session implements the per-client MQTT v5 protocol state
// machine: CONNECT negotiation, inbound packet dispatch, and the QoS
// ledgers for both directions (spec §4.2).
package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/meshbroker/mqttd/internal/brokerr"
	"github.com/meshbroker/mqttd/internal/config"
	"github.com/meshbroker/mqttd/packet"
	"github.com/meshbroker/mqttd/topic"
)

// State is the session's protocol state (spec §4.2: "Initial →
// AwaitConnect → Active → Disconnecting → Closed").
type State uint8

const (
	Initial State = iota
	AwaitConnect
	Active
	Disconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case AwaitConnect:
		return "await_connect"
	case Active:
		return "active"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Negotiated holds the connection parameters picked as the minimum of
// client-requested and server-configured values at CONNECT time.
type Negotiated struct {
	ReceiveMaximum        uint16
	MaximumPacketSize     uint32
	TopicAliasMaximum     uint16
	KeepAliveSeconds      uint16
	SessionExpiryInterval uint32
}

// OutboundEntry is one packet_id's worth of QoS ledger bookkeeping for
// broker→client delivery (spec §4.2's outbound QoS ledger).
type OutboundEntry struct {
	Publish      *packet.PUBLISH
	FirstSentAt  time.Time
	SendCount    int
	AwaitingComp bool // true once PUBREC has been received for this QoS 2 packet id
}

// Session is the per-ClientID protocol state machine. It owns no
// channels or sockets directly — those live in the shard/miot layer — so
// it can be driven and tested without a running shard.
type Session struct {
	ClientID   string
	ShardUUID  uuid.UUID
	State      State
	CleanStart bool
	Negotiated Negotiated

	subs      map[string]packet.Subscription // topic filter -> options, for eviction bookkeeping
	topicAlias map[uint16]string             // inbound alias -> topic name, resets per connection

	nextPacketID uint16
	inboundQoS2  map[uint16]bool          // packet ids awaiting PUBREL
	outbound     map[uint16]*OutboundEntry

	subTrie      *topic.SubTrie
	retainedTrie *topic.RetainedTrie
}

func New(clientID string, shardUUID uuid.UUID, subTrie *topic.SubTrie, retainedTrie *topic.RetainedTrie) *Session {
	return &Session{
		ClientID:     clientID,
		ShardUUID:    shardUUID,
		State:        AwaitConnect,
		subs:         make(map[string]packet.Subscription),
		topicAlias:   make(map[uint16]string),
		inboundQoS2:  make(map[uint16]bool),
		outbound:     make(map[uint16]*OutboundEntry),
		subTrie:      subTrie,
		retainedTrie: retainedTrie,
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func min16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

// HandleConnect negotiates connection parameters and produces the
// CONNACK to send, per spec §4.2's CONNECT handling steps 4-5 (step 3,
// evicting a prior session, is the shard's responsibility since it
// requires cross-session and trie access this type deliberately doesn't
// have — see internal/shard's AddSession).
func (s *Session) HandleConnect(pkt *packet.CONNECT, cfg *config.MQTTConfig) (*packet.CONNACK, error) {
	if s.State != AwaitConnect {
		return nil, brokerr.NewProtocolError(packet.ErrProtocolViolationSecondConnect, nil)
	}
	s.CleanStart = pkt.ConnectFlags.CleanStart()

	receiveMax := uint16(cfg.ReceiveMaximum)
	maxPacketSize := uint32(cfg.MaxPacketSize)
	topicAliasMax := uint16(cfg.TopicAliasMax)
	keepAlive := pkt.KeepAlive
	sessionExpiry := uint32(cfg.SessionExpiryInterval)

	if pkt.Props != nil {
		if pkt.Props.ReceiveMaximum != 0 {
			receiveMax = min16(receiveMax, uint16(pkt.Props.ReceiveMaximum))
		}
		if pkt.Props.MaximumPacketSize != 0 {
			maxPacketSize = min32(maxPacketSize, uint32(pkt.Props.MaximumPacketSize))
		}
		topicAliasMax = min16(topicAliasMax, uint16(pkt.Props.TopicAliasMaximum))
		sessionExpiry = uint32(pkt.Props.SessionExpiryInterval)
	}
	if keepAlive == 0 {
		keepAlive = uint16(cfg.KeepAliveSeconds)
	} else {
		keepAlive = min16(keepAlive, uint16(cfg.KeepAliveSeconds))
	}

	s.Negotiated = Negotiated{
		ReceiveMaximum:        receiveMax,
		MaximumPacketSize:     maxPacketSize,
		TopicAliasMaximum:     topicAliasMax,
		KeepAliveSeconds:      keepAlive,
		SessionExpiryInterval: sessionExpiry,
	}
	s.State = Active

	ack := &packet.CONNACK{
		FixedHeader:       &packet.FixedHeader{Version: pkt.Version},
		ConnectReturnCode: packet.CodeSuccess,
		Props: &packet.ConnackProps{
			SessionExpiryInterval: sessionExpiry,
			ReceiveMaximum:        receiveMax,
			MaximumPacketSize:     maxPacketSize,
			TopicAliasMaximum:     topicAliasMax,
		},
	}
	return ack, nil
}

// MatchedTarget is one local or remote subscriber a PUBLISH fans out to.
type MatchedTarget struct {
	ClientID        string
	QoS             uint8
	SubscriptionIDs []uint32
}

// HandlePublish applies steps (a)-(c) of spec §4.2's PUBLISH dispatch:
// retained-store update, topic alias resolution, and subscriber fan-out.
// It returns the matched targets and the resolved topic name; building
// the PUBACK/PUBREC ack is left to the caller (the shard's dispatch).
func (s *Session) HandlePublish(pkt *packet.PUBLISH) ([]MatchedTarget, string, error) {
	topicName := pkt.Message.TopicName

	if pkt.Props != nil && pkt.Props.TopicAlias != 0 {
		alias := uint16(pkt.Props.TopicAlias)
		if topicName != "" {
			s.topicAlias[alias] = topicName
		} else {
			resolved, ok := s.topicAlias[alias]
			if !ok {
				return nil, "", brokerr.NewProtocolError(packet.ErrProtocolViolation, nil)
			}
			topicName = resolved
		}
	}

	if pkt.FixedHeader.Retain != 0 {
		s.retainedTrie.Put(topicName, pkt)
	}

	matches := s.subTrie.Match(topicName)
	targets := make([]MatchedTarget, 0, len(matches))
	for _, m := range matches {
		if m.ClientID == s.ClientID && m.Sub.NoLocal != 0 {
			continue
		}
		qos := m.Sub.MaximumQoS
		if pkt.FixedHeader.QoS < qos {
			qos = pkt.FixedHeader.QoS
		}
		targets = append(targets, MatchedTarget{ClientID: m.ClientID, QoS: qos, SubscriptionIDs: m.SubscriptionIDs})
	}
	return targets, topicName, nil
}

// ReserveInboundQoS2 marks packetID as awaiting PUBREL, returning false
// if it was already reserved (a redelivery with DUP set).
func (s *Session) ReserveInboundQoS2(packetID uint16) bool {
	if s.inboundQoS2[packetID] {
		return false
	}
	s.inboundQoS2[packetID] = true
	return true
}

// HandlePubrel completes the QoS 2 inbound exchange, releasing packetID.
func (s *Session) HandlePubrel(packetID uint16) {
	delete(s.inboundQoS2, packetID)
}

// ReserveOutbound admits a new outbound QoS>0 delivery if the negotiated
// receive-maximum allows another unacknowledged message in flight.
func (s *Session) ReserveOutbound(packetID uint16, pub *packet.PUBLISH) bool {
	if uint16(len(s.outbound)) >= s.Negotiated.ReceiveMaximum {
		return false
	}
	s.outbound[packetID] = &OutboundEntry{Publish: pub, FirstSentAt: time.Now(), SendCount: 1}
	return true
}

// AckOutbound removes packetID from the outbound ledger on PUBACK (QoS 1)
// or PUBCOMP (QoS 2).
func (s *Session) AckOutbound(packetID uint16) {
	delete(s.outbound, packetID)
}

// MarkAwaitingComp transitions a QoS 2 outbound entry to "awaiting
// PUBCOMP" on receipt of PUBREC.
func (s *Session) MarkAwaitingComp(packetID uint16) bool {
	e, ok := s.outbound[packetID]
	if !ok {
		return false
	}
	e.AwaitingComp = true
	return true
}

// DueRetries returns outbound entries whose retry_interval has elapsed
// and increments their send count, used by the shard's retry_publish
// tick (spec §4.3 step 7, §4.2 "Retransmission policy").
func (s *Session) DueRetries(retryInterval time.Duration, maxRetries int) (resend []*OutboundEntry, evict bool) {
	now := time.Now()
	for _, e := range s.outbound {
		if now.Sub(e.FirstSentAt) < retryInterval*time.Duration(e.SendCount) {
			continue
		}
		if e.SendCount >= maxRetries {
			evict = true
			continue
		}
		e.SendCount++
		resend = append(resend, e)
	}
	return resend, evict
}

// NextPacketID hands out the next free packet identifier for an outbound
// QoS>0 delivery, wrapping per the protocol's 1-65535 range (0 is never
// valid).
func (s *Session) NextPacketID() uint16 {
	for {
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if _, inUse := s.outbound[s.nextPacketID]; !inUse {
			return s.nextPacketID
		}
	}
}

// Subscribe records filter in the session's own bookkeeping (used for
// eviction) and adds the entry to the shared subscription trie.
func (s *Session) Subscribe(filter string, sub packet.Subscription, subID uint32) {
	s.subs[filter] = sub
	s.subTrie.Subscribe(filter, s.ClientID, sub, subID)
}

// Unsubscribe removes filter from both the session's bookkeeping and the
// shared trie.
func (s *Session) Unsubscribe(filter string) {
	delete(s.subs, filter)
	s.subTrie.Unsubscribe(filter, s.ClientID)
}

// Filters returns every topic filter this session currently holds, used
// by the shard to evict a session's full trie footprint on takeover or
// close (spec's "Supplemented Features" session-takeover ordering).
func (s *Session) Filters() []string {
	out := make([]string, 0, len(s.subs))
	for f := range s.subs {
		out = append(out, f)
	}
	return out
}

// Evict tears down every trie entry this session owns and transitions it
// to Disconnecting. reason is not stored or returned; the caller hands
// its own cause to the flusher.
func (s *Session) Evict(reason *brokerr.Error) {
	s.subTrie.RemoveClient(s.Filters(), s.ClientID)
	s.subs = make(map[string]packet.Subscription)
	s.State = Disconnecting
	_ = reason
}

// Package message defines the internal routing unit passed between
// sessions, shards, and the I/O layer, plus the bounded channel wrapper
// every queue in the system is built from.
package message

import "github.com/meshbroker/mqttd/packet"

// Kind tags which variant a Message holds.
type Kind uint8

const (
	// KindPacket carries a decoded/encoded MQTT packet whose source or
	// sink is local to this shard.
	KindPacket Kind = iota
	// KindRouted carries a PUBLISH routed toward a local subscriber from
	// another shard.
	KindRouted
	// KindLocalAck carries a periodic cumulative ack of Routed messages.
	KindLocalAck
	// KindClientAck carries a CONNACK/SUBACK/PUBACK/PUBREC/PUBCOMP destined
	// for the local client.
	KindClientAck
)

// Routed is a PUBLISH forwarded from src_shard toward a subscriber owned
// by the shard that receives this message. QoS is the subscriber's own
// negotiated delivery QoS (min of the publisher's QoS and the matched
// subscription's maximum), carried alongside Publish since the packet
// itself hasn't yet been given the subscriber's own packet id.
type Routed struct {
	SrcShard uint32
	Seqno    uint64
	ClientID string
	QoS      uint8
	Publish  *packet.PUBLISH
}

// LocalAck cumulatively acknowledges every Routed message the recipient
// shard has received from SrcShard up to LastReceivedSeqno.
type LocalAck struct {
	SrcShard         uint32
	LastReceivedSeqno uint64
}

// Message is the tagged variant moved through every channel family in
// the system (spec §3, "Message (internal routing unit)").
type Message struct {
	Kind     Kind
	Packet   packet.Packet // KindPacket, KindClientAck
	Routed   Routed        // KindRouted
	LocalAck LocalAck      // KindLocalAck
}

func NewPacket(pkt packet.Packet) Message    { return Message{Kind: KindPacket, Packet: pkt} }
func NewClientAck(pkt packet.Packet) Message { return Message{Kind: KindClientAck, Packet: pkt} }
func NewRouted(r Routed) Message             { return Message{Kind: KindRouted, Routed: r} }
func NewLocalAck(a LocalAck) Message         { return Message{Kind: KindLocalAck, LocalAck: a} }

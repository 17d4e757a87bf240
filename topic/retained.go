package topic

import "github.com/meshbroker/mqttd/packet"

// RetainedTrie stores the most recent retained PUBLISH per exact topic.
// It shares the same path-copy node structure as SubTrie, but keys on
// the literal topic name a message was published to rather than a
// filter, and its terminals hold a single packet rather than a set.
type RetainedTrie struct {
	t *Trie[*packet.PUBLISH]
}

func NewRetainedTrie() *RetainedTrie {
	return &RetainedTrie{t: NewTrie[*packet.PUBLISH]()}
}

// Put stores pkt as the retained message for its own topic name, or
// clears any existing retained message for that topic if pkt's payload
// is zero-length, per the RETAIN semantics in the wire spec.
func (r *RetainedTrie) Put(topicName string, pkt *packet.PUBLISH) {
	r.t.Update(topicName, func(_ *packet.PUBLISH, _ bool) (*packet.PUBLISH, bool) {
		if pkt.Message == nil || len(pkt.Message.Content) == 0 {
			return nil, true
		}
		return pkt, false
	})
}

// Match returns every retained message whose topic matches filter,
// applied when a SUBSCRIBE's RetainHandling calls for an initial replay.
func (r *RetainedTrie) Match(filter string) []*packet.PUBLISH {
	var out []*packet.PUBLISH
	r.t.Walk(filter, func(pkt *packet.PUBLISH) {
		out = append(out, pkt)
	})
	return out
}

// Get returns the retained message for an exact topic, if any.
func (r *RetainedTrie) Get(topicName string) (*packet.PUBLISH, bool) {
	return r.t.Get(topicName)
}

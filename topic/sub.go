package topic

import "github.com/meshbroker/mqttd/packet"

// ClientSub is what the subscription trie stores per (client, filter):
// the client's chosen options for that filter plus the subscription
// identifier property attached to the SUBSCRIBE that created it, if any.
// SubscriptionIDs accumulates every matching filter's identifier once
// dedup (see Match) merges multiple filters belonging to the same client.
type ClientSub struct {
	ClientID        string
	Sub             packet.Subscription
	SubscriptionIDs []uint32
}

// clientSubs is the terminal value at a subscription-trie node: every
// client currently subscribed via that exact filter, keyed by client ID
// so re-subscribing the same client to the same filter replaces rather
// than duplicates its entry.
type clientSubs map[string]ClientSub

// SubTrie is the shard-shared subscription tree described in the data
// model: a multi-level map keyed by topic level, terminals holding the
// set of (client_id, subscription_options) pairs subscribed via that
// exact filter.
type SubTrie struct {
	t *Trie[clientSubs]
}

func NewSubTrie() *SubTrie {
	return &SubTrie{t: NewTrie[clientSubs]()}
}

// Subscribe adds or replaces clientID's entry at filter.
func (s *SubTrie) Subscribe(filter, clientID string, sub packet.Subscription, subID uint32) {
	s.t.Update(filter, func(cur clientSubs, ok bool) (clientSubs, bool) {
		if !ok || cur == nil {
			cur = make(clientSubs, 1)
		}
		var ids []uint32
		if subID != 0 {
			ids = []uint32{subID}
		}
		cur[clientID] = ClientSub{ClientID: clientID, Sub: sub, SubscriptionIDs: ids}
		return cur, false
	})
}

// Unsubscribe removes clientID's entry at filter, if any.
func (s *SubTrie) Unsubscribe(filter, clientID string) {
	s.t.Update(filter, func(cur clientSubs, ok bool) (clientSubs, bool) {
		if !ok || cur == nil {
			return nil, true
		}
		delete(cur, clientID)
		return cur, len(cur) == 0
	})
}

// RemoveClient drops every one of clientID's entries across the whole
// trie — used for session takeover and session close, where evicting a
// client's trie footprint must be complete before anything else proceeds.
func (s *SubTrie) RemoveClient(filters []string, clientID string) {
	for _, f := range filters {
		s.Unsubscribe(f, clientID)
	}
}

// Match resolves every subscriber whose filter matches topicName,
// de-duplicated per client: a client subscribed through more than one
// overlapping filter appears once, with the highest QoS among the
// matching filters and the union of their subscription identifiers.
func (s *SubTrie) Match(topicName string) []ClientSub {
	best := make(map[string]ClientSub)
	ids := make(map[string][]uint32)

	s.t.Walk(topicName, func(subs clientSubs) {
		for clientID, cs := range subs {
			cur, ok := best[clientID]
			if !ok || cs.Sub.MaximumQoS > cur.Sub.MaximumQoS {
				best[clientID] = cs
			}
			ids[clientID] = append(ids[clientID], cs.SubscriptionIDs...)
		}
	})

	out := make([]ClientSub, 0, len(best))
	for clientID, cs := range best {
		cs.SubscriptionIDs = ids[clientID]
		out = append(out, cs)
	}
	return out
}

package topic

import (
	"testing"

	"github.com/meshbroker/mqttd/packet"
)

func TestSubTrie_MatchWildcards(t *testing.T) {
	s := NewSubTrie()
	s.Subscribe("1/2/3", "c1", packet.Subscription{MaximumQoS: 1}, 0)
	s.Subscribe("2/4", "c2", packet.Subscription{MaximumQoS: 0}, 0)
	s.Subscribe("2/+/#", "c3", packet.Subscription{MaximumQoS: 2}, 0)
	s.Subscribe("#", "c4", packet.Subscription{MaximumQoS: 0}, 0)

	cases := []struct {
		topic   string
		clients []string
	}{
		{"1/2/3", []string{"c1", "c4"}},
		{"2/3/4", []string{"c3", "c4"}},
		{"2/3/4/5", []string{"c3", "c4"}},
		{"2/4", []string{"c2", "c4"}},
	}
	for _, c := range cases {
		got := s.Match(c.topic)
		if len(got) != len(c.clients) {
			t.Fatalf("topic=%s: got %d matches, want %d (%v)", c.topic, len(got), len(c.clients), got)
		}
		want := make(map[string]bool, len(c.clients))
		for _, id := range c.clients {
			want[id] = true
		}
		for _, m := range got {
			if !want[m.ClientID] {
				t.Fatalf("topic=%s: unexpected match %s", c.topic, m.ClientID)
			}
		}
	}
}

func TestSubTrie_DedupKeepsHighestQoS(t *testing.T) {
	s := NewSubTrie()
	s.Subscribe("a/b", "c1", packet.Subscription{MaximumQoS: 0}, 1)
	s.Subscribe("a/#", "c1", packet.Subscription{MaximumQoS: 2}, 2)

	got := s.Match("a/b")
	if len(got) != 1 {
		t.Fatalf("want 1 deduped match, got %d", len(got))
	}
	if got[0].Sub.MaximumQoS != 2 {
		t.Fatalf("want deduped QoS 2, got %d", got[0].Sub.MaximumQoS)
	}
	if len(got[0].SubscriptionIDs) != 2 {
		t.Fatalf("want both subscription ids retained, got %v", got[0].SubscriptionIDs)
	}
}

func TestSubTrie_UnsubscribeRemovesEntryOnly(t *testing.T) {
	s := NewSubTrie()
	s.Subscribe("x/y", "c1", packet.Subscription{}, 0)
	s.Subscribe("x/y", "c2", packet.Subscription{}, 0)

	s.Unsubscribe("x/y", "c1")
	got := s.Match("x/y")
	if len(got) != 1 || got[0].ClientID != "c2" {
		t.Fatalf("want only c2 left, got %v", got)
	}

	s.Unsubscribe("x/y", "c2")
	if got := s.Match("x/y"); len(got) != 0 {
		t.Fatalf("want no matches after both unsubscribe, got %v", got)
	}
}

func TestSubTrie_MVCCSnapshotIsolation(t *testing.T) {
	s := NewSubTrie()
	s.Subscribe("t", "c1", packet.Subscription{}, 0)

	before := s.t.root.Load()
	s.Subscribe("t", "c2", packet.Subscription{}, 0)
	after := s.t.root.Load()

	if before == after {
		t.Fatalf("write must publish a new root, not mutate the old one")
	}
	if _, ok := before.children["t"]; !ok || len(before.children["t"].value) != 1 {
		t.Fatalf("old root snapshot must still show exactly one subscriber")
	}
}

func TestRetainedTrie_PutAndClear(t *testing.T) {
	r := NewRetainedTrie()
	pub := &packet.PUBLISH{Message: &packet.Message{TopicName: "a/b", Content: []byte("hi")}}
	r.Put("a/b", pub)

	got, ok := r.Get("a/b")
	if !ok || string(got.Message.Content) != "hi" {
		t.Fatalf("want retained message stored, got %v ok=%v", got, ok)
	}

	empty := &packet.PUBLISH{Message: &packet.Message{TopicName: "a/b"}}
	r.Put("a/b", empty)
	if _, ok := r.Get("a/b"); ok {
		t.Fatalf("zero-length payload must clear the retained entry")
	}
}

func TestRetainedTrie_MatchWildcardFilter(t *testing.T) {
	r := NewRetainedTrie()
	r.Put("a/b", &packet.PUBLISH{Message: &packet.Message{TopicName: "a/b", Content: []byte("1")}})
	r.Put("a/c", &packet.PUBLISH{Message: &packet.Message{TopicName: "a/c", Content: []byte("2")}})

	got := r.Match("a/+")
	if len(got) != 2 {
		t.Fatalf("want 2 retained matches for a/+, got %d", len(got))
	}
}

package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/meshbroker/mqttd/internal/cluster"
	"github.com/meshbroker/mqttd/internal/config"
	"github.com/rs/zerolog"
)

func testCluster(t *testing.T) *cluster.Cluster {
	t.Helper()
	cfg := &config.Config{Name: "test-cluster", MaxNodes: 4}
	node := cluster.NewNode("127.0.0.1:1883")
	shardUUIDs := []uuid.UUID{uuid.New(), uuid.New()}
	c, err := cluster.New(cfg, []cluster.Node{node}, shardUUIDs, zerolog.Nop())
	if err != nil {
		t.Fatalf("cluster.New: %v", err)
	}
	return c
}

func TestHandleStats_ReturnsCollectorOutput(t *testing.T) {
	want := []ShardStat{
		{ShardID: 0, SessionCount: 3, QueueDepth: 1},
		{ShardID: 1, SessionCount: 0, QueueDepth: 0},
	}
	a := New(testCluster(t), func() []ShardStat { return want }, zerolog.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	a.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	var got []ShardStat
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("want %+v, got %+v", want, got)
	}
}

func TestHandleCluster_ReturnsNameAndShards(t *testing.T) {
	c := testCluster(t)
	a := New(c, func() []ShardStat { return nil }, zerolog.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cluster", nil)
	a.handleCluster(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	var got struct {
		Name   string      `json:"name"`
		Shards []uuid.UUID `json:"shards"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != c.Name {
		t.Fatalf("want name %q, got %q", c.Name, got.Name)
	}
	if len(got.Shards) != len(c.Shards) {
		t.Fatalf("want %d shards, got %d", len(c.Shards), len(got.Shards))
	}
}

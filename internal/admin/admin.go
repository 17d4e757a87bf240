// Package admin serves a read-only local introspection surface over
// HTTP. It is a direct repurposing of the teacher's federated.go gossip
// endpoints (/list, /ping, /send — inter-node membership propagation)
// into a single-node /stats and /cluster surface: this broker's cluster
// membership is authoritative and centrally owned by internal/cluster
// (SPEC_FULL §4.5), so there is nothing to gossip — what's left of
// federated.go's shape is its requests-based ServeMux/Route/Pprof/
// NewServer wiring, reused verbatim for a different purpose.
package admin

import (
	"encoding/json"
	"net/http"

	"context"

	"github.com/golang-io/requests"
	"github.com/google/uuid"
	"github.com/meshbroker/mqttd/internal/cluster"
	"github.com/rs/zerolog"
)

// ShardStat is one shard's point-in-time introspection snapshot.
type ShardStat struct {
	ShardID      uint32 `json:"shard_id"`
	SessionCount int    `json:"session_count"`
	QueueDepth   int    `json:"queue_depth"`
}

// Admin serves /stats (per-shard snapshot, via a caller-supplied
// collector to avoid an import cycle with internal/shard) and /cluster
// (node membership and shard ownership).
type Admin struct {
	cluster     *cluster.Cluster
	shardStats  func() []ShardStat
	log         zerolog.Logger
}

func New(c *cluster.Cluster, shardStats func() []ShardStat, log zerolog.Logger) *Admin {
	return &Admin{cluster: c, shardStats: shardStats, log: log.With().Str("component", "admin").Logger()}
}

// Serve registers routes and blocks serving on addr, in the teacher's
// Fedstart shape (requests.NewServeMux + mux.Route + mux.Pprof +
// requests.NewServer).
func (a *Admin) Serve(addr string) error {
	mux := requests.NewServeMux(requests.URL(addr))
	mux.Route("/stats", a.handleStats)
	mux.Route("/cluster", a.handleCluster)
	mux.Pprof()

	s := requests.NewServer(context.Background(), mux, requests.OnStart(func(s *http.Server) {
		a.log.Info().Str("addr", s.Addr).Msg("admin http serve")
	}))
	return s.ListenAndServe()
}

func (a *Admin) handleStats(w http.ResponseWriter, r *http.Request) {
	b, err := json.Marshal(a.shardStats())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(b)
}

func (a *Admin) handleCluster(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Name   string      `json:"name"`
		Shards []uuid.UUID `json:"shards"`
	}{Name: a.cluster.Name, Shards: a.cluster.Shards}

	b, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(b)
}

// Command mqtt-broker starts a single node of the sharded broker:
// config load, cluster control loop, one goroutine per shard, the miot
// and flush collaborators wired into every shard, a plain TCP accept
// loop that hands each new connection's ClientID-bearing CONNECT to its
// owning shard, and the metrics/admin HTTP surfaces. Grounded on the
// teacher's cmd/mqtt-server/main.go errgroup fan-out.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/meshbroker/mqttd/internal/admin"
	"github.com/meshbroker/mqttd/internal/cluster"
	"github.com/meshbroker/mqttd/internal/config"
	"github.com/meshbroker/mqttd/internal/flush"
	"github.com/meshbroker/mqttd/internal/message"
	"github.com/meshbroker/mqttd/internal/metrics"
	"github.com/meshbroker/mqttd/internal/miot"
	"github.com/meshbroker/mqttd/internal/shard"
	"github.com/meshbroker/mqttd/packet"
	"github.com/meshbroker/mqttd/topic"
)

func main() {
	configPath := flag.String("config", "./config/dev.yaml", "path to the cluster configuration file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatal().Err(err).Msg("parse logging level")
	}
	zerolog.SetGlobalLevel(level)

	subTrie := topic.NewSubTrie()
	retainedTrie := topic.NewRetainedTrie()

	shardUUIDs := make([]uuid.UUID, cfg.NumShards)
	shards := make([]*shard.Shard, cfg.NumShards)
	for i := range shards {
		shardUUIDs[i] = uuid.New()
		shards[i] = shard.New(shardUUIDs[i], uint32(i), &cfg.MQTT, subTrie, retainedTrie, log)
	}

	// SetFlusher writes the collaborator field directly and must
	// complete before the shard's own goroutine starts (see
	// shard.Shard.SetFlusher); SetMiot and SetPeers round-trip through
	// the control loop and so must come after Run is already draining
	// it, or the reply would never arrive.
	for _, sh := range shards {
		sh.SetFlusher(flush.New(time.Duration(cfg.MQTT.FlushTimeoutSeconds)*time.Second, log))
	}
	for _, sh := range shards {
		go sh.Run()
	}
	for _, sh := range shards {
		if err := sh.SetMiot(miot.New(log)); err != nil {
			log.Fatal().Err(err).Uint32("shard_id", sh.ShardID).Msg("install miot")
		}
	}

	peers := make(map[uint32]*message.Chan[message.Message], len(shards))
	for _, sh := range shards {
		peers[sh.ShardID] = sh.Inbox()
	}
	for _, sh := range shards {
		if err := sh.SetPeers(peers); err != nil {
			log.Fatal().Err(err).Uint32("shard_id", sh.ShardID).Msg("install peer map")
		}
	}

	self := cluster.NewNode(cfg.ListenAddress)
	clus, err := cluster.New(cfg, []cluster.Node{self}, shardUUIDs, log)
	if err != nil {
		log.Fatal().Err(err).Msg("start cluster")
	}

	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return acceptLoop(ctx, cfg, shards, log)
	})

	if cfg.Metrics.Enabled {
		met := metrics.New()
		group.Go(func() error {
			return met.Serve(cfg.Metrics.Address, log)
		})
	}

	if cfg.Admin.Enabled {
		adm := admin.New(clus, func() []admin.ShardStat {
			stats := make([]admin.ShardStat, len(shards))
			for i, sh := range shards {
				stats[i] = admin.ShardStat{ShardID: sh.ShardID, SessionCount: sh.SessionCount(), QueueDepth: sh.QueueDepth()}
			}
			return stats
		}, log)
		group.Go(func() error {
			return adm.Serve(cfg.Admin.Address)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	group.Go(func() error {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		for _, sh := range shards {
			_ = sh.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return clus.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("broker exited")
	}
}

// acceptLoop runs a plain TCP listener and hands each connection to its
// own goroutine for the initial CONNECT read, closing the listener when
// ctx is cancelled.
func acceptLoop(ctx context.Context, cfg *config.Config, shards []*shard.Shard, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return err
	}
	log.Info().Str("addr", cfg.ListenAddress).Msg("mqtt listen")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go handleConn(conn, cfg, shards, log)
	}
}

// handleConn reads exactly the connection's first packet, expects a
// CONNECT (any other first packet, or a read error, closes the
// connection per protocol), and hands the connection and its
// already-read CONNECT to the owning shard; the shard's AddSession
// installs the miot read/write loops for everything that follows.
func handleConn(conn net.Conn, cfg *config.Config, shards []*shard.Shard, log zerolog.Logger) {
	pkt, err := packet.Unpack(0, conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	connectPkt, ok := pkt.(*packet.CONNECT)
	if !ok {
		_ = conn.Close()
		return
	}

	shardID := shard.ShardIDFor(connectPkt.ClientID, uint32(len(shards)))
	sh := shards[shardID]
	if err := sh.AddSession(connectPkt.ClientID, conn, uint32(cfg.MQTT.MaxPacketSize), connectPkt); err != nil {
		log.Warn().Err(err).Str("client_id", connectPkt.ClientID).Msg("add session failed")
		_ = conn.Close()
	}
}

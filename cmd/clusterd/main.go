// Command clusterd boots a single lattice cluster node: the actor system,
// gossip membership, a shard coordinator and region for a small demo
// "counter" entity, and a cluster-wide pub/sub topic that broadcasts every
// increment. It is process bootstrap only — there is no REST/CLI surface
// here, just enough wiring to exercise the runtime end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/spf13/cobra"

	"github.com/latticerun/lattice/internal/actorutil"
	"github.com/latticerun/lattice/internal/baselib/actor"
	"github.com/latticerun/lattice/internal/build"
	"github.com/latticerun/lattice/internal/cluster"
	"github.com/latticerun/lattice/internal/codec"
	"github.com/latticerun/lattice/internal/pubsub"
	"github.com/latticerun/lattice/internal/remote"
	"github.com/latticerun/lattice/internal/sharding"
)

var (
	listenAddr        string
	advertise         string
	seedsFlag         string
	rolesFlag         string
	numShards         int
	idleTimeout       time.Duration
	rebalanceInterval time.Duration
	logDir            string
)

var rootCmd = &cobra.Command{
	Use:   "clusterd",
	Short: "lattice cluster node daemon",
	Long: `clusterd boots one node of a lattice cluster: gossip membership,
a shard coordinator/region pair, and a cluster-wide pub/sub topic.`,
	RunE: run,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&listenAddr, "listen", ":7600", "address this node's remote transport listens on")
	flags.StringVar(&advertise, "advertise", "", "address other nodes should dial to reach this node (default: --listen)")
	flags.StringVar(&seedsFlag, "seeds", "", "comma-separated addresses of existing cluster members to join through")
	flags.StringVar(&rolesFlag, "roles", "counter", "comma-separated roles this node offers")
	flags.IntVar(&numShards, "num-shards", 32, "number of shards the counter entity type is split across")
	flags.DurationVar(&idleTimeout, "idle-timeout", 5*time.Minute, "passivate a counter entity after this long without a message")
	flags.DurationVar(&rebalanceInterval, "rebalance-interval", 30*time.Second, "how often the shard coordinator checks for imbalance and hands a shard off (0 disables rebalancing)")
	flags.StringVar(&logDir, "log-dir", "", "directory for a rotating node log file (empty disables file logging)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	selfAddr := advertise
	if selfAddr == "" {
		selfAddr = listenAddr
	}
	roles := splitNonEmpty(rolesFlag)
	seeds := splitNonEmpty(seedsFlag)

	var logRotator *build.RotatingLogWriter
	if logDir != "" {
		logRotator = build.NewRotatingLogWriter()
		if err := logRotator.InitLogRotator(&build.LogRotatorConfig{
			LogDir:         logDir,
			MaxLogFiles:    build.DefaultMaxLogFiles,
			MaxLogFileSize: build.DefaultMaxLogFileSize,
		}); err != nil {
			log.Printf("failed to init log rotator: %v (continuing without file logging)", err)
			logRotator = nil
		} else {
			defer logRotator.Close()
		}
	}

	handlers := []btclog.Handler{btclog.NewDefaultHandler(os.Stderr)}
	if logRotator != nil {
		handlers = append(handlers, btclog.NewDefaultHandler(logRotator))
	}
	combined := build.NewHandlerSet(handlers...)
	baseLogger := btclog.NewSLogger(combined)

	actor.UseLogger(baseLogger.WithPrefix("ACTR"))
	remote.UseLogger(baseLogger.WithPrefix("RMTE"))
	cluster.UseLogger(baseLogger.WithPrefix("CLUS"))
	sharding.UseLogger(baseLogger.WithPrefix("SHRD"))
	pubsub.UseLogger(baseLogger.WithPrefix("PUBS"))

	log.Printf("clusterd starting: self=%s roles=%v seeds=%v", selfAddr, roles, seeds)

	registry := codec.NewRegistry()
	cluster.RegisterWireTypes(registry)
	codec.Register[counterMsg](registry, counterPayloadTag)
	codec.Register[int64](registry, counterPayloadTag+".reply")
	pubsub.RegisterWireTypes[counterEvent](registry, "counter-events", "counter.event")
	sharding.RegisterHandoffWireTypes(registry, "counter")
	gobCodec := codec.NewGobCodec(registry)
	remote.RegisterCodec(registry)

	server := remote.NewServer(remote.DefaultServerConfig(listenAddr))
	pool := remote.NewPool(remote.DefaultClientConfig())
	defer pool.CloseAll()

	membershipCfg := cluster.DefaultConfig(selfAddr, roles)
	resolver := cluster.KeepMajority{}
	membership := cluster.New(membershipCfg, server, pool, gobCodec, resolver)
	for _, seed := range seeds {
		membership.Set().Upsert(cluster.Member{
			Address:     seed,
			Status:      cluster.StatusUp,
			Incarnation: 1,
			JoinedAt:    time.Now(),
		})
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("clusterd: start remote server: %w", err)
	}
	defer server.Stop()
	log.Printf("remote transport listening on %s", server.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	membership.Start(ctx)
	defer membership.Stop()

	system := actor.NewActorSystem()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := system.Shutdown(shutdownCtx); err != nil {
			log.Printf("actor system shutdown incomplete: %v", err)
		}
	}()

	coordinator := sharding.NewCoordinator(membership.Set(), "counter", numShards)
	if rebalanceInterval > 0 {
		coordinator.EnableHandoff(sharding.HandoffConfig{
			Pool:     pool,
			Codec:    gobCodec,
			Interval: rebalanceInterval,
		})
	}
	coordinatorKey := actor.NewServiceKey[sharding.LocateShard, string]("shard-coordinator")
	coordinatorRef := actor.RegisterWithSystem(system, "shard-coordinator", coordinatorKey, coordinator)

	owner, err := actorutil.AskAwait(ctx, coordinatorRef, sharding.LocateShard{
		EntityType: "counter",
		ShardID:    0,
	})
	if err != nil {
		return fmt.Errorf("clusterd: coordinator readiness check failed: %w", err)
	}
	log.Printf("shard coordinator ready: shard 0 of counter owned by %s", owner)

	pubsubCfg := pubsub.Config{
		SelfAddr: selfAddr,
		Members:  membership.Set(),
		Pool:     pool,
		Codec:    gobCodec,
		Server:   server,
	}
	topicRef := pubsub.System[counterEvent](system, pubsubCfg, "counter-events", "counter.event")

	regionKey := actor.NewServiceKey[counterMsg, int64]("counter-region")
	region := sharding.NewShardRegion(sharding.RegionConfig[counterMsg, int64]{
		SelfAddr:   selfAddr,
		EntityType: "counter",
		NumShards:  numShards,
		Extractor: sharding.MessageExtractorFunc[counterMsg](func(msg counterMsg) string {
			return msg.EntityID
		}),
		EntityProps: func(entityID string) actor.ActorBehavior[counterMsg, int64] {
			return newCounterEntity(entityID, topicRef)
		},
		IdleTimeout: idleTimeout,
		System:      system,
		Members:     membership.Set(),
		Coordinator: coordinatorRef,
		RemotePool:  pool,
		Codec:       gobCodec,
		PayloadTag:  counterPayloadTag,
		Server:      server,
	})
	regionRef := actor.RegisterWithSystem(system, "counter-region", regionKey, region)
	region.BindSelf(regionRef)

	log.Printf("clusterd ready: num_shards=%d idle_timeout=%s", numShards, idleTimeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

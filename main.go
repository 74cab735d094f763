package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Jille/raft-grpc-leader-rpc/leaderhealth"
	"github.com/Jille/raftadmin"
	"github.com/bootjp/consensuscommit/kv"
	"github.com/bootjp/consensuscommit/store"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

const (
	leaderWaitTimeout = 30 * time.Second
	dataDirPerm       = 0o755
	readHeaderTimeout = 5 * time.Second
)

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{})))

	if err := run(context.Background(), cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

func run(ctx context.Context, cfg config) error {
	_, port, err := net.SplitHostPort(cfg.address)
	if err != nil {
		return errors.WithStack(err)
	}
	grpcSock, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}

	st, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	s := grpc.NewServer()
	var coord kv.Coordinator
	var group *coordinatorGroup
	switch cfg.coordinator {
	case coordinatorRaft:
		fsm := kv.NewCoordinatorFSM()
		group, err = newCoordinatorGroup(cfg, fsm)
		if err != nil {
			return err
		}
		group.tm.Register(s)
		leaderhealth.Setup(group.raft, s, []string{"Coordinator"})
		raftadmin.Register(s, group.raft)
		coord = kv.NewRaftCoordinator(group.raft, fsm, cfg.applyTimeout)
	default:
		coord = kv.NewStorageCoordinator(st)
	}
	reflection.Register(s)

	clock := kv.NewHLC()
	opts := []kv.CommitHandlerOption{
		kv.WithClock(clock),
		kv.WithLogger(slog.Default()),
	}
	if cfg.parallelPrepare {
		opts = append(opts, kv.WithParallelPrepare())
	}
	handler := kv.NewCommitHandler(st, coord, kv.NewRecoveryHandler(st), opts...)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return errors.WithStack(s.Serve(grpcSock))
	})
	if cfg.metricsAddress != "" {
		eg.Go(func() error {
			return serveMetrics(ctx, cfg.metricsAddress)
		})
	}
	if cfg.selfCheck {
		eg.Go(func() error {
			if group != nil {
				if err := waitForLeader(group.raft, leaderWaitTimeout); err != nil {
					return err
				}
				// Decisions are applied on the leader only.
				if group.raft.State() != raft.Leader {
					slog.InfoContext(ctx, "self check skipped on follower")
					return nil
				}
			}
			return runSelfCheck(ctx, st, handler, clock, cfg.nodeName())
		})
	}

	return errors.WithStack(eg.Wait())
}

// openStorage opens one bbolt file per shard under the data dir and routes
// partitions across them.
func openStorage(cfg config) (store.Store, error) {
	if err := os.MkdirAll(cfg.dataDir, dataDirPerm); err != nil {
		return nil, errors.WithStack(err)
	}
	shards := make([]store.Store, 0, cfg.storageShards)
	for i := 0; i < cfg.storageShards; i++ {
		s, err := store.NewBoltStore(filepath.Join(cfg.dataDir, fmt.Sprintf("shard-%03d.db", i)))
		if err != nil {
			for _, opened := range shards {
				_ = opened.Close()
			}
			return nil, err
		}
		shards = append(shards, s)
	}
	return store.NewShardedStore(shards...)
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WithStack(err)
	}
	return nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Jille/raft-grpc-leader-rpc/leaderhealth"
	transport "github.com/Jille/raft-grpc-transport"
	"github.com/Jille/raftadmin"
	raftadminpb "github.com/Jille/raftadmin/proto"
	"github.com/bootjp/consensuscommit/kv"
	"github.com/bootjp/consensuscommit/store"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	basePort  = flag.Int("basePort", 50051, "First gRPC/Raft port; nodes use consecutive ports")
	accounts  = flag.Int("accounts", 8, "Number of accounts, one partition each")
	workers   = flag.Int("workers", 4, "Concurrent transfer workers")
	transfers = flag.Int("transfers", 50, "Transfers per worker")
	retries   = flag.Int("retries", 5, "Retries of a transfer that hit a conflict")
)

const (
	demoNodes         = 3
	initialBalance    = 100
	joinRetries       = 20
	joinWait          = 1 * time.Second
	joinRetryInterval = 500 * time.Millisecond
	leaderWait        = 10 * time.Second

	bankNamespace = "bank"
	bankTable     = "accounts"
	balanceColumn = "balance"
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

type node struct {
	id      string
	address string
	raft    *raft.Raft
	fsm     *kv.CoordinatorFSM
}

func main() {
	flag.Parse()
	if *accounts < 2 {
		slog.Error("flag --accounts must be at least 2")
		os.Exit(1)
	}

	eg, ctx := errgroup.WithContext(context.Background())
	ctx, cancel := context.WithCancel(ctx)

	nodes := make([]*node, 0, demoNodes)
	for i := 0; i < demoNodes; i++ {
		n, err := startNode(ctx, eg, fmt.Sprintf("n%d", i+1), fmt.Sprintf("127.0.0.1:%d", *basePort+i), i == 0)
		if err != nil {
			slog.Error(err.Error())
			os.Exit(1)
		}
		nodes = append(nodes, n)
	}

	eg.Go(func() error {
		defer cancel()
		if err := joinCluster(ctx, nodes); err != nil {
			return err
		}
		leader, err := waitForLeader(ctx, nodes)
		if err != nil {
			return err
		}
		slog.Info("cluster formed", "leader", leader.id)
		return runWorkload(ctx, kv.NewRaftCoordinator(leader.raft, leader.fsm, 0))
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func startNode(ctx context.Context, eg *errgroup.Group, id, address string, bootstrap bool) (*node, error) {
	var lc net.ListenConfig

	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(id)
	c.Logger = hclog.New(&hclog.LoggerOptions{
		Name:       "raft-" + id,
		JSONFormat: true,
		Level:      hclog.Warn,
	})

	tm := transport.New(raft.ServerAddress(address), []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	})

	fsm := kv.NewCoordinatorFSM()
	r, err := raft.NewRaft(c, fsm, raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), tm.Transport())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if bootstrap {
		f := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{
				{
					Suffrage: raft.Voter,
					ID:       raft.ServerID(id),
					Address:  raft.ServerAddress(address),
				},
			},
		})
		if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return nil, errors.WithStack(err)
		}
	}

	s := grpc.NewServer()
	tm.Register(s)
	leaderhealth.Setup(r, s, []string{"Coordinator"})
	raftadmin.Register(s, r)

	sock, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	eg.Go(func() error {
		<-ctx.Done()
		s.GracefulStop()
		_ = r.Shutdown().Error()
		return nil
	})
	eg.Go(func() error {
		slog.Info("Starting gRPC server", "address", address)
		err := s.Serve(sock)
		if err == nil || errors.Is(err, grpc.ErrServerStopped) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return errors.WithStack(err)
	})

	return &node{id: id, address: address, raft: r, fsm: fsm}, nil
}

func joinCluster(ctx context.Context, nodes []*node) error {
	leader := nodes[0]
	if err := sleepCtx(ctx, joinWait); err != nil {
		return err
	}

	conn, err := grpc.NewClient(leader.address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return errors.Wrap(err, "failed to dial leader")
	}
	defer conn.Close()
	client := raftadminpb.NewRaftAdminClient(conn)

	for _, n := range nodes[1:] {
		var joined bool
		for i := 0; i < joinRetries; i++ {
			_, err := client.AddVoter(ctx, &raftadminpb.AddVoterRequest{
				Id:            n.id,
				Address:       n.address,
				PreviousIndex: 0,
			})
			if err == nil {
				slog.Info("joined node", "id", n.id)
				joined = true
				break
			}
			slog.Warn("failed to join node, retrying", "id", n.id, "err", err)
			if err := sleepCtx(ctx, joinRetryInterval); err != nil {
				return err
			}
		}
		if !joined {
			return errors.Newf("failed to join node %s after retries", n.id)
		}
	}
	return nil
}

func waitForLeader(ctx context.Context, nodes []*node) (*node, error) {
	deadline := time.Now().Add(leaderWait)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.raft.State() == raft.Leader {
				return n, nil
			}
		}
		if err := sleepCtx(ctx, joinRetryInterval); err != nil {
			return nil, err
		}
	}
	return nil, errors.New("no leader elected")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-timer.C:
		return nil
	}
}

func accountTarget(i int) store.Target {
	return store.NewTarget(bankNamespace, bankTable,
		store.NewKey(store.Text("account", strconv.Itoa(i))),
		store.Key{},
	)
}

func balanceOf(r *store.Record) (int, error) {
	v, ok := r.Value(balanceColumn)
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(string(v))
	return n, errors.WithStack(err)
}

var errRecordPending = errors.New("record has a pending write")

type bank struct {
	store store.Store
	h     *kv.CommitHandler
	clock *kv.HLC
}

// transfer moves amount from one account to another in one transaction.
func (b *bank) transfer(ctx context.Context, from, to, amount int) error {
	snap := kv.NewSnapshot(fmt.Sprintf("transfer-%d", b.clock.Now()))
	delta := map[int]int{from: -amount, to: amount}
	for _, acct := range []int{from, to} {
		t := accountTarget(acct)
		r, err := b.store.Get(ctx, t)
		if err != nil {
			return errors.WithStack(err)
		}
		// Never build on a write whose outcome is still open.
		if state, err := kv.RecordState(r); err != nil {
			return err
		} else if state == kv.StatePrepared {
			return errors.WithStack(errRecordPending)
		}
		if err := snap.RecordRead(t, r); err != nil {
			return err
		}
		bal, err := balanceOf(r)
		if err != nil {
			return err
		}
		if err := snap.Put(store.NewPut(t, map[string][]byte{
			balanceColumn: []byte(strconv.Itoa(bal + delta[acct])),
		})); err != nil {
			return err
		}
	}
	return b.h.Commit(ctx, snap)
}

func (b *bank) total(ctx context.Context, n int) (int, error) {
	sum := 0
	for i := 0; i < n; i++ {
		r, err := b.store.Get(ctx, accountTarget(i))
		if err != nil {
			return 0, errors.WithStack(err)
		}
		bal, err := balanceOf(r)
		if err != nil {
			return 0, err
		}
		sum += bal
	}
	return sum, nil
}

func runWorkload(ctx context.Context, coord kv.Coordinator) error {
	st := store.NewMemoryStore()
	clock := kv.NewHLC()
	b := &bank{
		store: st,
		h:     kv.NewCommitHandler(st, coord, kv.NewRecoveryHandler(st), kv.WithClock(clock), kv.WithParallelPrepare()),
		clock: clock,
	}

	seed := kv.NewSnapshot("seed")
	for i := 0; i < *accounts; i++ {
		if err := seed.Put(store.NewPut(accountTarget(i), map[string][]byte{
			balanceColumn: []byte(strconv.Itoa(initialBalance)),
		})); err != nil {
			return err
		}
	}
	if err := b.h.Commit(ctx, seed); err != nil {
		return err
	}

	var mu sync.Mutex
	outcomes := map[string]int{}
	record := func(outcome string) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[outcome]++
	}

	var pool errgroup.Group
	for w := 0; w < *workers; w++ {
		pool.Go(func() error {
			for i := 0; i < *transfers; i++ {
				from := rand.Intn(*accounts)                          //nolint:gosec
				to := (from + 1 + rand.Intn(*accounts-1)) % *accounts //nolint:gosec
				amount := 1 + rand.Intn(10)                           //nolint:gosec

				var err error
				for attempt := 0; attempt <= *retries; attempt++ {
					err = b.transfer(ctx, from, to, amount)
					if errors.Is(err, errRecordPending) {
						record("pending")
						continue
					}
					if !kv.IsCommitConflict(err) {
						break
					}
					record("conflict")
				}
				switch {
				case err == nil:
					record("committed")
				case kv.IsUnknownTransactionStatus(err):
					record("unknown")
				case kv.IsCommitConflict(err), errors.Is(err, errRecordPending):
					record("gave_up")
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return err
	}

	sum, err := b.total(ctx, *accounts)
	if err != nil {
		return err
	}
	slog.Info("workload finished", "outcomes", outcomes, "total", sum, "expected", *accounts*initialBalance)
	if sum != *accounts*initialBalance && outcomes["unknown"] == 0 {
		return errors.Newf("balance not conserved: %d != %d", sum, *accounts*initialBalance)
	}
	return nil
}

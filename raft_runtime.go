package main

import (
	"os"
	"path/filepath"
	"time"

	transport "github.com/Jille/raft-grpc-transport"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	boltdb "github.com/hashicorp/raft-boltdb/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	snapshotRetainCount = 3
	raftDirPerm         = 0o755

	heartbeatTimeout = 200 * time.Millisecond
	electionTimeout  = 2000 * time.Millisecond
	leaderLease      = 100 * time.Millisecond
)

var ErrNoLeader = errors.New("no raft leader elected")

// coordinatorGroup is the raft group replicating transaction decisions.
type coordinatorGroup struct {
	raft *raft.Raft
	tm   *transport.Manager
}

func newCoordinatorGroup(c config, fsm raft.FSM) (*coordinatorGroup, error) {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(c.raftID)
	rc.HeartbeatTimeout = heartbeatTimeout
	rc.ElectionTimeout = electionTimeout
	rc.LeaderLeaseTimeout = leaderLease
	rc.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.LevelFromString(c.raftLogLevel),
		Output: os.Stderr,
	})

	dir := filepath.Join(c.raftDir, c.raftID)
	if err := os.MkdirAll(dir, raftDirPerm); err != nil {
		return nil, errors.WithStack(err)
	}

	ldb, err := boltdb.NewBoltStore(filepath.Join(dir, "logs.dat"))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	sdb, err := boltdb.NewBoltStore(filepath.Join(dir, "stable.dat"))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	fss, err := raft.NewFileSnapshotStore(dir, snapshotRetainCount, os.Stderr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	tm := transport.New(raft.ServerAddress(c.address), []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	})

	r, err := raft.NewRaft(rc, fsm, ldb, sdb, fss, tm.Transport())
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if c.raftBootstrap {
		cfg := raft.Configuration{
			Servers: []raft.Server{
				{
					Suffrage: raft.Voter,
					ID:       raft.ServerID(c.raftID),
					Address:  raft.ServerAddress(c.address),
				},
			},
		}
		f := r.BootstrapCluster(cfg)
		if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return nil, errors.WithStack(err)
		}
	}

	return &coordinatorGroup{raft: r, tm: tm}, nil
}

// waitForLeader blocks until the group knows a leader or timeout elapses.
func waitForLeader(r *raft.Raft, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := r.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return errors.WithStack(ErrNoLeader)
}

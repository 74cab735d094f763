package main

import (
	"flag"
	"io"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
)

const (
	coordinatorRaft    = "raft"
	coordinatorStorage = "storage"

	defaultApplyTimeout = 5 * time.Second
	maxStorageShards    = 256
)

var (
	ErrRaftIDRequired       = errors.New("flag --raft_id is required")
	ErrUnknownCoordinator   = errors.New("unknown coordinator")
	ErrInvalidStorageShards = errors.New("invalid storage shard count")
	ErrInvalidApplyTimeout  = errors.New("apply timeout must be positive")
	ErrUnknownLogLevel      = errors.New("unknown raft log level")
)

type config struct {
	address         string
	raftID          string
	raftDir         string
	raftBootstrap   bool
	raftLogLevel    string
	dataDir         string
	storageShards   int
	coordinator     string
	metricsAddress  string
	parallelPrepare bool
	applyTimeout    time.Duration
	selfCheck       bool
}

func parseConfig(args []string, output io.Writer) (config, error) {
	var c config
	fs := flag.NewFlagSet("consensuscommit", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&c.address, "address", "localhost:50051", "TCP host+port for this node")
	fs.StringVar(&c.raftID, "raft_id", "", "Node id used by Raft")
	fs.StringVar(&c.raftDir, "raft_data_dir", "data/", "Raft data dir")
	fs.BoolVar(&c.raftBootstrap, "raft_bootstrap", false, "Whether to bootstrap the Raft cluster")
	fs.StringVar(&c.raftLogLevel, "raft_log_level", "warn", "Log level of the raft library")
	fs.StringVar(&c.dataDir, "data_dir", "data/storage", "Directory holding the storage shards")
	fs.IntVar(&c.storageShards, "storage_shards", 1, "Number of bbolt storage shards")
	fs.StringVar(&c.coordinator, "coordinator", coordinatorRaft, "Where transaction decisions live: raft or storage")
	fs.StringVar(&c.metricsAddress, "metrics_address", "", "TCP host+port for the prometheus endpoint; empty disables it")
	fs.BoolVar(&c.parallelPrepare, "parallel_prepare", false, "Prepare all partitions of a transaction concurrently")
	fs.DurationVar(&c.applyTimeout, "apply_timeout", defaultApplyTimeout, "Timeout of one coordinator raft apply")
	fs.BoolVar(&c.selfCheck, "self_check", false, "Commit a probe transaction at startup")
	if err := fs.Parse(args); err != nil {
		return config{}, errors.WithStack(err)
	}
	return c, c.validate()
}

func (c config) validate() error {
	if _, _, err := net.SplitHostPort(c.address); err != nil {
		return errors.Wrapf(err, "failed to parse local address (%q)", c.address)
	}
	switch c.coordinator {
	case coordinatorRaft:
		if c.raftID == "" {
			return ErrRaftIDRequired
		}
		if c.applyTimeout <= 0 {
			return errors.WithStack(ErrInvalidApplyTimeout)
		}
		if hclog.LevelFromString(c.raftLogLevel) == hclog.NoLevel {
			return errors.Wrapf(ErrUnknownLogLevel, "%q", c.raftLogLevel)
		}
	case coordinatorStorage:
	default:
		return errors.Wrapf(ErrUnknownCoordinator, "%q", c.coordinator)
	}
	if c.storageShards < 1 || c.storageShards > maxStorageShards {
		return errors.Wrapf(ErrInvalidStorageShards, "%d (want 1..%d)", c.storageShards, maxStorageShards)
	}
	if c.metricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.metricsAddress); err != nil {
			return errors.Wrapf(err, "failed to parse metrics address (%q)", c.metricsAddress)
		}
	}
	return nil
}

// nodeName identifies this node in logs and probe records.
func (c config) nodeName() string {
	if c.raftID != "" {
		return c.raftID
	}
	return c.address
}

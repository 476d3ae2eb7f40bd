package config

import (
	"time"

	"tscluster/pkg/cluster"
	"tscluster/pkg/types"
)

// Config is the root configuration of a tsnode process.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" validate:"required"`
	Node      cluster.Node    `yaml:"node" validate:"required"`
	Raft      RaftConfig      `yaml:"raft" validate:"required"`
	Apply     ApplyConfig     `yaml:"apply"`
	Ingest    IngestConfig    `yaml:"ingest"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// RaftConfig tunes every replication group the node takes part in. All
// groups share the peer list and the node id.
type RaftConfig struct {
	ID                        uint64           `yaml:"id" validate:"required"`
	ElectionTick              int              `yaml:"election_tick"`
	HeartbeatTick             int              `yaml:"heartbeat_tick"`
	TickInterval              time.Duration    `yaml:"tick_interval"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	Peers                     []RaftPeerConfig `yaml:"peers" validate:"required,min=1"`
	// DataGroups are the groups inserts are spread over. Empty means every
	// insert goes through the meta group.
	DataGroups []types.GroupID `yaml:"data_groups"`
	// RingReplicas is the number of virtual points per data group.
	RingReplicas int `yaml:"ring_replicas"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type ApplyConfig struct {
	// Parallelism bounds concurrent sub-target resolution inside one insert.
	Parallelism  int           `yaml:"parallelism"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type IngestConfig struct {
	AutoCreateSchema bool `yaml:"auto_create_schema"`
	// NamespaceLevel is the number of path levels of an auto-created
	// namespace: 2 turns root.sg.d1 into root.sg.
	NamespaceLevel int           `yaml:"namespace_level"`
	MaxRounds      int           `yaml:"max_rounds"`
	Timeout        time.Duration `yaml:"timeout"`
}

type ZooKeeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Servers  []string      `yaml:"servers"`
	RootPath string        `yaml:"root_path"`
	Timeout  time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Node: cluster.NewNode("localhost", 8080, 1, 40010, 6567),
		Raft: RaftConfig{
			ID:                        1,
			ElectionTick:              10,
			HeartbeatTick:             1,
			TickInterval:              100 * time.Millisecond,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  4 * 1024 * 1024,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
			Peers:                     []RaftPeerConfig{{ID: 1, Address: "http://localhost:8080"}},
			RingReplicas:              100,
		},
		Apply: ApplyConfig{
			Parallelism:  4,
			MaxRetries:   5,
			RetryBackoff: 100 * time.Millisecond,
		},
		Ingest: IngestConfig{
			AutoCreateSchema: true,
			NamespaceLevel:   2,
			MaxRounds:        2,
			Timeout:          5 * time.Second,
		},
		ZooKeeper: ZooKeeperConfig{
			Enabled:  false,
			Servers:  []string{"127.0.0.1:2181"},
			RootPath: "/tscluster",
			Timeout:  5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "tscluster",
		},
	}
}

package properties

type ApplicationConfigProperties struct {
	Profile  string `yaml:"profile"`
	LogLevel string `yaml:"log-level"`
}

type RaftEngineProperties struct {
	ElectionTick              int    `yaml:"election-tick"`
	HeartbeatTick             int    `yaml:"heartbeat-tick"`
	MaxSizePerMsg             uint64 `yaml:"max-size-per-msg"`
	MaxInflightMsgs           int    `yaml:"max-inflight-msgs"`
	MaxUncommittedEntriesSize uint64 `yaml:"max-uncommitted-entries-size"`
}

type WriteAheadLogProperties struct {
	NoSync bool `yaml:"no-sync"`
}

type ReplicationConfigProperties struct {
	NodeID          uint64                  `yaml:"node-id"`
	NodeName        string                  `yaml:"node-name"`
	Peers           map[uint64]string       `yaml:"peers"`
	PeerNames       map[uint64]string       `yaml:"peer-names"`
	StorageBaseDir  string                  `yaml:"storage-base-dir"`
	TickInterval    uint64                  `yaml:"tick-interval"`
	SnapCount       uint64                  `yaml:"snap-count"`
	ApplyQueueDepth int                     `yaml:"apply-queue-depth"`
	StepInboxSize   uint64                  `yaml:"step-inbox-size"`
	DrainTimeout    uint64                  `yaml:"drain-timeout"`
	Partitions      int                     `yaml:"partitions"`
	Engine          RaftEngineProperties    `yaml:"engine"`
	Wal             WriteAheadLogProperties `yaml:"wal"`
}

type RPCConfigProperties struct {
	DefaultTimeout   uint64 `yaml:"default-timeout"`
	RetryMaxAttempts int    `yaml:"retry-max-attempts"`
	RetryBackoff     uint64 `yaml:"retry-backoff"`
}

type ExchangeConfigProperties struct {
	BatchSize          int `yaml:"batch-size"`
	CreditWindow       int `yaml:"credit-window"`
	ExecutorQueueDepth int `yaml:"executor-queue-depth"`
}

type TransportConfigProperties struct {
	Network              string `yaml:"network"`
	Address              string `yaml:"address"`
	Port                 string `yaml:"port"`
	MetricsAddr          string `yaml:"metrics-addr"`
	Timeout              uint64 `yaml:"timeout"`
	MaxConcurrentStreams uint32 `yaml:"max-concurrent-streams"`
}

type Config struct {
	Application ApplicationConfigProperties `yaml:"app"`
	Transport   TransportConfigProperties   `yaml:"transport"`
	Replication ReplicationConfigProperties `yaml:"replication"`
	RPC         RPCConfigProperties         `yaml:"rpc"`
	Exchange    ExchangeConfigProperties    `yaml:"exchange"`
}

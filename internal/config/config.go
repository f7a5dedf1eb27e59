// Package config provides configuration loading and validation for the Stratum server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects whether the process fetches work directly from a node (pool)
// or relays work from an upstream pool (proxy).
type Mode string

const (
	ModePool  Mode = "pool"
	ModeProxy Mode = "proxy"
)

// Chain selects the Bitcoin network the pool operates on.
type Chain string

const (
	ChainMainnet Chain = "mainnet"
	ChainTestnet Chain = "testnet"
	ChainSignet  Chain = "signet"
	ChainRegtest Chain = "regtest"
)

// Config represents the complete server configuration.
type Config struct {
	Mode      Mode            `yaml:"mode"`
	Chain     Chain           `yaml:"chain"`
	DataDir   string          `yaml:"data_dir"`
	Server    ServerConfig    `yaml:"server"`
	Mining    MiningConfig    `yaml:"mining"`
	Vardiff   VardiffConfig   `yaml:"vardiff"`
	Bouncer   BouncerConfig   `yaml:"bouncer"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Logging   LoggingConfig   `yaml:"logging"`
	Node      NodeConfig      `yaml:"node"`
	ZMQ       ZMQConfig       `yaml:"zmq"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	EventSink EventSinkConfig `yaml:"event_sink"`
}

// ServerConfig holds TCP server settings.
type ServerConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	HighDifficultyPort int           `yaml:"high_difficulty_port"`
	MaxConnections     int           `yaml:"max_connections"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	MaxFrameBytes      int           `yaml:"max_frame_bytes"`
	TLS                TLSConfig     `yaml:"tls"`
	Metrics            MetricsConfig `yaml:"metrics"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MiningConfig holds mining-related settings.
type MiningConfig struct {
	PoolAddress       string        `yaml:"pool_address"`
	CoinType          string        `yaml:"coin_type"`
	PoolSignature     string        `yaml:"pool_signature"`
	InitialDifficulty float64       `yaml:"initial_difficulty"`
	MinDifficulty     float64       `yaml:"min_difficulty"`
	MaxDifficulty     float64       `yaml:"max_difficulty"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	StaleJobThreshold int           `yaml:"stale_job_threshold"`
	Extranonce1Size   int           `yaml:"extranonce1_size"`
	Extranonce2Size   int           `yaml:"extranonce2_size"`
	VersionMask       string        `yaml:"version_mask"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
}

// VardiffConfig holds variable-difficulty controller settings.
type VardiffConfig struct {
	TargetShareTime time.Duration `yaml:"target_share_time"`
	Window          time.Duration `yaml:"window"`
	SilenceTimeout  time.Duration `yaml:"silence_timeout"`
}

// BouncerConfig holds escalating-discipline thresholds.
type BouncerConfig struct {
	WarnThreshold      time.Duration `yaml:"warn_threshold"`
	ReconnectThreshold time.Duration `yaml:"reconnect_threshold"`
	DropThreshold      time.Duration `yaml:"drop_threshold"`
	PreAuthTimeout     time.Duration `yaml:"pre_auth_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	CheckInterval      time.Duration `yaml:"check_interval"`
}

// ZMQConfig holds the ZMQ hashblock subscriber settings used in pool mode.
type ZMQConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// UpstreamConfig holds the upstream stratum connection settings used in proxy mode.
type UpstreamConfig struct {
	URL                  string        `yaml:"url"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	UserAgent            string        `yaml:"user_agent"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	Enonce1ExtensionSize int           `yaml:"enonce1_extension_size"`
}

// EventSinkConfig holds event sink writer targets.
type EventSinkConfig struct {
	QueueCapacity int    `yaml:"queue_capacity"`
	JSONLPath     string `yaml:"jsonl_path"`
	CSVPath       string `yaml:"csv_path"`
	UsePostgres   bool   `yaml:"use_postgres"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	ShareTTL  time.Duration `yaml:"share_ttl"`
	WorkerTTL time.Duration `yaml:"worker_ttl"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Database         string        `yaml:"database"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	MaxConnections   int           `yaml:"max_connections"`
	MinConnections   int           `yaml:"min_connections"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`

	// ShareRetention is how long a share row survives before
	// CleanupOldShares deletes it. Zero disables cleanup.
	ShareRetention time.Duration `yaml:"share_retention"`

	// BlockCheckInterval is how often the block confirmation watcher
	// polls the node for pending blocks' confirmation depth.
	BlockCheckInterval time.Duration `yaml:"block_check_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// NodeConfig holds Bitcoin node RPC settings.
type NodeConfig struct {
	RPCURL       string        `yaml:"rpc_url"`
	RPCUser      string        `yaml:"rpc_user"`
	RPCPassword  string        `yaml:"rpc_password"`
	CookiePath   string        `yaml:"cookie_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unset configuration options.
func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModePool
	}
	if cfg.Chain == "" {
		cfg.Chain = ChainMainnet
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3333
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 10000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 5 * time.Minute
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = time.Minute
	}
	if cfg.Server.MaxFrameBytes == 0 {
		cfg.Server.MaxFrameBytes = 32 * 1024
	}
	if cfg.Server.Metrics.Port == 0 {
		cfg.Server.Metrics.Port = 9090
	}

	// Mining defaults
	if cfg.Mining.InitialDifficulty == 0 {
		cfg.Mining.InitialDifficulty = 1.0
	}
	if cfg.Mining.MinDifficulty == 0 {
		cfg.Mining.MinDifficulty = 0.000001
	}
	if cfg.Mining.MaxDifficulty == 0 {
		cfg.Mining.MaxDifficulty = 1000000.0
	}
	if cfg.Mining.JobTimeout == 0 {
		cfg.Mining.JobTimeout = 2 * time.Minute
	}
	if cfg.Mining.StaleJobThreshold == 0 {
		cfg.Mining.StaleJobThreshold = 32
	}
	if cfg.Mining.Extranonce1Size == 0 {
		cfg.Mining.Extranonce1Size = 4
	}
	if cfg.Mining.Extranonce2Size == 0 {
		cfg.Mining.Extranonce2Size = 8
	}
	if cfg.Mining.PoolSignature == "" {
		cfg.Mining.PoolSignature = "|pool|"
	}
	if cfg.Mining.SessionTTL == 0 {
		cfg.Mining.SessionTTL = 10 * time.Minute
	}

	// Vardiff defaults
	if cfg.Vardiff.TargetShareTime == 0 {
		cfg.Vardiff.TargetShareTime = 3333 * time.Millisecond
	}
	if cfg.Vardiff.Window == 0 {
		cfg.Vardiff.Window = 300 * time.Second
	}
	if cfg.Vardiff.SilenceTimeout == 0 {
		cfg.Vardiff.SilenceTimeout = 30 * time.Second
	}

	// Bouncer defaults
	if cfg.Bouncer.WarnThreshold == 0 {
		cfg.Bouncer.WarnThreshold = 60 * time.Second
	}
	if cfg.Bouncer.ReconnectThreshold == 0 {
		cfg.Bouncer.ReconnectThreshold = 120 * time.Second
	}
	if cfg.Bouncer.DropThreshold == 0 {
		cfg.Bouncer.DropThreshold = 180 * time.Second
	}
	if cfg.Bouncer.PreAuthTimeout == 0 {
		cfg.Bouncer.PreAuthTimeout = 60 * time.Second
	}
	if cfg.Bouncer.IdleTimeout == 0 {
		cfg.Bouncer.IdleTimeout = 600 * time.Second
	}
	if cfg.Bouncer.CheckInterval == 0 {
		cfg.Bouncer.CheckInterval = 30 * time.Second
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 100
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "stratum:"
	}
	if cfg.Redis.ShareTTL == 0 {
		cfg.Redis.ShareTTL = time.Hour
	}
	if cfg.Redis.WorkerTTL == 0 {
		cfg.Redis.WorkerTTL = 5 * time.Minute
	}

	// Postgres defaults
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MinConnections == 0 {
		cfg.Postgres.MinConnections = 10
	}
	if cfg.Postgres.ConnectTimeout == 0 {
		cfg.Postgres.ConnectTimeout = 10 * time.Second
	}
	if cfg.Postgres.StatementTimeout == 0 {
		cfg.Postgres.StatementTimeout = 30 * time.Second
	}
	if cfg.Postgres.ShareRetention == 0 {
		cfg.Postgres.ShareRetention = 30 * 24 * time.Hour
	}
	if cfg.Postgres.BlockCheckInterval == 0 {
		cfg.Postgres.BlockCheckInterval = 5 * time.Minute
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	// Node defaults
	if cfg.Node.PollInterval == 0 {
		cfg.Node.PollInterval = 10 * time.Second
	}

	// ZMQ defaults
	if cfg.ZMQ.Address == "" {
		cfg.ZMQ.Address = "tcp://127.0.0.1:28332"
	}

	// Upstream defaults
	if cfg.Upstream.UserAgent == "" {
		cfg.Upstream.UserAgent = "pool-proxy/1.0"
	}
	if cfg.Upstream.ConnectTimeout == 0 {
		cfg.Upstream.ConnectTimeout = 30 * time.Second
	}

	// Event sink defaults
	if cfg.EventSink.QueueCapacity == 0 {
		cfg.EventSink.QueueCapacity = 10000
	}
}

// validate checks the configuration for required fields and valid values.
func validate(cfg *Config) error {
	if cfg.Mode != ModePool && cfg.Mode != ModeProxy {
		return fmt.Errorf("invalid mode: %q", cfg.Mode)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS enabled but cert_file not specified")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS enabled but key_file not specified")
		}
	}

	if cfg.Mining.MinDifficulty > cfg.Mining.MaxDifficulty {
		return fmt.Errorf("min_difficulty cannot be greater than max_difficulty")
	}

	if cfg.Mining.Extranonce1Size < 1 || cfg.Mining.Extranonce1Size > 8 {
		return fmt.Errorf("invalid extranonce1_size: %d", cfg.Mining.Extranonce1Size)
	}

	if cfg.Mining.Extranonce2Size < 1 || cfg.Mining.Extranonce2Size > 8 {
		return fmt.Errorf("invalid extranonce2_size: %d", cfg.Mining.Extranonce2Size)
	}

	if cfg.Mode == ModePool && cfg.Mining.PoolAddress == "" {
		return fmt.Errorf("pool mode requires mining.pool_address")
	}

	if cfg.Mode == ModeProxy && cfg.Upstream.URL == "" {
		return fmt.Errorf("proxy mode requires upstream.url")
	}

	return nil
}

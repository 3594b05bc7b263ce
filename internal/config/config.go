package config

import (
	"fmt"
	"time"

	"fulfillment/pkg/log"
)

// Participant roles a worker process can run.
const (
	RoleOrders    = "orders"
	RoleWarehouse = "warehouse"
	RoleBilling   = "billing"
)

// Bus drivers.
const (
	BusRedis  = "redis"
	BusMemory = "memory"
)

// Config represents the global configuration
type Config struct {
	Participant ParticipantConfig `mapstructure:"participant"`
	Bus         BusConfig         `mapstructure:"bus"`
	Topics      TopicsConfig      `mapstructure:"topics"`
	Saga        SagaConfig        `mapstructure:"saga"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         log.Config        `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Security    SecurityConfig    `mapstructure:"security"`
}

// ParticipantConfig selects which saga participant a worker process runs.
type ParticipantConfig struct {
	Role    string `mapstructure:"role"` // orders, warehouse, billing
	Workers int    `mapstructure:"workers"`
	// Instances is the number of processes running this role; each needs a
	// distinct Instance in [0, Instances) so they split the partitions.
	Instances int `mapstructure:"instances"`
	Instance  int `mapstructure:"instance"`
}

// BusConfig represents message bus configuration
type BusConfig struct {
	Driver       string        `mapstructure:"driver"` // redis, memory
	StreamPrefix string        `mapstructure:"stream_prefix"`
	Partitions   int           `mapstructure:"partitions"`
	Block        time.Duration `mapstructure:"block"`
	BatchSize    int64         `mapstructure:"batch_size"`
	MaxLen       int64         `mapstructure:"max_len"`
	Consumer     string        `mapstructure:"consumer"`
	// ErrorBackoff is the rate at which a loop retries after a failed fetch.
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
}

// TopicsConfig holds the logical topic names.
type TopicsConfig struct {
	Orders       string `mapstructure:"orders"`
	Warehouse    string `mapstructure:"warehouse"`
	Transactions string `mapstructure:"transactions"`
	Billing      string `mapstructure:"billing"`
	Events       string `mapstructure:"events"`
}

// SagaConfig represents shadow and journal lifetimes.
type SagaConfig struct {
	ShadowTTL        time.Duration `mapstructure:"shadow_ttl"`
	JournalTTL       time.Duration `mapstructure:"journal_ttl"`
	DeletedRetention time.Duration `mapstructure:"deleted_retention"`
	PurgeDeleted     bool          `mapstructure:"purge_deleted"`
	ReaperInterval   time.Duration `mapstructure:"reaper_interval"`
	ReaperBatch      int64         `mapstructure:"reaper_batch"`
	Journal          bool          `mapstructure:"journal"` // persist handled messages to the database
	JournalRetention time.Duration `mapstructure:"journal_retention"`
	PurgeInterval    time.Duration `mapstructure:"purge_interval"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	Charset         string        `mapstructure:"charset"`
	ParseTime       bool          `mapstructure:"parse_time"`
	Loc             string        `mapstructure:"loc"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Port      int    `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Environment string  `mapstructure:"environment"`
}

// GatewayConfig represents the HTTP gateway's own knobs.
type GatewayConfig struct {
	NodeID         int64         `mapstructure:"node_id"` // snowflake node for order ids
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      struct {
		Enabled    bool          `mapstructure:"enabled"`
		RPS        float64       `mapstructure:"rps"` // per client IP, local token bucket
		Burst      int           `mapstructure:"burst"`
		UserLimit  int           `mapstructure:"user_limit"` // saga requests per user, shared through Redis
		UserWindow time.Duration `mapstructure:"user_window"`
	} `mapstructure:"rate_limit"`
	Breaker struct {
		MaxRequests uint32        `mapstructure:"max_requests"`
		Interval    time.Duration `mapstructure:"interval"`
		Timeout     time.Duration `mapstructure:"timeout"`
		Failures    uint32        `mapstructure:"failures"` // consecutive publish failures that open it
	} `mapstructure:"breaker"`
	GoodsCache struct {
		Enabled bool          `mapstructure:"enabled"`
		TTL     time.Duration `mapstructure:"ttl"`
		Shards  int           `mapstructure:"shards"`
	} `mapstructure:"goods_cache"`
	KnownGoods struct {
		Capacity uint          `mapstructure:"capacity"`
		FPRate   float64       `mapstructure:"fp_rate"`
		Refresh  time.Duration `mapstructure:"refresh"`
	} `mapstructure:"known_goods"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	JWT struct {
		Secret string        `mapstructure:"secret"`
		Expire time.Duration `mapstructure:"expire"`
		Issuer string        `mapstructure:"issuer"`
	} `mapstructure:"jwt"`
	AdminLogins []string `mapstructure:"admin_logins"`
	CORS        struct {
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"cors"`
}

// GetAddr returns the server address
func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetDSN returns the database DSN
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, d.Charset, d.ParseTime, d.Loc)
}

// GetAddr returns the Redis address
func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ConsumerGroup is the bus consumer group of the configured participant.
func (c *Config) ConsumerGroup() string {
	return "participant-" + c.Participant.Role
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Participant.Role {
	case "", RoleOrders, RoleWarehouse, RoleBilling:
	default:
		return fmt.Errorf("unknown participant role: %q", c.Participant.Role)
	}
	if c.Participant.Workers <= 0 {
		return fmt.Errorf("participant workers must be positive: %d", c.Participant.Workers)
	}

	switch c.Bus.Driver {
	case BusRedis, BusMemory:
	default:
		return fmt.Errorf("unknown bus driver: %q", c.Bus.Driver)
	}
	if c.Bus.Partitions <= 0 {
		return fmt.Errorf("bus partitions must be positive: %d", c.Bus.Partitions)
	}
	if c.Participant.Instances <= 0 {
		return fmt.Errorf("participant instances must be positive: %d", c.Participant.Instances)
	}
	if c.Participant.Instance < 0 || c.Participant.Instance >= c.Participant.Instances {
		return fmt.Errorf("participant instance %d out of range [0, %d)", c.Participant.Instance, c.Participant.Instances)
	}
	if slots := c.Participant.Workers * c.Participant.Instances; slots > c.Bus.Partitions {
		return fmt.Errorf("workers (%d) across instances (%d) exceed bus partitions (%d)",
			c.Participant.Workers, c.Participant.Instances, c.Bus.Partitions)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Saga.ShadowTTL <= 0 {
		return fmt.Errorf("saga shadow_ttl must be positive")
	}
	if c.Saga.JournalTTL <= c.Saga.ShadowTTL {
		return fmt.Errorf("saga journal_ttl (%s) must exceed shadow_ttl (%s)", c.Saga.JournalTTL, c.Saga.ShadowTTL)
	}
	if c.Saga.Journal && c.Database.DBName == "" {
		return fmt.Errorf("database name is required when the saga journal is enabled")
	}
	return nil
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Participant.Workers == 0 {
		c.Participant.Workers = 1
	}
	if c.Participant.Instances == 0 {
		c.Participant.Instances = 1
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = BusRedis
	}
	if c.Bus.StreamPrefix == "" {
		c.Bus.StreamPrefix = "saga:"
	}
	if c.Bus.Partitions == 0 {
		c.Bus.Partitions = 8
	}
	if c.Bus.Block == 0 {
		c.Bus.Block = 2 * time.Second
	}
	if c.Bus.BatchSize == 0 {
		c.Bus.BatchSize = 16
	}
	if c.Bus.MaxLen == 0 {
		c.Bus.MaxLen = 100000
	}
	if c.Bus.ErrorBackoff == 0 {
		c.Bus.ErrorBackoff = time.Second
	}

	if c.Topics.Orders == "" {
		c.Topics.Orders = "orders"
	}
	if c.Topics.Warehouse == "" {
		c.Topics.Warehouse = "warehouse"
	}
	if c.Topics.Transactions == "" {
		c.Topics.Transactions = "transactions"
	}
	if c.Topics.Billing == "" {
		c.Topics.Billing = "billing"
	}
	if c.Topics.Events == "" {
		c.Topics.Events = "events"
	}

	if c.Saga.ShadowTTL == 0 {
		c.Saga.ShadowTTL = 30 * time.Second
	}
	if c.Saga.JournalTTL == 0 {
		c.Saga.JournalTTL = 10 * time.Minute
	}
	if c.Saga.DeletedRetention == 0 {
		c.Saga.DeletedRetention = 24 * time.Hour
	}
	if c.Saga.ReaperInterval == 0 {
		c.Saga.ReaperInterval = 5 * time.Second
	}
	if c.Saga.ReaperBatch == 0 {
		c.Saga.ReaperBatch = 100
	}
	if c.Saga.JournalRetention == 0 {
		c.Saga.JournalRetention = 7 * 24 * time.Hour
	}
	if c.Saga.PurgeInterval == 0 {
		c.Saga.PurgeInterval = time.Hour
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.Loc == "" {
		c.Database.Loc = "Local"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 50
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.PoolTimeout == 0 {
		c.Redis.PoolTimeout = 4 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "fulfillment"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "fulfillment"
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "http://localhost:14268/api/traces"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.Tracing.Environment == "" {
		c.Tracing.Environment = "dev"
	}

	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = 5 * time.Second
	}
	if c.Gateway.RateLimit.UserLimit == 0 {
		c.Gateway.RateLimit.UserLimit = 60
	}
	if c.Gateway.RateLimit.UserWindow == 0 {
		c.Gateway.RateLimit.UserWindow = time.Minute
	}
	if c.Gateway.Breaker.MaxRequests == 0 {
		c.Gateway.Breaker.MaxRequests = 5
	}
	if c.Gateway.Breaker.Interval == 0 {
		c.Gateway.Breaker.Interval = time.Minute
	}
	if c.Gateway.Breaker.Timeout == 0 {
		c.Gateway.Breaker.Timeout = 10 * time.Second
	}
	if c.Gateway.Breaker.Failures == 0 {
		c.Gateway.Breaker.Failures = 5
	}
	if c.Gateway.RateLimit.RPS == 0 {
		c.Gateway.RateLimit.RPS = 50
	}
	if c.Gateway.RateLimit.Burst == 0 {
		c.Gateway.RateLimit.Burst = 100
	}
	if c.Gateway.GoodsCache.TTL == 0 {
		c.Gateway.GoodsCache.TTL = 5 * time.Second
	}
	if c.Gateway.GoodsCache.Shards == 0 {
		c.Gateway.GoodsCache.Shards = 64
	}
	if c.Gateway.KnownGoods.Capacity == 0 {
		c.Gateway.KnownGoods.Capacity = 100000
	}
	if c.Gateway.KnownGoods.FPRate == 0 {
		c.Gateway.KnownGoods.FPRate = 0.01
	}
	if c.Gateway.KnownGoods.Refresh == 0 {
		c.Gateway.KnownGoods.Refresh = 30 * time.Second
	}

	if c.Security.JWT.Expire == 0 {
		c.Security.JWT.Expire = 30 * time.Minute
	}
	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = "fulfillment-gateway"
	}
}

package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// edged - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Listener Listener `yaml:"listener"`
	Admin    Admin    `yaml:"admin"`
	Session  Session  `yaml:"session"`
	HTTP     HTTP     `yaml:"http"`
	Cache    Cache    `yaml:"cache"`
	Storage  Storage  `yaml:"storage"`
	Backends Backends `yaml:"backends"`
	Workers  Workers  `yaml:"workers"`
	Debug    Debug    `yaml:"debug"`
}

type Listener struct {
	Addr           string  `yaml:"addr"`
	AcceptRate     float64 `yaml:"accept_rate"`  // accepts per second, 0 = unlimited
	AcceptBurst    int     `yaml:"accept_burst"`
	MaxConnections int     `yaml:"max_connections"`
	ShutdownSec    int     `yaml:"shutdown_timeout_sec"`
}

type Admin struct {
	Addr string `yaml:"addr"`
}

// Session controls per-session behavior of the request state machine.
type Session struct {
	LingerMs    int `yaml:"session_linger_ms"` // keepalive poll before herding
	MaxRestarts int `yaml:"max_restarts"`
}

type HTTP struct {
	GzipSupport     bool `yaml:"gzip_support"`
	ReqSize         int  `yaml:"req_size"`    // receive buffer for a request
	ReqHdrLen       int  `yaml:"req_hdr_len"` // single header line cap
	RespSize        int  `yaml:"resp_size"`   // synthesized response budget
	MaxHdr          int  `yaml:"max_hdr"`     // header count cap
	GzipStackBuffer int  `yaml:"gzip_stack_buffer"`
}

type Cache struct {
	LRUTimeoutSec int `yaml:"lru_timeout_sec"` // LRU touch throttle
	ShortlivedSec int `yaml:"shortlived_sec"`  // transient-only TTL threshold
}

type Storage struct {
	MallocBytes int64  `yaml:"malloc_bytes"` // primary store capacity
	Redis       Redis  `yaml:"redis"`
	Default     string `yaml:"default"` // "malloc" or "redis"
}

type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Backends struct {
	Servers         []BackendServer `yaml:"servers"`
	ConnectMs       int             `yaml:"connect_timeout_ms"`
	FirstByteMs     int             `yaml:"first_byte_timeout_ms"`
	BetweenBytesMs  int             `yaml:"between_bytes_timeout_ms"`
	MaxIdlePerHost  int             `yaml:"max_idle_per_host"`
	BreakerFailures uint32          `yaml:"breaker_failures"`
}

type BackendServer struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
}

type Workers struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
	StatsRate int `yaml:"stats_rate"` // refresh the store-bytes gauges every N requests
}

type Debug struct {
	DiagBitmap uint64 `yaml:"diag_bitmap"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("EDGED_CONFIG", "edged.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a config with all defaults applied and no file or
// environment input. Tests use this.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	c.Listener.Addr = getEnv("EDGED_LISTEN", c.Listener.Addr)
	c.Admin.Addr = getEnv("EDGED_ADMIN", c.Admin.Addr)

	if v := getEnvInt("EDGED_SESSION_LINGER_MS", 0); v > 0 {
		c.Session.LingerMs = v
	}
	if v := getEnvInt("EDGED_MAX_RESTARTS", 0); v > 0 {
		c.Session.MaxRestarts = v
	}
	c.HTTP.GzipSupport = getEnvBool("EDGED_GZIP_SUPPORT", c.HTTP.GzipSupport)

	c.Storage.Redis.Addr = getEnv("EDGED_REDIS_ADDR", c.Storage.Redis.Addr)
	c.Storage.Redis.Password = getEnv("EDGED_REDIS_PASSWORD", c.Storage.Redis.Password)
	c.Storage.Redis.Enabled = getEnvBool("EDGED_REDIS_ENABLED", c.Storage.Redis.Enabled)

	if backends := getEnv("EDGED_BACKENDS", ""); backends != "" {
		c.Backends.Servers = nil
		for i, addr := range splitCSV(backends) {
			c.Backends.Servers = append(c.Backends.Servers, BackendServer{
				Name: "backend" + strconv.Itoa(i),
				Addr: addr,
			})
		}
	}

	if v := getEnvInt("EDGED_WORKERS", 0); v > 0 {
		c.Workers.Count = v
	}
	if v := getEnvInt("EDGED_DIAG_BITMAP", 0); v > 0 {
		c.Debug.DiagBitmap = uint64(v)
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Listener.Addr == "" {
		c.Listener.Addr = ":6081"
	}
	if c.Listener.AcceptBurst == 0 {
		c.Listener.AcceptBurst = 64
	}
	if c.Listener.MaxConnections == 0 {
		c.Listener.MaxConnections = 10000
	}
	if c.Listener.ShutdownSec == 0 {
		c.Listener.ShutdownSec = 30
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = ":6082"
	}
	if c.Session.LingerMs == 0 {
		c.Session.LingerMs = 50
	}
	if c.Session.MaxRestarts == 0 {
		c.Session.MaxRestarts = 4
	}
	if c.HTTP.ReqSize == 0 {
		c.HTTP.ReqSize = 32 * 1024
	}
	if c.HTTP.ReqHdrLen == 0 {
		c.HTTP.ReqHdrLen = 8 * 1024
	}
	if c.HTTP.RespSize == 0 {
		c.HTTP.RespSize = 32 * 1024
	}
	if c.HTTP.MaxHdr == 0 {
		c.HTTP.MaxHdr = 64
	}
	if c.HTTP.GzipStackBuffer == 0 {
		c.HTTP.GzipStackBuffer = 32 * 1024
	}
	if c.Cache.LRUTimeoutSec == 0 {
		c.Cache.LRUTimeoutSec = 2
	}
	if c.Cache.ShortlivedSec == 0 {
		c.Cache.ShortlivedSec = 10
	}
	if c.Storage.MallocBytes == 0 {
		c.Storage.MallocBytes = 256 * 1024 * 1024
	}
	if c.Storage.Default == "" {
		c.Storage.Default = "malloc"
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
	if c.Backends.ConnectMs == 0 {
		c.Backends.ConnectMs = 3500
	}
	if c.Backends.FirstByteMs == 0 {
		c.Backends.FirstByteMs = 60000
	}
	if c.Backends.BetweenBytesMs == 0 {
		c.Backends.BetweenBytesMs = 60000
	}
	if c.Backends.MaxIdlePerHost == 0 {
		c.Backends.MaxIdlePerHost = 8
	}
	if c.Backends.BreakerFailures == 0 {
		c.Backends.BreakerFailures = 5
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 64
	}
	if c.Workers.QueueSize == 0 {
		c.Workers.QueueSize = 1024
	}
	if c.Workers.StatsRate == 0 {
		c.Workers.StatsRate = 10
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

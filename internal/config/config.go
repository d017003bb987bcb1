package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the fully-resolved gateway configuration. Defaults are merged
// over file values; environment variables win over both.
type Config struct {
	Port    string
	GinMode string

	// Logging
	LogLevel  string
	LogFormat string

	// CORS
	CORSAllowedOrigins string

	Pool     PoolConfig
	Sessions SessionsConfig
	Cache    CacheConfig
	Rate     RateConfig
	Breaker  BreakerConfig
	Turn     TurnConfig
	Neo4j    Neo4jConfig

	// Server
	ServerShutdownTimeout time.Duration
}

// PoolConfig bounds the upstream agent connection pool.
type PoolConfig struct {
	MaxSize        int
	MinSize        int
	MaxAge         time.Duration
	MaxUses        int
	HealthInterval time.Duration
	ConnectTimeout time.Duration
}

// SessionsConfig bounds the session registry.
type SessionsConfig struct {
	Max            int
	CreateTimeout  time.Duration
	DestroyTimeout time.Duration
}

// CacheConfig controls the TTL/LRU cache.
type CacheConfig struct {
	MaxSize              int
	DefaultTTL           time.Duration
	CompressionThreshold int
}

// RateConfig controls the sliding-window rate limiter.
type RateConfig struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

// BreakerConfig controls the circuit breakers around external calls.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// TurnConfig bounds a single chat turn.
type TurnConfig struct {
	Deadline time.Duration
}

// Neo4jConfig holds the graph store connection settings. A missing password
// disables memory integration instead of crashing.
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

// MemoryEnabled reports whether the graph store credentials are complete.
func (n Neo4jConfig) MemoryEnabled() bool {
	return n.Password != ""
}

// Change records one key whose value differed after a reload.
type Change struct {
	Key string
	Old interface{}
	New interface{}
}

// ChangeSet is delivered to subscribers after a hot reload.
type ChangeSet []Change

// Manager owns the viper instance and notifies subscribers on file changes.
type Manager struct {
	v *viper.Viper

	mu      sync.RWMutex
	current *Config
	subs    []func(ChangeSet)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("gin_mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("cors.allowed_origins", "http://localhost:3000")

	v.SetDefault("pool.max_size", 10)
	v.SetDefault("pool.min_size", 2)
	v.SetDefault("pool.max_age_minutes", 60)
	v.SetDefault("pool.max_uses", 100)
	v.SetDefault("pool.health_interval_s", 300)
	v.SetDefault("pool.connect_timeout_s", 20)

	v.SetDefault("sessions.max", 100)
	v.SetDefault("sessions.create_timeout_s", 30)
	v.SetDefault("sessions.destroy_timeout_s", 15)

	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.default_ttl_s", 300)
	v.SetDefault("cache.compression_threshold_bytes", 1024)

	v.SetDefault("rate.requests_per_minute", 60)
	v.SetDefault("rate.burst_size", 10)
	v.SetDefault("rate.cleanup_interval_s", 300)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout_s", 60)
	v.SetDefault("breaker.success_threshold", 2)

	v.SetDefault("turn.deadline_s", 300)

	v.SetDefault("server.shutdown_timeout_s", 30)

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "neo4j")
}

// Load reads the optional config file plus environment and returns a Manager.
func Load(configFilePath string) (*Manager, error) {
	// Load .env file if it exists.
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The graph store keeps its conventional variable names.
	v.BindEnv("neo4j.uri", "NEO4J_URI")
	v.BindEnv("neo4j.user", "NEO4J_USER")
	v.BindEnv("neo4j.password", "NEO4J_PASSWORD")
	v.BindEnv("neo4j.database", "NEO4J_DATABASE")
	v.BindEnv("port", "PORT")

	if configFilePath == "" {
		configFilePath = os.Getenv("CONFIG_FILE")
	}
	if configFilePath != "" {
		v.SetConfigFile(configFilePath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			log.Printf("Config file %s not found, using defaults", configFilePath)
		}
	}

	m := &Manager{v: v}
	m.current = m.resolve()
	return m, nil
}

// Current returns the latest resolved config.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers a callback invoked with the change set of each reload.
func (m *Manager) Subscribe(fn func(ChangeSet)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Watch starts watching the config file for changes. Each change resolves a
// fresh config, diffs it against the previous one, and notifies subscribers.
func (m *Manager) Watch() {
	m.v.OnConfigChange(func(in fsnotify.Event) {
		m.mu.Lock()
		old := m.current
		m.current = m.resolve()
		changes := diff(old, m.current)
		subs := make([]func(ChangeSet), len(m.subs))
		copy(subs, m.subs)
		m.mu.Unlock()

		if len(changes) == 0 {
			return
		}
		for _, fn := range subs {
			fn(changes)
		}
	})
	m.v.WatchConfig()
}

func (m *Manager) resolve() *Config {
	v := m.v
	return &Config{
		Port:               v.GetString("port"),
		GinMode:            v.GetString("gin_mode"),
		LogLevel:           v.GetString("log.level"),
		LogFormat:          v.GetString("log.format"),
		CORSAllowedOrigins: v.GetString("cors.allowed_origins"),
		Pool: PoolConfig{
			MaxSize:        v.GetInt("pool.max_size"),
			MinSize:        v.GetInt("pool.min_size"),
			MaxAge:         time.Duration(v.GetInt("pool.max_age_minutes")) * time.Minute,
			MaxUses:        v.GetInt("pool.max_uses"),
			HealthInterval: time.Duration(v.GetInt("pool.health_interval_s")) * time.Second,
			ConnectTimeout: time.Duration(v.GetInt("pool.connect_timeout_s")) * time.Second,
		},
		Sessions: SessionsConfig{
			Max:            v.GetInt("sessions.max"),
			CreateTimeout:  time.Duration(v.GetInt("sessions.create_timeout_s")) * time.Second,
			DestroyTimeout: time.Duration(v.GetInt("sessions.destroy_timeout_s")) * time.Second,
		},
		Cache: CacheConfig{
			MaxSize:              v.GetInt("cache.max_size"),
			DefaultTTL:           time.Duration(v.GetInt("cache.default_ttl_s")) * time.Second,
			CompressionThreshold: v.GetInt("cache.compression_threshold_bytes"),
		},
		Rate: RateConfig{
			RequestsPerMinute: v.GetInt("rate.requests_per_minute"),
			BurstSize:         v.GetInt("rate.burst_size"),
			CleanupInterval:   time.Duration(v.GetInt("rate.cleanup_interval_s")) * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("breaker.failure_threshold"),
			RecoveryTimeout:  time.Duration(v.GetInt("breaker.recovery_timeout_s")) * time.Second,
			SuccessThreshold: v.GetInt("breaker.success_threshold"),
		},
		Turn: TurnConfig{
			Deadline: time.Duration(v.GetInt("turn.deadline_s")) * time.Second,
		},
		Neo4j: Neo4jConfig{
			URI:      v.GetString("neo4j.uri"),
			User:     v.GetString("neo4j.user"),
			Password: v.GetString("neo4j.password"),
			Database: v.GetString("neo4j.database"),
		},
		ServerShutdownTimeout: time.Duration(v.GetInt("server.shutdown_timeout_s")) * time.Second,
	}
}

func diff(old, new *Config) ChangeSet {
	var changes ChangeSet
	add := func(key string, o, n interface{}) {
		if o != n {
			changes = append(changes, Change{Key: key, Old: o, New: n})
		}
	}

	add("port", old.Port, new.Port)
	add("log.level", old.LogLevel, new.LogLevel)
	add("log.format", old.LogFormat, new.LogFormat)
	add("pool.max_size", old.Pool.MaxSize, new.Pool.MaxSize)
	add("pool.min_size", old.Pool.MinSize, new.Pool.MinSize)
	add("pool.max_age_minutes", old.Pool.MaxAge, new.Pool.MaxAge)
	add("pool.max_uses", old.Pool.MaxUses, new.Pool.MaxUses)
	add("pool.health_interval_s", old.Pool.HealthInterval, new.Pool.HealthInterval)
	add("sessions.max", old.Sessions.Max, new.Sessions.Max)
	add("cache.max_size", old.Cache.MaxSize, new.Cache.MaxSize)
	add("cache.default_ttl_s", old.Cache.DefaultTTL, new.Cache.DefaultTTL)
	add("cache.compression_threshold_bytes", old.Cache.CompressionThreshold, new.Cache.CompressionThreshold)
	add("rate.requests_per_minute", old.Rate.RequestsPerMinute, new.Rate.RequestsPerMinute)
	add("rate.burst_size", old.Rate.BurstSize, new.Rate.BurstSize)
	add("rate.cleanup_interval_s", old.Rate.CleanupInterval, new.Rate.CleanupInterval)
	add("breaker.failure_threshold", old.Breaker.FailureThreshold, new.Breaker.FailureThreshold)
	add("breaker.recovery_timeout_s", old.Breaker.RecoveryTimeout, new.Breaker.RecoveryTimeout)
	add("breaker.success_threshold", old.Breaker.SuccessThreshold, new.Breaker.SuccessThreshold)
	add("turn.deadline_s", old.Turn.Deadline, new.Turn.Deadline)

	return changes
}

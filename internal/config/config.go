package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
	LockNone  = "none"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Lock      LockConfig      `yaml:"lock"`
	Identify  IdentifyConfig  `yaml:"identify"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"0.0.0.0"`
	Port            int           `yaml:"port"             env:"PORT"                    env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabaseConfig selects and tunes the contact store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"             env:"DATABASE_DRIVER"             env-default:"sqlite"`
	DSN             string        `yaml:"dsn"                env:"DATABASE_URL"                env-default:"./bitespeed.db"`
	AutoMigrate     bool          `yaml:"auto_migrate"       env:"DATABASE_AUTO_MIGRATE"`
	MaxConns        int32         `yaml:"max_conns"          env:"DATABASE_MAX_CONNS"          env-default:"25"`
	MinConns        int32         `yaml:"min_conns"          env:"DATABASE_MIN_CONNS"          env-default:"2"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"  env:"DATABASE_MAX_CONN_LIFETIME"  env-default:"1h"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"DATABASE_MAX_CONN_IDLE_TIME" env-default:"30m"`
}

// RedisConfig holds the Redis connection used by the redis lock backend.
type RedisConfig struct {
	URL          string        `yaml:"url"            env:"REDIS_URL"`
	PoolSize     int           `yaml:"pool_size"      env:"REDIS_POOL_SIZE"      env-default:"10"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS" env-default:"1"`
	DialTimeout  time.Duration `yaml:"dial_timeout"   env:"REDIS_DIAL_TIMEOUT"   env-default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout"   env:"REDIS_READ_TIMEOUT"   env-default:"3s"`
	WriteTimeout time.Duration `yaml:"write_timeout"  env:"REDIS_WRITE_TIMEOUT"  env-default:"3s"`
}

// LockConfig selects how identifier keys are locked around a sighting.
type LockConfig struct {
	Backend       string        `yaml:"backend"        env:"LOCK_BACKEND"        env-default:"local"`
	TTL           time.Duration `yaml:"ttl"            env:"LOCK_TTL"            env-default:"10s"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"LOCK_RETRY_INTERVAL" env-default:"20ms"`
	KeyPrefix     string        `yaml:"key_prefix"     env:"LOCK_KEY_PREFIX"     env-default:"identity:lock:"`
}

// IdentifyConfig tunes the identify unit of work and its callers. A zero
// Timeout disables the deadline and zero MaxRetries disables retrying.
type IdentifyConfig struct {
	Timeout      time.Duration `yaml:"timeout"       env:"IDENTIFY_TIMEOUT"`
	MaxRetries   int           `yaml:"max_retries"   env:"IDENTIFY_MAX_RETRIES"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"IDENTIFY_RETRY_BACKOFF" env-default:"25ms"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"     env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"bitespeed-identity"`
}

// Defaults returns a Config holding the defaults of fields whose zero value is
// meaningful. env-default only fills fields left zero, so these are set before
// YAML and ENV are read.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{AutoMigrate: true},
		Identify: IdentifyConfig{Timeout: 5 * time.Second, MaxRetries: 3},
	}
}

// Validate performs business-rule validation on the loaded configuration.
// Load calls it automatically.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535 (got %d)", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be one of sqlite, postgres, memory (got %q)", c.Database.Driver)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) exceeds max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}

	switch c.Lock.Backend {
	case LockLocal, LockNone:
	case LockRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when lock.backend is redis")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("lock.ttl must be > 0 (got %s)", c.Lock.TTL)
		}
	default:
		return fmt.Errorf("lock.backend must be one of local, redis, none (got %q)", c.Lock.Backend)
	}

	if c.Identify.MaxRetries < 0 {
		return fmt.Errorf("identify.max_retries must be >= 0 (got %d)", c.Identify.MaxRetries)
	}
	if c.Identify.Timeout < 0 {
		return fmt.Errorf("identify.timeout must be >= 0 (got %s)", c.Identify.Timeout)
	}

	return nil
}

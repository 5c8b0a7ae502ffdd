package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type GRPC struct {
	Addr string `yaml:"addr"` // пусто, gRPC-порт не поднимается
}

type HTTP struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"readTimeout"`
	WriteTimeout    string `yaml:"writeTimeout"`
	IdleTimeout     string `yaml:"idleTimeout"`
	ShutdownTimeout string `yaml:"shutdownTimeout"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // dm-service
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	Level     string `yaml:"level"`     // debug|info|warn|error
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Storage struct {
	Driver string   `yaml:"driver"` // postgres|sqlite
	SQLite SQLite   `yaml:"sqlite"`
	PG     Postgres `yaml:"postgres"`
}

type SQLite struct {
	Path string `yaml:"path"` // ":memory:" или путь к файлу
}

type Postgres struct {
	DSN             string `yaml:"dsn"`
	MaxConns        int32  `yaml:"maxConns"`
	MinConns        int32  `yaml:"minConns"`
	MaxConnLifetime string `yaml:"maxConnLifetime"`
	MaxConnIdleTime string `yaml:"maxConnIdleTime"`
	HealthCheck     string `yaml:"healthCheckPeriod"`
	// WithDirectory: создавать таблицы users/posts (автономный режим).
	WithDirectory bool `yaml:"withDirectory"`
}

type Auth struct {
	Secret        string `yaml:"secret"`        // HS256
	PublicKeyPath string `yaml:"publicKeyPath"` // RS256, PEM
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	ClockSkew     string `yaml:"clockSkew"`
}

type Realtime struct {
	Bus           string `yaml:"bus"` // local|nats
	NatsURL       string `yaml:"natsUrl"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	PingInterval  string `yaml:"pingInterval"`
	SendBuffer    int    `yaml:"sendBuffer"`
}

type Messaging struct {
	MaxTextLen      int `yaml:"maxTextLen"`
	ThreadPageLimit int `yaml:"threadPageLimit"`
}

type RateLimit struct {
	Send   Bucket `yaml:"send"`
	Typing Bucket `yaml:"typing"`
}

type Bucket struct {
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
	IdleTTL string  `yaml:"idleTTL"`
}

type CORS struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	HTTP      HTTP      `yaml:"http"`
	GRPC      GRPC      `yaml:"grpc"`
	Logging   Logging   `yaml:"logging"`
	Storage   Storage   `yaml:"storage"`
	Auth      Auth      `yaml:"auth"`
	Realtime  Realtime  `yaml:"realtime"`
	Messaging Messaging `yaml:"messaging"`
	RateLimit RateLimit `yaml:"rateLimit"`
	CORS      CORS      `yaml:"cors"`
	Metrics   Metrics   `yaml:"metrics"`
}

const defaultPath = "./config/config.yaml"

// LoadConfig: .env -> yaml (CONFIG_PATH) -> env overrides -> validate.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env")

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse разбирает yaml и применяет переопределения из окружения.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Storage.PG.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Realtime.NatsURL = v
	}
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case "", "postgres":
		c.Storage.Driver = "postgres"
		if c.Storage.PG.DSN == "" {
			return errors.New("storage.postgres.dsn is required")
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			c.Storage.SQLite.Path = ":memory:"
		}
	default:
		return fmt.Errorf("storage.driver %q: want postgres|sqlite", c.Storage.Driver)
	}

	if c.Auth.Secret == "" && c.Auth.PublicKeyPath == "" {
		return errors.New("auth.secret or auth.publicKeyPath is required")
	}
	if c.Auth.Secret != "" && c.Auth.PublicKeyPath != "" {
		return errors.New("auth.secret and auth.publicKeyPath are mutually exclusive")
	}

	switch c.Realtime.Bus {
	case "":
		c.Realtime.Bus = "local"
	case "local":
	case "nats":
		if c.Realtime.NatsURL == "" {
			return errors.New("realtime.natsUrl is required for bus=nats")
		}
	default:
		return fmt.Errorf("realtime.bus %q: want local|nats", c.Realtime.Bus)
	}

	// установка дефолтов, если значения не указаны
	if c.Logging.Service == "" {
		c.Logging.Service = "dm-service"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.Realtime.SendBuffer <= 0 {
		c.Realtime.SendBuffer = 64
	}
	if c.Messaging.MaxTextLen <= 0 {
		c.Messaging.MaxTextLen = 4000
	}
	if c.Messaging.ThreadPageLimit <= 0 {
		c.Messaging.ThreadPageLimit = 500
	}
	if c.RateLimit.Send.RPS <= 0 {
		c.RateLimit.Send = Bucket{RPS: 5, Burst: 10}
	}
	if c.RateLimit.Typing.RPS <= 0 {
		c.RateLimit.Typing = Bucket{RPS: 2, Burst: 5}
	}
	return nil
}

func (h HTTP) ReadTimeoutOr() time.Duration  { return parseDurationOr(10*time.Second, h.ReadTimeout) }
func (h HTTP) WriteTimeoutOr() time.Duration { return parseDurationOr(15*time.Second, h.WriteTimeout) }
func (h HTTP) IdleTimeoutOr() time.Duration  { return parseDurationOr(60*time.Second, h.IdleTimeout) }
func (h HTTP) ShutdownTimeoutOr() time.Duration {
	return parseDurationOr(10*time.Second, h.ShutdownTimeout)
}

func (a Auth) ClockSkewOr() time.Duration { return parseDurationOr(30*time.Second, a.ClockSkew) }

func (r Realtime) PingIntervalOr() time.Duration {
	return parseDurationOr(30*time.Second, r.PingInterval)
}

func (p Postgres) MaxConnLifetimeOr() time.Duration {
	return parseDurationOr(time.Hour, p.MaxConnLifetime)
}

func (p Postgres) MaxConnIdleTimeOr() time.Duration {
	return parseDurationOr(30*time.Minute, p.MaxConnIdleTime)
}

func (b Bucket) IdleTTLOr() time.Duration { return parseDurationOr(10*time.Minute, b.IdleTTL) }

func (p Postgres) HealthCheckPeriodOr() time.Duration {
	return parseDurationOr(time.Minute, p.HealthCheck)
}

// helper для парсинга timeout-ов
func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

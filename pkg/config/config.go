package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Broker holds the RabbitMQ connection settings for a worker or publisher.
type Broker struct {
	Host              string
	Port              int
	User              string
	Password          string
	Heartbeat         time.Duration
	PublishTimeout    time.Duration
	MaxPublishRetries int
	QueueMaxLength    int
}

// Store holds the Redis connection settings.
type Store struct {
	Host     string
	Port     int
	Password string
	DB       int
	Cluster  bool
}

// Archive holds the optional Postgres history settings. An empty URL
// disables the archive entirely.
type Archive struct {
	DatabaseURL string
	MaxConns    int
}

// Worker holds settings for the worker binary itself.
type Worker struct {
	Family      string
	ScratchRoot string
	MetricsAddr string
}

type Config struct {
	Broker  Broker
	Store   Store
	Archive Archive
	Worker  Worker
}

// FromEnv resolves the full configuration from the environment. Credentials
// may come either from the plain variable or from a *_FILE variant pointing
// at a secret file.
func FromEnv() (*Config, error) {
	amqpPassword, err := secret("AMQP_PASSWORD")
	if err != nil {
		return nil, err
	}
	redisPassword, err := secret("REDIS_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Broker: Broker{
			Host:              envStr("AMQP_HOST", "localhost"),
			Port:              envInt("AMQP_PORT", 5672),
			User:              envStr("AMQP_USER", "guest"),
			Password:          amqpPassword,
			Heartbeat:         envDuration("AMQP_HEARTBEAT", 60*time.Second),
			PublishTimeout:    envDuration("AMQP_PUBLISH_TIMEOUT", 5*time.Second),
			MaxPublishRetries: envInt("AMQP_MAX_PUBLISH_RETRIES", 3),
			QueueMaxLength:    envInt("AMQP_QUEUE_MAX_LENGTH", 10),
		},
		Store: Store{
			Host:     envStr("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			Password: redisPassword,
			DB:       envInt("REDIS_DB", 0),
			Cluster:  envBool("REDIS_CLUSTER", false),
		},
		Archive: Archive{
			DatabaseURL: os.Getenv("ARCHIVE_DATABASE_URL"),
			MaxConns:    envInt("ARCHIVE_MAX_CONNS", 4),
		},
		Worker: Worker{
			Family:      envStr("WORKER_FAMILY", "analysis"),
			ScratchRoot: envStr("WORKER_SCRATCH_ROOT", os.TempDir()),
			MetricsAddr: envStr("WORKER_METRICS_ADDR", ":9091"),
		},
	}
	if cfg.Broker.Password == "" {
		cfg.Broker.Password = "guest"
	}
	return cfg, nil
}

// AMQPURL builds the broker URL from the parts.
func (b Broker) AMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", b.User, b.Password, b.Host, b.Port)
}

// Addr returns the host:port address of the store.
func (s Store) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// secret resolves NAME, falling back to reading the file named by NAME_FILE.
func secret(name string) (string, error) {
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	path := os.Getenv(name + "_FILE")
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file for %s: %w", name, err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(name string, def bool) bool {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

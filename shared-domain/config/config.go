// Package config resolves service settings from the environment, falling
// back to an optional YAML file named by CONFIG_FILE and then to defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Source struct {
	file map[string]string
}

// Load reads CONFIG_FILE when set. The file is a flat mapping using the same
// keys as the environment, e.g. `OUTBOX_POLL_INTERVAL: 5s`.
func Load() (*Source, error) {
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		return &Source{file: map[string]string{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Source from YAML bytes.
func Parse(data []byte) (*Source, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	file := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		file[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return &Source{file: file}, nil
}

func (s *Source) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	if s == nil {
		return "", false
	}
	v, ok := s.file[key]
	return v, ok && v != ""
}

func (s *Source) String(key, def string) string {
	if v, ok := s.lookup(key); ok {
		return v
	}
	return def
}

func (s *Source) Int(key string, def int) int {
	if v, ok := s.lookup(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (s *Source) Float(key string, def float64) float64 {
	if v, ok := s.lookup(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func (s *Source) Bool(key string, def bool) bool {
	if v, ok := s.lookup(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Duration accepts Go duration strings ("250ms", "5s") or a bare number of
// seconds.
func (s *Source) Duration(key string, def time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

type Database struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
}

func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

func (s *Source) Database(defaultName string) Database {
	return Database{
		Host:            s.String("DB_HOST", "localhost"),
		Port:            s.Int("DB_PORT", 5432),
		User:            s.String("DB_USER", "postgres"),
		Password:        s.String("DB_PASSWORD", "postgres"),
		Name:            s.String("DB_NAME", defaultName),
		SSLMode:         s.String("DB_SSLMODE", "disable"),
		MaxOpenConns:    s.Int("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    s.Int("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: s.Duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		ConnectAttempts: s.Int("DB_CONNECT_ATTEMPTS", 30),
	}
}

type Outbox struct {
	PollInterval      time.Duration
	BatchSize         int
	PublishAttempts   int
	PublishBackoff    time.Duration
	Retention         time.Duration
	RetentionSchedule string
}

func (s *Source) Outbox() Outbox {
	return Outbox{
		PollInterval:      s.Duration("OUTBOX_POLL_INTERVAL", 5*time.Second),
		BatchSize:         s.Int("OUTBOX_BATCH_SIZE", 100),
		PublishAttempts:   s.Int("OUTBOX_PUBLISH_ATTEMPTS", 3),
		PublishBackoff:    s.Duration("OUTBOX_PUBLISH_BACKOFF", 200*time.Millisecond),
		Retention:         s.Duration("RETENTION_WINDOW", 7*24*time.Hour),
		RetentionSchedule: s.String("RETENTION_SCHEDULE", "@daily"),
	}
}

type Service struct {
	Name     string
	Port     string
	LogMode  string
	LogLevel string
	Version  string
}

func (s *Source) Service(name, defaultPort string) Service {
	return Service{
		Name:     s.String("SERVICE_NAME", name),
		Port:     s.String("PORT", defaultPort),
		LogMode:  s.String("LOG_MODE", "development"),
		LogLevel: s.String("LOG_LEVEL", "info"),
		Version:  s.String("SERVICE_VERSION", "1.0.0"),
	}
}

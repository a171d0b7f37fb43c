// Package config loads deployment configuration from the environment so main
// stays lean. Every value has a development default except secrets.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	id "custodia/pkg/domain"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
}

// Storage configures the document store.
type Storage struct {
	// PostgresDSN is the connection string for the entity store. Empty falls
	// back to the in-memory store, which is only useful for local runs.
	PostgresDSN string
}

// RedisConfig configures the Redis client shared by the directory cache and
// the work-item queue.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the audit event producer.
type Kafka struct {
	Brokers []string
	Topic   string
}

// Authorization carries the directory-wide role grants.
type Authorization struct {
	ServiceAdminGroups         []id.SecurityGroupID
	VariantEditorGroups        []id.SecurityGroupID
	IncidentManagerGroups      []id.SecurityGroupID
	VariantEditorApplicationID string
}

// Config is the full deployment configuration.
type Config struct {
	Server           Server
	Storage          Storage
	Redis            RedisConfig
	Kafka            Kafka
	Authz            Authorization
	DirectoryBaseURL string
	IncidentBaseURL  string
	WorkQueueKey     string
	AuditBufferSize  int
}

// FromEnv builds the configuration from environment variables.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:          envOr("CUSTODIA_ADDR", ":8080"),
			JWTSigningKey: os.Getenv("CUSTODIA_JWT_SIGNING_KEY"),
		},
		Storage: Storage{
			PostgresDSN: os.Getenv("CUSTODIA_POSTGRES_DSN"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("CUSTODIA_REDIS_URL"),
			PoolSize:     envInt("CUSTODIA_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("CUSTODIA_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("CUSTODIA_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("CUSTODIA_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("CUSTODIA_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers: envList("CUSTODIA_KAFKA_BROKERS"),
			Topic:   envOr("CUSTODIA_KAFKA_AUDIT_TOPIC", "custodia.audit.ops"),
		},
		Authz: Authorization{
			ServiceAdminGroups:         envGroups("CUSTODIA_SERVICE_ADMIN_GROUPS"),
			VariantEditorGroups:        envGroups("CUSTODIA_VARIANT_EDITOR_GROUPS"),
			IncidentManagerGroups:      envGroups("CUSTODIA_INCIDENT_MANAGER_GROUPS"),
			VariantEditorApplicationID: os.Getenv("CUSTODIA_VARIANT_EDITOR_APP"),
		},
		DirectoryBaseURL: os.Getenv("CUSTODIA_DIRECTORY_BASE_URL"),
		IncidentBaseURL:  os.Getenv("CUSTODIA_INCIDENT_BASE_URL"),
		WorkQueueKey:     envOr("CUSTODIA_WORK_QUEUE_KEY", "custodia:workitems"),
		AuditBufferSize:  envInt("CUSTODIA_AUDIT_BUFFER_SIZE", 1024),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// envGroups parses a comma-separated list of security group uuids, skipping
// anything malformed.
func envGroups(key string) []id.SecurityGroupID {
	var groups []id.SecurityGroupID
	for _, raw := range envList(key) {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		groups = append(groups, id.SecurityGroupID(parsed))
	}
	return groups
}

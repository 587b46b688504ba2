// Package config loads process configuration from the environment. A .env
// file is honored for local development; real deployments inject the
// environment directly.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Connection is one named search cluster.
type Connection struct {
	URL    string
	APIKey string
}

type Config struct {
	Env  string
	Port string

	DatabaseURL string
	NatsURL     string

	// Connections holds the named search clusters. "default" comes from
	// TYPESENSE_URL / TYPESENSE_API_KEY; extra clusters from
	// TYPESENSE_CLUSTER_<NAME>_URL / _API_KEY pairs.
	Connections map[string]Connection

	// Engine toggles.
	AutoSync    bool
	AutoRefresh bool

	// Index defaults, overridable per index by its documents.
	Shards   int
	Replicas int

	// PageSize is the populate default when descriptors set none.
	PageSize int

	// EngineMode selects the synchronization engine: "immediate" handles
	// notifications inline, "queued" defers them to workers.
	EngineMode string
	Workers    int
}

func Load() Config {
	// Missing .env is fine; the environment may be complete already.
	_ = godotenv.Load()

	cfg := Config{
		Env:         get("SEARCHSYNC_ENV", "production"),
		Port:        get("SEARCHSYNC_PORT", "8081"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		NatsURL:     os.Getenv("NATS_URL"),
		Connections: connections(),
		AutoSync:    getBool("SEARCHSYNC_AUTO_SYNC", true),
		AutoRefresh: getBool("SEARCHSYNC_AUTO_REFRESH", false),
		Shards:      getInt("SEARCHSYNC_INDEX_SHARDS", 1),
		Replicas:    getInt("SEARCHSYNC_INDEX_REPLICAS", 0),
		PageSize:    getInt("SEARCHSYNC_PAGE_SIZE", 1000),
		EngineMode:  get("SEARCHSYNC_ENGINE", "immediate"),
		Workers:     getInt("SEARCHSYNC_WORKERS", 4),
	}
	return cfg
}

func connections() map[string]Connection {
	conns := map[string]Connection{
		"default": {
			URL:    os.Getenv("TYPESENSE_URL"),
			APIKey: os.Getenv("TYPESENSE_API_KEY"),
		},
	}

	const prefix = "TYPESENSE_CLUSTER_"
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, "_URL") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, prefix), "_URL")
		conns[strings.ToLower(name)] = Connection{
			URL:    value,
			APIKey: os.Getenv(prefix + name + "_API_KEY"),
		}
	}
	return conns
}

func get(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getInt(key string, fallback int) int {
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

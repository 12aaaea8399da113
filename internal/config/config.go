package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Port          string
	AllowedOrigin string
	TerminalID    string

	BackendURL     string
	BackendToken   string
	BackendTimeout time.Duration

	LocalStore  string
	LocalDBPath string
	DatabaseURL string

	PushDriver    string
	PushURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AMQPURL       string

	ProbeInterval    time.Duration
	HeldFastInterval time.Duration
	HeldSlowInterval time.Duration
	SyncPollInterval time.Duration
	CatalogPageSize  int
	ReplayRate       float64
	ReplayBurst      int

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
}

// Load reads the environment, after merging an optional .env file. Variables
// already set in the environment win over the file.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] WARN: .env not loaded: %v", err)
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "720"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 720
	}
	replayRate, err := strconv.ParseFloat(getEnv("REPLAY_RATE_PER_SECOND", "5"), 64)
	if err != nil || replayRate < 0 {
		replayRate = 5
	}

	cfg := Config{
		Port:          getEnv("PORT", "8787"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		TerminalID:    getEnv("TERMINAL_ID", hostnameOr("terminal-1")),

		BackendURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("BACKEND_URL")), "/"),
		BackendToken:   strings.TrimSpace(os.Getenv("BACKEND_TOKEN")),
		BackendTimeout: seconds("BACKEND_TIMEOUT_SECONDS", 10, 1, 120),

		LocalStore:  strings.ToLower(getEnv("LOCAL_STORE", StoreSQLite)),
		LocalDBPath: getEnv("LOCAL_DB_PATH", "kasirinaja-terminal.db"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		PushDriver:    strings.ToLower(getEnv("PUSH_DRIVER", "none")),
		PushURL:       os.Getenv("PUSH_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,
		AMQPURL:       os.Getenv("AMQP_URL"),

		ProbeInterval:    seconds("CONNECTIVITY_PROBE_INTERVAL_SECONDS", 15, 1, 600),
		HeldFastInterval: seconds("HELD_FAST_INTERVAL_SECONDS", 5, 1, 300),
		HeldSlowInterval: seconds("HELD_SLOW_INTERVAL_SECONDS", 30, 1, 3600),
		SyncPollInterval: seconds("SYNC_POLL_INTERVAL_SECONDS", 30, 1, 3600),
		CatalogPageSize:  clampInt("CATALOG_PAGE_SIZE", 200, 10, 1000),
		ReplayRate:       replayRate,
		ReplayBurst:      clampInt("REPLAY_BURST", 5, 1, 100),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
	}
	if cfg.HeldSlowInterval < cfg.HeldFastInterval {
		cfg.HeldSlowInterval = cfg.HeldFastInterval
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func clampInt(key string, fallback int, min int, max int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func seconds(key string, fallback int, min int, max int) time.Duration {
	return time.Duration(clampInt(key, fallback, min, max)) * time.Second
}

func hostnameOr(fallback string) string {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		return fallback
	}
	return name
}

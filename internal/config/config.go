package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Document store
	StoreType   string // "postgres" | "redis" | "sqlite" | "memory"
	DatabaseURL string
	RedisURL    string
	SQLitePath  string

	// JWT
	JWTSecret string

	// Gemini AI
	GeminiAPIKey         string
	GeminiConcurrentReqs int

	// Completion pipeline
	CompletionHistoryTurns int
	CompletionMaxTokens    int
	CompletionRetryDelay   time.Duration

	// Speech
	SpeechCooldown time.Duration
	SpeechLanguage string

	// Persistence
	PersistWorkers int

	// Live sessions idle this long are ended; 0 disables.
	SessionIdleTimeout time.Duration

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                   getEnvOrDefault("PORT", "8080"),
		Env:                    getEnvOrDefault("ENV", "development"),
		StoreType:              getEnvOrDefault("STORE_TYPE", "postgres"),
		DatabaseURL:            getEnvOrDefault("DATABASE_URL", ""),
		RedisURL:               getEnvOrDefault("REDIS_URL", ""),
		SQLitePath:             getEnvOrDefault("SQLITE_PATH", "./data/companion.db"),
		JWTSecret:              mustGetEnv("JWT_SECRET"),
		GeminiAPIKey:           getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiConcurrentReqs:   getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5),
		CompletionHistoryTurns: getEnvAsIntOrDefault("COMPLETION_HISTORY_TURNS", 10),
		CompletionMaxTokens:    getEnvAsIntOrDefault("COMPLETION_MAX_TOKENS", 800),
		CompletionRetryDelay:   getEnvAsDurationOrDefault("COMPLETION_RETRY_DELAY", 4*time.Second),
		SpeechCooldown:         getEnvAsDurationOrDefault("SPEECH_COOLDOWN", 3*time.Second),
		SpeechLanguage:         getEnvOrDefault("SPEECH_LANGUAGE", "en-US"),
		PersistWorkers:         getEnvAsIntOrDefault("PERSIST_WORKERS", 2),
		SessionIdleTimeout:     getEnvAsDurationOrDefault("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		FrontendURL:            getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	if err := cfg.Validate(); err != nil {
		panic(err.Error())
	}

	return cfg
}

// Validate checks that the connection settings required by the selected
// document store are present.
func (c *Config) Validate() error {
	switch c.StoreType {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("required environment variable DATABASE_URL is not set (STORE_TYPE=postgres)")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("required environment variable REDIS_URL is not set (STORE_TYPE=redis)")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must not be empty (STORE_TYPE=sqlite)")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported STORE_TYPE %q", c.StoreType)
	}
	return nil
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return defaultVal
	}
	return d
}

package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal string
		expected   string
	}{
		{"uses env value", "TEST_VAR_1", "hello", "default", "hello"},
		{"uses default when empty", "TEST_VAR_2", "", "default", "default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestGetEnvAsIntOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal int
		expected   int
	}{
		{"parses integer", "TEST_INT_1", "42", 10, 42},
		{"uses default for empty", "TEST_INT_2", "", 10, 10},
		{"uses default for non-numeric", "TEST_INT_3", "abc", 10, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvAsIntOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %d, got %d", tc.expected, result)
			}
		})
	}
}

func TestMustGetEnv_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for missing required env var")
		}
	}()

	os.Unsetenv("NONEXISTENT_REQUIRED_VAR")
	mustGetEnv("NONEXISTENT_REQUIRED_VAR")
}

func TestMustGetEnv_ReturnsValue(t *testing.T) {
	os.Setenv("TEST_REQUIRED", "value123")
	defer os.Unsetenv("TEST_REQUIRED")

	result := mustGetEnv("TEST_REQUIRED")
	if result != "value123" {
		t.Errorf("Expected 'value123', got %q", result)
	}
}

func TestGetEnvAsDurationOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal time.Duration
		expected   time.Duration
	}{
		{"parses duration", "TEST_DUR_1", "1500ms", time.Second, 1500 * time.Millisecond},
		{"uses default for empty", "TEST_DUR_2", "", 4 * time.Second, 4 * time.Second},
		{"uses default for garbage", "TEST_DUR_3", "soon", 3 * time.Second, 3 * time.Second},
		{"uses default for negative", "TEST_DUR_4", "-2s", 3 * time.Second, 3 * time.Second},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvAsDurationOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %v, got %v", tc.expected, result)
			}
		})
	}
}

func TestValidate_StoreType(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"postgres needs url", Config{StoreType: "postgres"}, true},
		{"postgres with url", Config{StoreType: "postgres", DatabaseURL: "postgres://localhost/db"}, false},
		{"redis needs url", Config{StoreType: "redis"}, true},
		{"sqlite with path", Config{StoreType: "sqlite", SQLitePath: "/tmp/x.db"}, false},
		{"memory needs nothing", Config{StoreType: "memory"}, false},
		{"unknown type", Config{StoreType: "firestore"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORE_TYPE", "memory")

	cfg := Load()
	if cfg.CompletionHistoryTurns != 10 {
		t.Errorf("Expected 10 history turns, got %d", cfg.CompletionHistoryTurns)
	}
	if cfg.CompletionRetryDelay != 4*time.Second {
		t.Errorf("Expected 4s retry delay, got %v", cfg.CompletionRetryDelay)
	}
	if cfg.SpeechCooldown != 3*time.Second {
		t.Errorf("Expected 3s speech cooldown, got %v", cfg.SpeechCooldown)
	}
	if cfg.CompletionMaxTokens != 800 {
		t.Errorf("Expected 800 max tokens, got %d", cfg.CompletionMaxTokens)
	}
}

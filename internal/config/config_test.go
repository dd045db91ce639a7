package config

import (
	"strings"
	"testing"
	"time"
)

// validConfig returns a Config that passes Validate().
func validConfig() Config {
	return Config{
		GeminiAPIKeys:      []string{"key-one"},
		ChatModel:          "gemini-2.0-flash",
		VisionModel:        "gemini-2.0-flash",
		Chat:               GenerationParams{Temperature: 0.9, TopK: 1, TopP: 1, MaxOutputTokens: 2048},
		Vision:             GenerationParams{Temperature: 0.7, TopK: 32, TopP: 1, MaxOutputTokens: 2048},
		CacheCapacity:      100,
		CacheTTL:           time.Hour,
		CacheSweepInterval: 5 * time.Minute,
		HeartbeatInterval:  30 * time.Second,
		RetryBackoff:       time.Second,
		ReplayChunkSize:    50,
		ReplayChunkDelay:   50 * time.Millisecond,
		HistoryWindow:      20,
		FingerprintWindow:  3,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "no credentials",
			mutate:  func(c *Config) { c.GeminiAPIKeys = nil },
			wantErr: ErrNoCredentials,
		},
		{
			name:    "empty chat model",
			mutate:  func(c *Config) { c.ChatModel = "" },
			wantErr: ErrInvalidModelName,
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.Chat.Temperature = 3 },
			wantErr: ErrInvalidTemperature,
		},
		{
			name:    "zero cache capacity",
			mutate:  func(c *Config) { c.CacheCapacity = 0 },
			wantErr: ErrInvalidCacheCapacity,
		},
		{
			name:    "zero heartbeat interval",
			mutate:  func(c *Config) { c.HeartbeatInterval = 0 },
			wantErr: ErrInvalidInterval,
		},
		{
			name:    "zero history window",
			mutate:  func(c *Config) { c.HistoryWindow = 0 },
			wantErr: ErrInvalidWindow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr.Error()) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseKeyList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "newline separated",
			input: "k1\nk2\nk3\n",
			want:  []string{"k1", "k2", "k3"},
		},
		{
			name:  "comma separated",
			input: "k1, k2 ,k3",
			want:  []string{"k1", "k2", "k3"},
		},
		{
			name:  "blank lines dropped",
			input: "k1\n\n  \nk2",
			want:  []string{"k1", "k2"},
		},
		{
			name:  "empty input",
			input: "",
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := ParseKeyList(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseKeyList(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("key %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMarshalJSONMasksSecrets(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.GeminiAPIKeys = []string{"super-secret-gemini-key"}
	cfg.Search.APIKey = "super-secret-search-key"
	cfg.PostgresPassword = "super-secret-password"

	out := cfg.String()
	for _, secret := range []string{
		"super-secret-gemini-key",
		"super-secret-search-key",
		"super-secret-password",
	} {
		if strings.Contains(out, secret) {
			t.Errorf("String() leaked secret %q", secret)
		}
	}
	if !strings.Contains(out, maskedValue) {
		t.Error("String() should contain the mask placeholder")
	}
}

func TestConnURL(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PostgresHost = "db.internal"
	cfg.PostgresPort = 5433
	cfg.PostgresUser = "ember"
	cfg.PostgresPassword = "pw"
	cfg.PostgresDBName = "chat"
	cfg.PostgresSSLMode = "require"

	got := cfg.ConnURL()
	want := "postgres://ember:pw@db.internal:5433/chat?sslmode=require"
	if got != want {
		t.Errorf("ConnURL() = %q, want %q", got, want)
	}
}

package app

import (
	"os"
	"testing"
	"time"
)

// unsetEnv clears variables for one test; t.Setenv restores them afterwards.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	unsetEnv(t, "CHAT_STORE", "CHAT_DATABASE_URL", "CHAT_REDIS_URL", "CHAT_LOG_FORMAT", "CHAT_OP_TIMEOUT", "CHAT_ARCHIVE_RETENTION", "CHAT_JANITOR_INTERVAL", "CHAT_HTTP_ADDR")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.Store != StoreMemory || cfg.LogFormat != "json" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.OpTimeout != 5*time.Second || cfg.JanitorInterval != time.Hour || cfg.ArchiveRetention != 0 {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
}

func TestLoadConfig_StoreSelection(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		want    string
		wantErr bool
	}{
		{name: "database url implies postgres", env: map[string]string{"CHAT_DATABASE_URL": "postgres://x"}, want: StorePostgres},
		{name: "explicit sqlite", env: map[string]string{"CHAT_STORE": "SQLite", "CHAT_SQLITE_DSN": "file::memory:"}, want: StoreSQLite},
		{name: "explicit memory wins", env: map[string]string{"CHAT_STORE": "memory", "CHAT_DATABASE_URL": "postgres://x"}, want: StoreMemory},
		{name: "postgres without url", env: map[string]string{"CHAT_STORE": "postgres"}, wantErr: true},
		{name: "unknown store", env: map[string]string{"CHAT_STORE": "mongo"}, wantErr: true},
		{name: "unknown log format", env: map[string]string{"CHAT_LOG_FORMAT": "xml"}, wantErr: true},
		{name: "negative retention", env: map[string]string{"CHAT_ARCHIVE_RETENTION": "-1h"}, wantErr: true},
		{name: "bad duration", env: map[string]string{"CHAT_OP_TIMEOUT": "soon"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			unsetEnv(t, "CHAT_STORE", "CHAT_DATABASE_URL", "CHAT_SQLITE_DSN", "CHAT_LOG_FORMAT", "CHAT_ARCHIVE_RETENTION", "CHAT_OP_TIMEOUT")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := LoadConfig()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			if cfg.Store != tc.want {
				t.Fatalf("store=%q want %q", cfg.Store, tc.want)
			}
		})
	}
}

func TestLoadConfig_CORSOrigins(t *testing.T) {
	t.Setenv("CHAT_CORS_ALLOWED_ORIGINS", "https://player.example.com,https://staff.example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://staff.example.com" {
		t.Fatalf("origins=%v", cfg.CORSAllowedOrigins)
	}
}

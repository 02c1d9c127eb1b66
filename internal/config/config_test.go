package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HeartbeatInterval != 30*time.Second || cfg.AIRetryDelay != time.Second || cfg.AIModel != "gemini-2.0-flash" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("expected 1MiB body limit, got %d", cfg.MaxBodyBytes)
	}
}

func TestLoadReadsEnvFileWithoutOverridingEnvironment(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	content := "APPLYFEED_TEST_ONLY_MODEL=from-file\nAPPLYFEED_CORS_ORIGINS=https://a.example,https://b.example\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APPLYFEED_CORS_ORIGINS", "https://env.example")
	t.Cleanup(func() { _ = os.Unsetenv("APPLYFEED_TEST_ONLY_MODEL") })

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if os.Getenv("APPLYFEED_TEST_ONLY_MODEL") != "from-file" {
		t.Fatalf("expected env file to be applied")
	}
	if strings.Join(cfg.CORSOrigins, ",") != "https://env.example" {
		t.Fatalf("expected environment to win, got %v", cfg.CORSOrigins)
	}
}

func TestRecordStoreDSNProfiles(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "explicit dsn", cfg: Config{StoreDSN: "redis://localhost:6379/0", BackendProfile: "memory"}, want: "redis://localhost:6379/0"},
		{name: "default", cfg: Config{DataDir: "data"}, want: "file://" + filepath.Join("data", "applications.json")},
		{name: "memory", cfg: Config{BackendProfile: "memory"}, want: "memory://"},
		{name: "production", cfg: Config{BackendProfile: "production", ProductionDSN: "postgres://db/applyfeed"}, want: "postgres://db/applyfeed"},
		{name: "production without dsn", cfg: Config{BackendProfile: "prod"}, wantErr: true},
		{name: "unknown", cfg: Config{BackendProfile: "cloud"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cfg.RecordStoreDSN()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSettingsPath(t *testing.T) {
	if got := (&Config{DataDir: "d"}).SettingsPath(); got != filepath.Join("d", "settings.json") {
		t.Fatalf("unexpected settings path %q", got)
	}
	if got := (&Config{BackendProfile: "memory"}).SettingsPath(); got != "" {
		t.Fatalf("expected in-process settings for memory profile, got %q", got)
	}
	if got := (&Config{SettingsFile: "/etc/applyfeed.json", BackendProfile: "memory"}).SettingsPath(); got != "/etc/applyfeed.json" {
		t.Fatalf("expected explicit settings file, got %q", got)
	}
}

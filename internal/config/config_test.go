package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PORT")
	unsetEnvWithCleanup(t, "SERVER_PORT")
	unsetEnvWithCleanup(t, "STARTING_POINTS")
	unsetEnvWithCleanup(t, "OUTBOX_DISPATCH_SCHEDULE")
	setEnvWithCleanup(t, "STORE_DRIVER", "memory")
	setEnvWithCleanup(t, "JWT_SECRET", "s3cret")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.StartingPoints != 100 || cfg.MinItemPoints != 10 || cfg.MaxItemPoints != 200 || cfg.MaxItemImages != 5 {
		t.Fatalf("unexpected point defaults: %+v", cfg)
	}
	if cfg.EventsExchange != "rewear.events" || cfg.OutboxDispatchSchedule != "@every 2s" {
		t.Fatalf("unexpected messaging defaults: %q %q", cfg.EventsExchange, cfg.OutboxDispatchSchedule)
	}
	if !cfg.RunMigrations {
		t.Fatal("expected migrations to run by default")
	}
	if len(cfg.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", cfg.Warnings)
	}
}

func TestLoadConfig_InvalidNumbersFallBackWithWarning(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "STORE_DRIVER", "memory")
	setEnvWithCleanup(t, "JWT_SECRET", "s3cret")
	setEnvWithCleanup(t, "STARTING_POINTS", "lots")
	setEnvWithCleanup(t, "MAX_ITEM_IMAGES", "-3")
	setEnvWithCleanup(t, "MIN_ITEM_POINTS", "500")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StartingPoints != 100 {
		t.Fatalf("expected StartingPoints to fall back to 100, got %d", cfg.StartingPoints)
	}
	if cfg.MaxItemImages != 5 {
		t.Fatalf("expected MaxItemImages to fall back to 5, got %d", cfg.MaxItemImages)
	}
	if cfg.MinItemPoints != 10 || cfg.MaxItemPoints != 200 {
		t.Fatalf("expected inverted bounds to reset, got %d..%d", cfg.MinItemPoints, cfg.MaxItemPoints)
	}
	if len(cfg.Warnings) != 3 {
		t.Fatalf("expected three warnings, got %v", cfg.Warnings)
	}
}

func TestLoadConfig_PortOverrideAndEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("STORE_DRIVER=memory\nJWT_SECRET=from-file\nCORS_ALLOWED_ORIGINS=https://a.example, https://b.example\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	unsetEnvWithCleanup(t, "STORE_DRIVER")
	unsetEnvWithCleanup(t, "JWT_SECRET")
	unsetEnvWithCleanup(t, "CORS_ALLOWED_ORIGINS")
	setEnvWithCleanup(t, "PORT", "9999")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9999" {
		t.Fatalf("expected PORT to override SERVER_PORT, got %q", cfg.ServerPort)
	}
	if cfg.JWTSecret != "from-file" {
		t.Fatalf("expected JWT_SECRET from .env, got %q", cfg.JWTSecret)
	}
	if got := strings.Join(cfg.AllowedOrigins(), "|"); got != "https://a.example|https://b.example" {
		t.Fatalf("unexpected origins %q", got)
	}
}

func TestLoadConfig_RequiresDatabaseURLForPostgres(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "STORE_DRIVER", "postgres")
	setEnvWithCleanup(t, "JWT_SECRET", "s3cret")
	unsetEnvWithCleanup(t, "DATABASE_URL")

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected an error without DATABASE_URL")
	}
}

func TestLoadConfig_RequiresTokenVerification(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "STORE_DRIVER", "memory")
	unsetEnvWithCleanup(t, "JWT_SECRET")
	unsetEnvWithCleanup(t, "JWKS_URL")

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected an error without JWT_SECRET or JWKS_URL")
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}

func TestLoadConfig_ZeroStartingPointsFallsBack(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "STORE_DRIVER", "memory")
	setEnvWithCleanup(t, "JWT_SECRET", "s3cret")
	setEnvWithCleanup(t, "STARTING_POINTS", "0")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StartingPoints != 100 {
		t.Fatalf("expected StartingPoints to fall back to 100, got %d", cfg.StartingPoints)
	}
	if len(cfg.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", cfg.Warnings)
	}
}

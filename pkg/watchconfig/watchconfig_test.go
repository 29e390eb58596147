package watchconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/osquery-go/watchdog/pkg/limits"
)

func TestLoadDefaultsWithNoFlags(t *testing.T) {
	fs := FlagSet()
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WatchdogLevel != limits.Loose {
		t.Fatalf("expected default level Loose(0), got %d", cfg.WatchdogLevel)
	}
	if cfg.DisableWatchdog {
		t.Fatal("expected disable_watchdog to default false")
	}
}

func TestLoadSetsPackageDefaultLevel(t *testing.T) {
	fs := FlagSet()
	if err := fs.Parse([]string{"--watchdog_level=2"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WatchdogLevel != limits.Restrictive {
		t.Fatalf("expected Restrictive(2), got %d", cfg.WatchdogLevel)
	}
	if limits.DefaultLevel() != limits.Restrictive {
		t.Fatalf("expected pkg/limits default level updated to Restrictive, got %d", limits.DefaultLevel())
	}
}

func TestLoadMergesJSONCFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchdog.jsonc")
	body := []byte(`{
		// strictness level
		"watchdog_level": 3,
		"extension_socket": "/var/run/osquery.em" /* trailing comment */
	}`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	fs := FlagSet()
	if err := fs.Parse([]string{"--config_path=" + path}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WatchdogLevel != limits.Debug {
		t.Fatalf("expected Debug(3) from the jsonc file, got %d", cfg.WatchdogLevel)
	}
	if cfg.ExtensionSocket != "/var/run/osquery.em" {
		t.Fatalf("expected extension_socket from file, got %q", cfg.ExtensionSocket)
	}
}

func TestLoadMergesOptionalCollaboratorSettingsFromJSONCFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchdog.jsonc")
	body := []byte(`{
		"archive_s3_bucket": "watchdog-incidents",
		"archive_age_recipient": "age1exampleexampleexampleexampleexampleexampleexampleexamplex",
		"status_mirror_redis_addr": "127.0.0.1:6379",
		"sanity_policy": "resident > initial_footprint * 4",
		"extension_auth_secret": "0123456789abcdef0123456789abcdef",
		"extensions_autoload": ["/opt/watchdog-extensions/foo", "/opt/watchdog-extensions/bar"]
	}`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	fs := FlagSet()
	if err := fs.Parse([]string{"--config_path=" + path}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ArchiveS3Bucket != "watchdog-incidents" {
		t.Fatalf("expected archive_s3_bucket from file, got %q", cfg.ArchiveS3Bucket)
	}
	if cfg.StatusMirrorRedisAddr != "127.0.0.1:6379" {
		t.Fatalf("expected status_mirror_redis_addr from file, got %q", cfg.StatusMirrorRedisAddr)
	}
	if cfg.SanityPolicy == "" {
		t.Fatal("expected sanity_policy from file")
	}
	if cfg.ExtensionAuthSecret == "" {
		t.Fatal("expected extension_auth_secret from file")
	}
	if len(cfg.ExtensionPaths) != 2 || cfg.ExtensionPaths[0] != "/opt/watchdog-extensions/foo" || cfg.ExtensionPaths[1] != "/opt/watchdog-extensions/bar" {
		t.Fatalf("expected extensions_autoload from file, got %v", cfg.ExtensionPaths)
	}
}

func TestWatchAppliesLevelChangeOnFileEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchdog.jsonc")
	if err := os.WriteFile(path, []byte(`{"watchdog_level": 0}`), 0o644); err != nil {
		t.Fatal(err)
	}

	base := &Config{ConfigPath: path}
	changed := make(chan *Config, 1)
	if err := Watch(base, path, func(c *Config) { changed <- c }); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond) // let the fsnotify watch attach
	if err := os.WriteFile(path, []byte(`{"watchdog_level": 3}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case next := <-changed:
		if next.WatchdogLevel != limits.Debug {
			t.Fatalf("expected reloaded level Debug(3), got %d", next.WatchdogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not invoked after editing the watched file")
	}

	if limits.DefaultLevel() != limits.Debug {
		t.Fatalf("expected pkg/limits default level hot-reloaded to Debug, got %d", limits.DefaultLevel())
	}
}

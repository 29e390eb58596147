package launcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/osquery-go/watchdog/pkg/extauth"
	"github.com/osquery-go/watchdog/pkg/hermes"
	"github.com/osquery-go/watchdog/pkg/registry"
	"github.com/osquery-go/watchdog/pkg/shutdown"
)

func newTestLauncher(t *testing.T) (*Launcher, *shutdown.Coordinator) {
	t.Helper()
	reg := registry.New()
	coord := shutdown.New()
	l := &Launcher{
		registry: reg,
		shutdown: coord,
		logger:   hermes.NewSlogAdapter(),
		metrics:  hermes.NewNoopMetrics(),
	}
	return l, coord
}

func TestLaunchExtensionRejectsWorldWritableBinary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ext")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o777); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o777); err != nil {
		t.Fatal(err)
	}

	l, coord := newTestLauncher(t)
	_, err := l.LaunchExtension(context.Background(), path, "/tmp/sock", "3", "3", false)
	if err == nil {
		t.Fatal("expected an unsafe-permissions error, got nil")
	}
	lerr, ok := err.(*LaunchError)
	if !ok {
		t.Fatalf("expected *LaunchError, got %T", err)
	}
	if lerr.Kind != Unsafe {
		t.Fatalf("expected Unsafe, got %v", lerr.Kind)
	}
	if lerr.Code != unsafePermissionsCode {
		t.Fatalf("expected code %d, got %d", unsafePermissionsCode, lerr.Code)
	}
	if !coord.Interrupted() {
		t.Fatal("expected unsafe extension permissions to request shutdown (spec.md §7)")
	}
	if coord.Code() != shutdown.ExitFailure {
		t.Fatalf("expected ExitFailure, got %d", coord.Code())
	}
}

func TestLaunchExtensionSpawnsSafeBinary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ext")
	script := "#!/bin/sh\nsleep 5\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	l, _ := newTestLauncher(t)
	handle, err := l.LaunchExtension(context.Background(), path, "/tmp/sock", "3", "3", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handle.Valid() {
		t.Fatal("expected a valid handle")
	}
	defer handle.Kill()

	got := l.registry.GetExtensionPath(handle)
	if got == "" {
		t.Fatal("expected the registry to know this extension's path")
	}
}

func TestLaunchExtensionFatalSpawnFailureRequestsShutdown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist")

	l, coord := newTestLauncher(t)
	_, err := l.LaunchExtension(context.Background(), path, "s", "1", "1", false)
	if err == nil {
		t.Fatal("expected an error for a nonexistent binary")
	}
	// canonicalize fails before spawn is attempted for a missing file,
	// so this exercises the Unsafe path rather than Spawn — either way,
	// a bad extension binary is fatal to the whole agent.
	if !coord.Interrupted() {
		t.Fatal("expected shutdown to be requested")
	}
}

func TestLaunchExtensionMintsHandshakeTokenWhenAuthConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ext")
	argsFile := filepath.Join(dir, "args.txt")
	script := "#!/bin/sh\necho \"$@\" > " + argsFile + "\nsleep 5\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	secret := []byte("0123456789abcdef0123456789abcdef")
	minter, err := extauth.NewMinter(secret, 0)
	if err != nil {
		t.Fatal(err)
	}

	l, _ := newTestLauncher(t)
	l.SetAuthMinter(minter)

	handle, err := l.LaunchExtension(context.Background(), path, "/tmp/sock", "3", "3", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer handle.Kill()

	deadline := 0
	var raw []byte
	for deadline < 50 {
		raw, err = os.ReadFile(argsFile)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
		deadline++
	}
	if err != nil {
		t.Fatalf("extension never wrote its args: %v", err)
	}

	argv := string(raw)
	idx := strings.Index(argv, "--extension_auth_token=")
	if idx == -1 {
		t.Fatalf("expected a handshake token argument, got %q", argv)
	}

	token := strings.Fields(argv[idx+len("--extension_auth_token="):])[0]
	verifier := extauth.NewVerifier(secret, 0)
	gotPath, ok := verifier.Verify(token)
	if !ok {
		t.Fatal("expected the minted token to verify")
	}
	if gotPath != path {
		// canonicalize resolves symlinks; compare against the resolved path.
		resolved, _ := filepath.EvalSymlinks(path)
		if gotPath != resolved {
			t.Fatalf("expected token scoped to %q, got %q", path, gotPath)
		}
	}
}

func TestHashBinaryInvokesHookWithDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload")
	if err := os.WriteFile(path, []byte("identical-bytes"), 0o755); err != nil {
		t.Fatal(err)
	}

	l, _ := newTestLauncher(t)
	var gotPath string
	var gotDigest [32]byte
	l.SetHashHook(func(p string, d [32]byte) {
		gotPath = p
		gotDigest = d
	})

	l.hashBinary(path)

	if gotPath != path {
		t.Fatalf("expected hook called with %q, got %q", path, gotPath)
	}
	var zero [32]byte
	if gotDigest == zero {
		t.Fatal("expected a non-zero digest")
	}

	// Hashing twice must be deterministic.
	var second [32]byte
	l.SetHashHook(func(p string, d [32]byte) { second = d })
	l.hashBinary(path)
	if second != gotDigest {
		t.Fatal("expected the same digest on repeated hashing of identical bytes")
	}
}

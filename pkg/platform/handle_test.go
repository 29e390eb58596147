package platform

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestCheckStatusReportsExitedThenErrorsOnRecheck(t *testing.T) {
	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start /bin/true in this environment: %v", err)
	}

	h := NewHandle(cmd.Process)

	var status Status
	var code int
	var err error
	for i := 0; i < 200; i++ {
		status, code, err = h.CheckStatus(context.Background())
		if status != StillAlive {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err != nil {
		t.Fatalf("unexpected error on first CheckStatus: %v", err)
	}
	if status != Exited {
		t.Fatalf("expected Exited once the child ran to completion, got %v", status)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0 from /bin/true, got %d", code)
	}

	// The kernel no longer tracks this pid as our child: Wait4 now
	// returns ECHILD. A second CheckStatus must not synthesize a new
	// Exited(0) (which would silently overwrite the real exit status
	// already reported above) or a false StillAlive — it must look
	// like an invalid handle so watch() respawns instead of giving up.
	status, _, err = h.CheckStatus(context.Background())
	if status != StatusError {
		t.Fatalf("expected StatusError on re-check of an already-reaped child, got %v (err=%v)", status, err)
	}
	if err == nil {
		t.Fatal("expected a non-nil error on re-check of an already-reaped child")
	}
}

func TestCheckStatusInvalidHandle(t *testing.T) {
	h := &Handle{}
	status, _, err := h.CheckStatus(context.Background())
	if status != StatusError {
		t.Fatalf("expected StatusError for an invalid handle, got %v", status)
	}
	if err == nil {
		t.Fatal("expected a non-nil error for an invalid handle")
	}
}

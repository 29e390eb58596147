package registry

import (
	"testing"

	"github.com/osquery-go/watchdog/pkg/platform"
)

func TestAddExtensionThenHasExtension(t *testing.T) {
	r := New()
	if r.HasExtension("/opt/ext/foo") {
		t.Fatal("expected no extension registered yet")
	}
	r.AddExtension("/opt/ext/foo")
	if !r.HasExtension("/opt/ext/foo") {
		t.Fatal("expected the added extension to be tracked")
	}

	snaps := r.ExtensionSnapshot()
	if len(snaps) != 1 || snaps[0].Path != "/opt/ext/foo" {
		t.Fatalf("expected one snapshot for the added path, got %v", snaps)
	}
	if snaps[0].Handle.Valid() {
		t.Fatal("expected a fresh extension to start as an invalid placeholder")
	}
}

func TestAddExtensionIsIdempotentUnderRepeatedRegistration(t *testing.T) {
	r := New()
	r.AddExtension("/opt/ext/foo")
	r.SetExtension("/opt/ext/foo", platform.Invalid{})
	r.AddExtension("/opt/ext/foo")

	snaps := r.ExtensionSnapshot()
	if len(snaps) != 1 {
		t.Fatalf("expected re-adding an already-tracked path to leave exactly one entry, got %v", snaps)
	}
}

func TestRemoveExtensionDropsBothMaps(t *testing.T) {
	r := New()
	r.AddExtension("/opt/ext/foo")
	r.RemoveExtension("/opt/ext/foo")
	if r.HasExtension("/opt/ext/foo") {
		t.Fatal("expected the removed extension to no longer be tracked")
	}
	if len(r.ExtensionSnapshot()) != 0 {
		t.Fatal("expected no snapshots after removal")
	}
}

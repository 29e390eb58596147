package container

import "testing"

func TestContainerIDBookkeeping(t *testing.T) {
	l := &Launcher{byPid: make(map[int]string)}

	pid := -1
	l.byPid[pid] = "abc123"

	id, ok := l.containerID(pid)
	if !ok || id != "abc123" {
		t.Fatalf("expected to resolve pid %d to abc123, got %q ok=%v", pid, id, ok)
	}

	l.forget(pid)
	if _, ok := l.containerID(pid); ok {
		t.Fatal("expected pid to be forgotten after forget()")
	}
}

func TestHandleValidity(t *testing.T) {
	h := &Handle{containerID: "abc123", pid: -7}
	if !h.Valid() {
		t.Fatal("expected a handle with a non-empty container ID to be valid")
	}

	empty := &Handle{}
	if empty.Valid() {
		t.Fatal("expected a zero-value handle to be invalid")
	}

	other := &Handle{containerID: "abc123", pid: -9}
	if !h.Equal(other) {
		t.Fatal("expected handles with the same container ID to be equal regardless of pid")
	}
}

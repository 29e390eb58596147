package statusmirror

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestSnapshotRoundTripsThroughJSON(t *testing.T) {
	snap := Snapshot{
		Hostname:           "host-a",
		WorkerRunning:      true,
		WorkerRestartCount: 3,
		Extensions:         []string{"/opt/ext/a.ext"},
		Timestamp:          time.Unix(1700000000, 0).UTC(),
	}

	body, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}

	var got Snapshot
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, snap)
	}
}

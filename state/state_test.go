package state

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestHash(t *testing.T) {
	got := Hash([]byte("a,b\n1,2"))
	if len(got) != 64 {
		t.Fatalf("Hash length = %d, want 64", len(got))
	}
	if got != Hash([]byte("a,b\n1,2")) {
		t.Error("Hash is not stable")
	}
	if got == Hash([]byte("a,b\n1,3")) {
		t.Error("different content produced the same hash")
	}
}

func TestMemoryTracker(t *testing.T) {
	tr := NewMemoryTracker()
	if tr.AlreadyDelivered("dir", "abc") {
		t.Fatal("empty tracker reports delivery")
	}
	if err := tr.MarkDelivered(Delivery{Sink: "dir", Hash: "abc"}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if !tr.AlreadyDelivered("dir", "abc") {
		t.Error("delivery not recorded")
	}
	if tr.AlreadyDelivered("gcs", "abc") {
		t.Error("delivery leaked to another sink")
	}
	if err := tr.MarkDelivered(Delivery{Sink: "dir"}); err != nil {
		t.Fatalf("MarkDelivered without hash: %v", err)
	}
	if got := tr.Snapshot().Delivered; got != 1 {
		t.Errorf("Delivered = %d, want 1", got)
	}
}

func TestFileTrackerPersists(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewFileTracker(dir)
	if err != nil {
		t.Fatalf("NewFileTracker: %v", err)
	}

	d := Delivery{Sink: "dir", Hash: "abc", Filename: "report.csv", RunID: "run-1", DeliveredAt: time.Now().UTC()}
	if err := tr.MarkDelivered(d); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := tr.MarkDelivered(d); err != nil {
		t.Fatalf("MarkDelivered duplicate: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(tr.Path())
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 1 {
		t.Errorf("state file has %d lines, want 1", lines)
	}

	reopened, err := NewFileTracker(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if !reopened.AlreadyDelivered("dir", "abc") {
		t.Error("delivery lost across restart")
	}
}

func TestFileTrackerRejectsCorruptState(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/"+fileName, []byte("{not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileTracker(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewFileTrackerRequiresDir(t *testing.T) {
	if _, err := NewFileTracker(" "); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

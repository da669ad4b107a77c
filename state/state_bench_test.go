package state

import (
	"fmt"
	"testing"
	"time"
)

func BenchmarkFileTracker_MarkDelivered(b *testing.B) {
	tracker, err := NewFileTracker(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	defer tracker.Close()

	now := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d := Delivery{Sink: "dir", Hash: fmt.Sprintf("hash-%d", i), Filename: "report.csv", RunID: "bench", DeliveredAt: now}
		if err := tracker.MarkDelivered(d); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFileTracker_AlreadyDelivered(b *testing.B) {
	tracker, err := NewFileTracker(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	defer tracker.Close()

	for i := 0; i < 1000; i++ {
		if err := tracker.MarkDelivered(Delivery{Sink: "gcs", Hash: fmt.Sprintf("hash-%d", i)}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = tracker.AlreadyDelivered("gcs", fmt.Sprintf("hash-%d", i%1000))
	}
}

func BenchmarkFileTracker_Load(b *testing.B) {
	dir := b.TempDir()
	tracker, err := NewFileTracker(dir)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 10000; i++ {
		if err := tracker.MarkDelivered(Delivery{Sink: "dir", Hash: fmt.Sprintf("hash-%d", i)}); err != nil {
			b.Fatal(err)
		}
	}
	if err := tracker.Close(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		t, err := NewFileTracker(dir)
		if err != nil {
			b.Fatal(err)
		}
		_ = t.Close()
	}
}

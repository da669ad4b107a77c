package filter

import (
	"testing"
)

// BenchmarkFilter_Matches_NoCriteria benchmarks the filter when no criteria are active
func BenchmarkFilter_Matches_NoCriteria(b *testing.B) {
	f, err := New(Options{})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Matches("Reports <reports@example.com>", "Weekly Report")
	}
}

// BenchmarkFilter_Matches_ManySenders benchmarks sender matching with several candidates
func BenchmarkFilter_Matches_ManySenders(b *testing.B) {
	f, err := New(Options{
		Senders:         []string{"alice@example.com", "bob@example.com", "carol@example.com", "reports@example.com"},
		SubjectContains: "report",
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Matches("Reports <reports@example.com>", "Weekly Report")
	}
}

// BenchmarkFilter_AllowsFilename benchmarks the extension lookup
func BenchmarkFilter_AllowsFilename(b *testing.B) {
	f, err := New(Options{})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.AllowsFilename("Monthly Numbers.XLSX")
	}
}

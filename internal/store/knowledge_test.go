package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *KnowledgeStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err, "failed to open store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndSearch(t *testing.T) {
	s := openStore(t)

	records := []string{
		"deployed candidate abc for worker.go: replace blocking sleep, actual improvement 12%",
		"analysis of registry.go: complexity=18 risk=medium opportunities=[scored selection]",
		"candidate def failed deployment: syntax check failed",
	}
	if err := s.Add(records); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	t.Run("keyword match", func(t *testing.T) {
		results, err := s.Search("blocking sleep improvement", 10)
		require.NoError(t, err)
		require.Len(t, results, 1, "want the sleep record only")
		require.Equal(t, records[0], results[0])
	})

	t.Run("empty query returns newest records", func(t *testing.T) {
		results, err := s.Search("", 2)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) != 2 {
			t.Errorf("results = %d, want limit of 2", len(results))
		}
	})

	t.Run("no match returns nothing", func(t *testing.T) {
		results, err := s.Search("completely unrelated topic", 10)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("results = %v, want none", results)
		}
	})
}

func TestAddDeduplicates(t *testing.T) {
	s := openStore(t)

	record := "deployed candidate abc: improvement 5%"
	if err := s.Add([]string{record, record}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Add([]string{record}); err != nil {
		t.Fatalf("second Add failed: %v", err)
	}

	results, err := s.Search("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want 1 after deduplication", len(results))
	}
}

func TestAddSkipsBlankRecords(t *testing.T) {
	s := openStore(t)

	if err := s.Add([]string{"", "   ", "real record"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	results, err := s.Search("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("results = %v, want only the real record", results)
	}
}

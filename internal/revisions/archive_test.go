package revisions

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"manuscript/api/internal/store"
)

func baseManifest() Manifest {
	return Manifest{
		Title:      "Sparse Graph Sketches",
		AuthorLine: "A. Lovelace, C. Babbage",
		Authors: []store.Author{
			{Name: "A. Lovelace", Affiliation: "Analytical Society", Roles: []string{"corresponding author"}},
		},
		Abstract: "We study sketches.",
		Subject:  "cs.DS",
		Type:     "article",
		FileURL:  "memory://manuscripts/ab/abc.pdf",
		FileHash: "abc",
		FileExt:  ".pdf",
		Status:   "pending",
		Pool:     []string{"j1", "j2"},
	}
}

func TestArchiveLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	archive := New(tempDir)

	first, err := archive.Record("ms-1", baseManifest(), "Ada Lovelace", "Submit manuscript")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if first.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if _, err := os.Stat(filepath.Join(tempDir, "ms-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	revised := baseManifest()
	revised.FileHash = "def"
	revised.FileURL = "memory://manuscripts/de/def.pdf"
	if _, err := archive.Record("ms-1", revised, "Ada Lovelace", "Resubmit: fixed proofs"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	history, err := archive.History("ms-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(history))
	}
	if history[0].Message != "Resubmit: fixed proofs" {
		t.Fatalf("newest revision first, got %q", history[0].Message)
	}
	if !reflect.DeepEqual(history[0].Changed, []string{"file"}) {
		t.Fatalf("changed = %v, want [file]", history[0].Changed)
	}
	if history[1].Author != "Ada Lovelace" {
		t.Fatalf("author = %q", history[1].Author)
	}

	manifest, err := archive.ManifestAt("ms-1", first.Hash)
	if err != nil {
		t.Fatalf("ManifestAt() error = %v", err)
	}
	if manifest.FileHash != "abc" || len(manifest.Authors) != 1 {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}

	limited, err := archive.History("ms-1", 1)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d entries", len(limited))
	}
}

func TestHistoryOfUnknownManuscriptIsEmpty(t *testing.T) {
	archive := New(t.TempDir())
	history, err := archive.History("missing", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
}

func TestRemoveDropsRepository(t *testing.T) {
	tempDir := t.TempDir()
	archive := New(tempDir)
	if _, err := archive.Record("ms-1", baseManifest(), "Ada", "Submit manuscript"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := archive.Remove("ms-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "ms-1")); !os.IsNotExist(err) {
		t.Fatalf("repo directory still present: %v", err)
	}
}

func TestChangedFields(t *testing.T) {
	from := baseManifest()
	tests := []struct {
		name   string
		mutate func(*Manifest)
		want   []string
	}{
		{name: "identical", mutate: func(*Manifest) {}, want: []string{}},
		{name: "admit locks venue and clears pool", mutate: func(m *Manifest) {
			m.Status = "published"
			m.Venue = "j2"
			m.Pool = nil
		}, want: []string{"status", "venue", "pool"}},
		{name: "extension change counts as file", mutate: func(m *Manifest) { m.FileExt = ".docx" }, want: []string{"file"}},
		{name: "empty and nil funds are equal", mutate: func(m *Manifest) { m.FundIDs = []string{} }, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to := baseManifest()
			tt.mutate(&to)
			if got := ChangedFields(from, to); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ChangedFields() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConcurrentRecordsAreSerialized(t *testing.T) {
	archive := New(t.TempDir())
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			manifest := baseManifest()
			manifest.Abstract = fmt.Sprintf("revision %d", i)
			if _, err := archive.Record("ms-1", manifest, "Ada", fmt.Sprintf("edit %d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Record() error = %v", err)
	}
	history, err := archive.History("ms-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 8 {
		t.Fatalf("expected 8 revisions, got %d", len(history))
	}
}

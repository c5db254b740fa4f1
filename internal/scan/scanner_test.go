package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/probe"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/state"
)

type fakeProber struct {
	meta   map[string]*probe.Metadata
	calls  int
	failOn string
}

func (f *fakeProber) Probe(_ context.Context, path, _ string) (*probe.Metadata, error) {
	f.calls++
	if path == f.failOn {
		return nil, errors.New("probe failed")
	}
	if meta, ok := f.meta[path]; ok {
		copied := *meta
		return &copied, nil
	}
	return &probe.Metadata{DurationSec: 60, Width: 1920, Height: 1080, VideoCodec: "h264"}, nil
}

func newScanFixture(t *testing.T) (*Scanner, *state.Store, *fakeProber, string, string) {
	t.Helper()
	dir := t.TempDir()

	store, err := state.Open(filepath.Join(dir, "state.json"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	media := filepath.Join(dir, "media")
	if err := os.MkdirAll(media, 0o755); err != nil {
		t.Fatal(err)
	}

	entryID := domain.NewEntryID()
	err = store.Mutate(func(doc *domain.Document) error {
		doc.Entries = append(doc.Entries, domain.Entry{ID: entryID, Name: "media", Path: media})
		return nil
	})
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	prober := &fakeProber{meta: map[string]*probe.Metadata{}}
	scanner := New(store, prober, probe.NewCache(nil, nil), 2, nil)
	return scanner, store, prober, entryID, media
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanEntryDiscoversMediaFiles(t *testing.T) {
	scanner, store, _, entryID, media := newScanFixture(t)
	writeFile(t, filepath.Join(media, "a.mkv"), "aaaa")
	writeFile(t, filepath.Join(media, "b.mp4"), "bbbbbbbb")
	writeFile(t, filepath.Join(media, "notes.txt"), "ignored")

	result, err := scanner.ScanEntry(context.Background(), entryID)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Found != 2 {
		t.Fatalf("expected 2 files found, got %d", result.Found)
	}

	store.View(func(doc *domain.Document) {
		if len(doc.Items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(doc.Items))
		}
		for _, item := range doc.Items {
			if item.EntryID != entryID {
				t.Errorf("item %s has entry %q", item.Path, item.EntryID)
			}
			if item.ScanAt == "" {
				t.Errorf("item %s was not probed", item.Path)
			}
			if item.Height != 1080 {
				t.Errorf("item %s height = %d", item.Path, item.Height)
			}
			if item.Status != domain.ItemIdle {
				t.Errorf("new item %s status = %q", item.Path, item.Status)
			}
		}
		if doc.ScanStatus.Active {
			t.Error("scanStatus still active after finish")
		}
		if doc.ScanStatus.Done != 2 || doc.ScanStatus.Total != 2 {
			t.Errorf("scanStatus done/total = %d/%d", doc.ScanStatus.Done, doc.ScanStatus.Total)
		}
		if doc.ScanStatus.FinishedAt == "" {
			t.Error("scanStatus missing finishedAt")
		}
		if entry := doc.FindEntry(entryID); entry.LastScanAt == "" {
			t.Error("entry lastScanAt not set")
		}
	})
}

func TestScanEntryUnknownEntry(t *testing.T) {
	scanner, _, _, _, _ := newScanFixture(t)
	_, err := scanner.ScanEntry(context.Background(), "ent_missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestScanSkipsUnchangedFingerprint(t *testing.T) {
	scanner, _, prober, entryID, media := newScanFixture(t)
	writeFile(t, filepath.Join(media, "a.mkv"), "aaaa")

	if _, err := scanner.ScanEntry(context.Background(), entryID); err != nil {
		t.Fatal(err)
	}
	first := prober.calls

	if _, err := scanner.ScanEntry(context.Background(), entryID); err != nil {
		t.Fatal(err)
	}
	if prober.calls != first {
		t.Fatalf("unchanged file was re-probed: %d -> %d calls", first, prober.calls)
	}
}

func TestRescanAfterExternalEdit(t *testing.T) {
	scanner, store, prober, entryID, media := newScanFixture(t)
	path := filepath.Join(media, "movie.mkv")
	writeFile(t, path, "original content")

	if _, err := scanner.ScanEntry(context.Background(), entryID); err != nil {
		t.Fatal(err)
	}

	// Mark ready between scans; a rescan must preserve it.
	err := store.Mutate(func(doc *domain.Document) error {
		doc.Items[0].Ready = true
		doc.Items[0].Status = domain.ItemQueued
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "replaced with a much longer body than before")
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	prober.meta[path] = &probe.Metadata{DurationSec: 120, Width: 1280, Height: 720, VideoCodec: "hevc"}

	if _, err := scanner.ScanEntry(context.Background(), entryID); err != nil {
		t.Fatal(err)
	}

	store.View(func(doc *domain.Document) {
		item := doc.Items[0]
		if item.Height != 720 || item.VideoCodec != "hevc" {
			t.Errorf("metadata not refreshed: height=%d codec=%q", item.Height, item.VideoCodec)
		}
		if item.MTime != future.Unix() {
			t.Errorf("mtime not refreshed: %d", item.MTime)
		}
		if !item.Ready || item.Status != domain.ItemQueued {
			t.Errorf("ready/status not preserved: ready=%v status=%q", item.Ready, item.Status)
		}
	})
}

func TestScanProbeFailureKeepsItem(t *testing.T) {
	scanner, store, prober, entryID, media := newScanFixture(t)
	path := filepath.Join(media, "broken.avi")
	writeFile(t, path, "xxxx")
	prober.failOn = path

	if _, err := scanner.ScanEntry(context.Background(), entryID); err != nil {
		t.Fatal(err)
	}

	store.View(func(doc *domain.Document) {
		if len(doc.Items) != 1 {
			t.Fatalf("expected item despite probe failure, got %d", len(doc.Items))
		}
		item := doc.Items[0]
		if item.ScanAt == "" {
			t.Error("scanAt not set on probe failure")
		}
		if item.Height != 0 {
			t.Errorf("unexpected metadata: height=%d", item.Height)
		}
	})
}

func TestConcurrentScanConflicts(t *testing.T) {
	scanner, _, _, entryID, _ := newScanFixture(t)
	scanner.mu.Lock()
	scanner.busy = true
	scanner.mu.Unlock()

	_, err := scanner.ScanEntry(context.Background(), entryID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

package worker

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// noopCoordinator accepts every progress report and discards it.
func noopCoordinator(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, nil)
}

func TestResolveOutputAdoptsSingleSibling(t *testing.T) {
	cacheDir := t.TempDir()
	declared := filepath.Join(cacheDir, "job_1_out.mp4")

	// HandBrake wrote .mkv despite the declared .mp4 output.
	actual := filepath.Join(cacheDir, "job_1_out.mkv")
	if err := os.WriteFile(actual, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := resolveOutput(cacheDir, "job_1", declared)
	if err != nil {
		t.Fatal(err)
	}
	if got != actual {
		t.Fatalf("adopted %q, want %q", got, actual)
	}
}

func TestResolveOutputPrefersDeclared(t *testing.T) {
	cacheDir := t.TempDir()
	declared := filepath.Join(cacheDir, "job_1_out.mkv")
	if err := os.WriteFile(declared, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := resolveOutput(cacheDir, "job_1", declared)
	if err != nil || got != declared {
		t.Fatalf("got %q err %v", got, err)
	}
}

func TestResolveOutputMissing(t *testing.T) {
	cacheDir := t.TempDir()
	if _, err := resolveOutput(cacheDir, "job_1", filepath.Join(cacheDir, "job_1_out.mkv")); err == nil {
		t.Fatal("expected error for missing output")
	}

	// Two candidates are as bad as none.
	for _, name := range []string{"job_2_out.mkv", "job_2_out.mp4"} {
		if err := os.WriteFile(filepath.Join(cacheDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := resolveOutput(cacheDir, "job_2", filepath.Join(cacheDir, "job_2_out.avi")); err == nil {
		t.Fatal("expected error for ambiguous outputs")
	}
}

func TestInstallCopiesAndRenames(t *testing.T) {
	runner := NewExecutor(noopCoordinator(t), nil, nil)
	dir := t.TempDir()

	output := filepath.Join(dir, "job_1_out.mkv")
	payload := bytes.Repeat([]byte("media"), 1000)
	if err := os.WriteFile(output, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "library", "movie.mkv")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	// An old file at the destination gets replaced atomically.
	if err := os.WriteFile(dest, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runner.install(context.Background(), "job_1", output, dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("installed content differs from output")
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func TestInstallCancelledLeavesDestinationAlone(t *testing.T) {
	runner := NewExecutor(noopCoordinator(t), nil, nil)
	dir := t.TempDir()

	output := filepath.Join(dir, "job_1_out.mkv")
	if err := os.WriteFile(output, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(dir, "movie.mkv")
	if err := os.WriteFile(dest, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runner.install(ctx, "job_1", output, dest); err == nil {
		t.Fatal("expected cancellation error")
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "old" {
		t.Fatal("destination touched despite cancel")
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func TestCopyWithProgressRoundTrip(t *testing.T) {
	runner := NewExecutor(noopCoordinator(t), nil, nil)
	dir := t.TempDir()

	src := filepath.Join(dir, "src.bin")
	payload := bytes.Repeat([]byte{0xAB}, 3*copyChunkSize+17)
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "dst.bin")
	if err := runner.copyWithProgress(context.Background(), "job_1", src, dst, 2, 12, "Copying"); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("copy corrupted the payload")
	}
}

func TestResetDirClearsExistingEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale_src.mkv"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := resetDir(dir); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("cache not emptied: %d entries", len(entries))
	}
}

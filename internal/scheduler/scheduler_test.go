package scheduler

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/state"
)

type fixture struct {
	store *state.Store
	sched *Scheduler
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	f := &fixture{
		store: store,
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sched = New(store, nil)
	f.sched.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) seedItem(t *testing.T, ready bool, status domain.ItemStatus) string {
	t.Helper()
	id := domain.NewItemID()
	err := f.store.Mutate(func(doc *domain.Document) error {
		if doc.FindEntry("ent_fix") == nil {
			doc.Entries = append(doc.Entries, domain.Entry{
				ID: "ent_fix", Name: "fixture", Path: "/media/fix", Args: "--encoder nvenc_h265",
			})
		}
		doc.Items = append(doc.Items, domain.Item{
			ID:        id,
			EntryID:   "ent_fix",
			Path:      fmt.Sprintf("/media/fix/%s.mkv", id),
			SizeBytes: 2_000_000_000,
			Ready:     ready,
			Status:    status,
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) claim(t *testing.T, workerID string) *ClaimResult {
	t.Helper()
	result, err := f.sched.Claim(ClaimInput{WorkerID: workerID, WorkerName: workerID})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return result
}

func TestClaimPicksFirstReadyQueuedItem(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, false, domain.ItemIdle)
	f.seedItem(t, true, domain.ItemDone)
	want := f.seedItem(t, true, domain.ItemQueued)

	result := f.claim(t, "wrk_a")
	if result == nil {
		t.Fatal("expected a claim")
	}
	if result.Item.ID != want {
		t.Fatalf("claimed %q, want %q", result.Item.ID, want)
	}
	if result.Job.Status != domain.JobClaimed {
		t.Fatalf("job status = %q", result.Job.Status)
	}
	if result.Entry == nil || result.Entry.ID != "ent_fix" {
		t.Fatal("entry not attached to claim")
	}
	if !strings.Contains(result.Args, "--encoder nvenc_h265") {
		t.Fatalf("entry args missing from %q", result.Args)
	}

	f.store.View(func(doc *domain.Document) {
		item := doc.FindItem(want)
		if item.Status != domain.ItemProcessing {
			t.Errorf("item status = %q", item.Status)
		}
		if item.LastJobID != result.Job.ID {
			t.Errorf("lastJobId = %q", item.LastJobID)
		}
	})
}

func TestClaimRegistersUnknownWorker(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, true, domain.ItemQueued)

	result := f.claim(t, "wrk_new")
	f.store.View(func(doc *domain.Document) {
		worker := doc.FindWorker("wrk_new")
		if worker == nil {
			t.Fatal("worker not registered on claim")
		}
		if worker.Status != domain.WorkerOnline {
			t.Errorf("worker status = %q", worker.Status)
		}
		if result.Job.WorkerID != worker.ID {
			t.Errorf("job bound to %q", result.Job.WorkerID)
		}
	})
}

func TestClaimEmptyQueueReturnsNil(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, true, domain.ItemDone)
	f.seedItem(t, false, domain.ItemQueued)

	if result := f.claim(t, "wrk_a"); result != nil {
		t.Fatalf("expected nil, claimed %+v", result.Item)
	}
}

func TestStartRejectsTerminalJob(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, true, domain.ItemQueued)
	result := f.claim(t, "wrk_a")

	if _, err := f.sched.Fail(result.Job.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	_, err := f.sched.Start(result.Job.ID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestProgressIgnoresNonFinitePct(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, true, domain.ItemQueued)
	result := f.claim(t, "wrk_a")

	pct := 42.0
	if _, _, err := f.sched.Progress(result.Job.ID, ProgressUpdate{Pct: &pct}); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		v := bad
		job, found, err := f.sched.Progress(result.Job.ID, ProgressUpdate{Pct: &v})
		if err != nil || !found {
			t.Fatalf("progress: found=%v err=%v", found, err)
		}
		if job.Progress.Pct != 42.0 {
			t.Fatalf("non-finite pct applied: %v", job.Progress.Pct)
		}
	}
}

func TestProgressMergesPartialFields(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, true, domain.ItemQueued)
	result := f.claim(t, "wrk_a")

	pct, eta := 10.0, 300.0
	f.sched.Progress(result.Job.ID, ProgressUpdate{Pct: &pct, EtaSec: &eta})

	tail := "Encoding: task 1 of 1, 10.00 %"
	job, _, err := f.sched.Progress(result.Job.ID, ProgressUpdate{LogTail: &tail})
	if err != nil {
		t.Fatal(err)
	}
	if job.Progress.Pct != 10.0 || job.Progress.EtaSec != 300.0 {
		t.Fatalf("earlier fields lost: %+v", job.Progress)
	}
	if job.Progress.LogTail != tail {
		t.Fatalf("logTail = %q", job.Progress.LogTail)
	}
}

func TestTruncateLogTail(t *testing.T) {
	if got := TruncateLogTail("short"); got != "short" {
		t.Fatalf("short tail changed: %q", got)
	}
	long := strings.Repeat("a", 250)
	got := TruncateLogTail(long)
	if len(got) != 203 || !strings.HasSuffix(got, "...") {
		t.Fatalf("len=%d suffix=%q", len(got), got[len(got)-5:])
	}
	exact := strings.Repeat("b", 200)
	if got := TruncateLogTail(exact); got != exact {
		t.Fatal("200-char tail must pass unchanged")
	}
}

func TestStaleJobFailsAfterMaxAge(t *testing.T) {
	f := newFixture(t)
	itemID := f.seedItem(t, true, domain.ItemQueued)
	result := f.claim(t, "wrk_a")
	f.sched.Start(result.Job.ID)

	f.advance(StaleMaxAge - time.Second)
	stale, _, err := f.sched.Reconcile()
	if err != nil || stale != 0 {
		t.Fatalf("premature stale: n=%d err=%v", stale, err)
	}

	f.advance(6 * time.Second)
	stale, _, err = f.sched.Reconcile()
	if err != nil || stale != 1 {
		t.Fatalf("stale not detected: n=%d err=%v", stale, err)
	}

	f.store.View(func(doc *domain.Document) {
		job := doc.FindJob(result.Job.ID)
		if job.Status != domain.JobFailed {
			t.Errorf("job status = %q", job.Status)
		}
		if job.Error != "Stale job (no updates for 185s)" {
			t.Errorf("error = %q", job.Error)
		}
		item := doc.FindItem(itemID)
		if item.Status != domain.ItemFailed || item.Ready {
			t.Errorf("item status=%q ready=%v", item.Status, item.Ready)
		}
	})

	// Second pass finds nothing new.
	stale, _, _ = f.sched.Reconcile()
	if stale != 0 {
		t.Fatalf("reconcile not idempotent: %d", stale)
	}
}

func TestStaleSkipsJobsWithLiveWorker(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, true, domain.ItemQueued)
	result := f.claim(t, "wrk_a")
	f.sched.Start(result.Job.ID)

	f.advance(StaleMaxAge + 20*time.Second)
	if _, err := f.sched.Heartbeat(HeartbeatInput{WorkerID: "wrk_a"}); err != nil {
		t.Fatal(err)
	}
	stale, _, _ := f.sched.Reconcile()
	if stale != 0 {
		t.Fatalf("job failed under a live worker: %d", stale)
	}

	// Grace expires, nothing else keeps the job alive.
	f.advance(WorkerGrace)
	stale, _, _ = f.sched.Reconcile()
	if stale != 1 {
		t.Fatalf("stale not detected after grace: %d", stale)
	}
}

func TestProgressResetsStaleClock(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, true, domain.ItemQueued)
	result := f.claim(t, "wrk_a")
	f.sched.Start(result.Job.ID)

	f.advance(StaleMaxAge - 10*time.Second)
	pct := 55.0
	f.sched.Progress(result.Job.ID, ProgressUpdate{Pct: &pct})

	f.advance(StaleMaxAge - 10*time.Second)
	stale, _, _ := f.sched.Reconcile()
	if stale != 0 {
		t.Fatalf("progress did not reset the stale clock: %d", stale)
	}
}

func TestPruneKeepsActiveAndRecentJobs(t *testing.T) {
	f := newFixture(t)
	now := f.now

	err := f.store.Mutate(func(doc *domain.Document) error {
		// 5 active jobs must always survive.
		for i := 0; i < 5; i++ {
			doc.Jobs = append(doc.Jobs, domain.Job{
				ID:           fmt.Sprintf("job_active%02d", i),
				Status:       domain.JobRunning,
				LastUpdateAt: domain.FormatISO(now),
			})
		}
		// 120 recent finished jobs, newest last.
		for i := 0; i < 120; i++ {
			doc.Jobs = append(doc.Jobs, domain.Job{
				ID:         fmt.Sprintf("job_recent%03d", i),
				Status:     domain.JobDone,
				FinishedAt: domain.FormatISO(now.Add(-time.Duration(120-i) * time.Minute)),
			})
		}
		// 80 finished jobs older than a day.
		for i := 0; i < 80; i++ {
			doc.Jobs = append(doc.Jobs, domain.Job{
				ID:         fmt.Sprintf("job_old%03d", i),
				Status:     domain.JobFailed,
				FinishedAt: domain.FormatISO(now.Add(-25*time.Hour - time.Duration(i)*time.Minute)),
			})
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_, pruned, err := f.sched.Reconcile()
	if err != nil {
		t.Fatal(err)
	}
	if pruned == 0 {
		t.Fatal("expected pruning")
	}

	f.store.View(func(doc *domain.Document) {
		var active, recent, old int
		for _, job := range doc.Jobs {
			switch {
			case strings.HasPrefix(job.ID, "job_active"):
				active++
			case strings.HasPrefix(job.ID, "job_recent"):
				recent++
			default:
				old++
			}
		}
		if active != 5 {
			t.Errorf("active kept = %d, want 5", active)
		}
		if recent != 100 {
			t.Errorf("recent kept = %d, want 100", recent)
		}
		if old != 50 {
			t.Errorf("old kept = %d, want 50", old)
		}
		// The newest recent job survives; the oldest recent ones go first.
		if doc.FindJob("job_recent119") == nil {
			t.Error("newest finished job pruned")
		}
		if doc.FindJob("job_recent000") != nil {
			t.Error("oldest recent job kept over newer ones")
		}
	})
}

func TestPruneNoopUnderLimit(t *testing.T) {
	f := newFixture(t)
	err := f.store.Mutate(func(doc *domain.Document) error {
		for i := 0; i < 100; i++ {
			doc.Jobs = append(doc.Jobs, domain.Job{
				ID:         fmt.Sprintf("job_%03d", i),
				Status:     domain.JobDone,
				FinishedAt: domain.FormatISO(f.now),
			})
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_, pruned, err := f.sched.Reconcile()
	if err != nil || pruned != 0 {
		t.Fatalf("pruned=%d err=%v", pruned, err)
	}
}

func TestCompleteRefreshesItemFromDiskFacts(t *testing.T) {
	f := newFixture(t)
	itemID := f.seedItem(t, true, domain.ItemQueued)
	result := f.claim(t, "wrk_a")
	f.sched.Start(result.Job.ID)

	reported := int64(900_000_000)
	_, err := f.sched.Complete(result.Job.ID, CompleteInput{
		OutputSizeBytes: &reported,
		File:            &FileFacts{SizeBytes: 899_000_000, MTimeSeconds: 1_750_000_000},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.store.View(func(doc *domain.Document) {
		item := doc.FindItem(itemID)
		if item.SizeBytes != 899_000_000 {
			t.Errorf("disk facts must win over the worker report: %d", item.SizeBytes)
		}
		if item.SourceFingerprint != "899000000:1750000000" {
			t.Errorf("fingerprint = %q", item.SourceFingerprint)
		}
		if item.TranscodeCount != 1 || item.LastTranscodeAt == "" {
			t.Errorf("transcode bookkeeping: count=%d at=%q", item.TranscodeCount, item.LastTranscodeAt)
		}
	})
}

func TestCancelOrDeleteActiveThenFinished(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, true, domain.ItemQueued)
	result := f.claim(t, "wrk_a")

	cancel, err := f.sched.CancelOrDelete(result.Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancel.OK || !cancel.CancelRequested {
		t.Fatalf("active job: %+v", cancel)
	}

	f.sched.Fail(result.Job.ID, "Cancelled by user")
	cancel, err = f.sched.CancelOrDelete(result.Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !cancel.OK {
		t.Fatalf("finished job: %+v", cancel)
	}
	f.store.View(func(doc *domain.Document) {
		if doc.FindJob(result.Job.ID) != nil {
			t.Error("job still present")
		}
	})
}

func TestHeartbeatRegistersAndMerges(t *testing.T) {
	f := newFixture(t)
	hours := []domain.WorkHours{{Start: "09:00", End: "17:00"}}
	within := true
	worker, err := f.sched.Heartbeat(HeartbeatInput{
		WorkerID:        "wrk_a",
		WorkerName:      "encoder",
		WorkHours:       &hours,
		WithinWorkHours: &within,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !worker.WithinWorkHours || worker.Status != domain.WorkerOnline {
		t.Fatalf("worker = %+v", worker)
	}

	// Name-only update keeps the window the worker reported before.
	worker, err = f.sched.Heartbeat(HeartbeatInput{WorkerID: "wrk_a", WorkerName: "encoder-2"})
	if err != nil {
		t.Fatal(err)
	}
	if worker.Name != "encoder-2" {
		t.Fatalf("name = %q", worker.Name)
	}
	if len(worker.WorkHours) != 1 || !worker.WithinWorkHours {
		t.Fatalf("omitted fields lost: %+v", worker)
	}
}

func TestHeartbeatRequiresWorkerID(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sched.Heartbeat(HeartbeatInput{WorkerName: "anon"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

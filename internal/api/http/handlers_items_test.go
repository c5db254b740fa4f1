package apihttp

import (
	"net/http"
	"testing"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/scheduler"
)

func TestItemReadyToggle(t *testing.T) {
	f := newAPIFixture(t)
	_, itemID := f.seedQueuedItem(t)

	rec := f.do(t, http.MethodPost, "/api/items/"+itemID+"/ready", map[string]bool{"ready": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var item domain.Item
	decodeBody(t, rec, &item)
	if item.Ready {
		t.Error("ready not cleared")
	}
	if item.Status != domain.ItemIdle {
		t.Errorf("status = %q, want idle", item.Status)
	}

	rec = f.do(t, http.MethodPost, "/api/items/"+itemID+"/ready", map[string]bool{"ready": true})
	decodeBody(t, rec, &item)
	if !item.Ready || item.Status != domain.ItemQueued {
		t.Errorf("ready=%v status=%q", item.Ready, item.Status)
	}
}

func TestItemReadyWhileProcessingConflicts(t *testing.T) {
	f := newAPIFixture(t)
	_, itemID := f.seedQueuedItem(t)
	f.do(t, http.MethodPost, "/api/jobs/claim", map[string]string{"workerId": "wrk_test"})

	rec := f.do(t, http.MethodPost, "/api/items/"+itemID+"/ready", map[string]bool{"ready": false})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestItemResetClearsFailure(t *testing.T) {
	f := newAPIFixture(t)
	_, itemID := f.seedQueuedItem(t)

	rec := f.do(t, http.MethodPost, "/api/jobs/claim", map[string]string{"workerId": "wrk_test"})
	var claim scheduler.ClaimResult
	decodeBody(t, rec, &claim)
	f.do(t, http.MethodPost, "/api/jobs/"+claim.Job.ID+"/fail", map[string]string{"error": "encoder crashed"})

	rec = f.do(t, http.MethodPost, "/api/items/"+itemID+"/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var item domain.Item
	decodeBody(t, rec, &item)
	if item.Status != domain.ItemIdle || item.LastError != "" || item.Ready {
		t.Errorf("reset left item status=%q lastError=%q ready=%v", item.Status, item.LastError, item.Ready)
	}
}

// A worker renames the installed file to .mkv mid-job and reports the new
// path; the processing state must not block that.
func TestItemPathUpdateAllowedWhileProcessing(t *testing.T) {
	f := newAPIFixture(t)
	_, itemID := f.seedQueuedItem(t)
	f.do(t, http.MethodPost, "/api/jobs/claim", map[string]string{"workerId": "wrk_test"})

	rec := f.do(t, http.MethodPost, "/api/items/"+itemID+"/path", map[string]string{"path": "/media/a/x.mkv"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var item domain.Item
	decodeBody(t, rec, &item)
	if item.Path != "/media/a/x.mkv" {
		t.Errorf("path = %q", item.Path)
	}
	if item.Status != domain.ItemProcessing {
		t.Errorf("status = %q", item.Status)
	}
}

func TestDeleteItemKeepsJobHistory(t *testing.T) {
	f := newAPIFixture(t)
	_, itemID := f.seedQueuedItem(t)
	rec := f.do(t, http.MethodPost, "/api/jobs/claim", map[string]string{"workerId": "wrk_test"})
	var claim scheduler.ClaimResult
	decodeBody(t, rec, &claim)
	f.do(t, http.MethodPost, "/api/jobs/"+claim.Job.ID+"/fail", map[string]string{"error": "boom"})

	rec = f.do(t, http.MethodDelete, "/api/items/"+itemID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	f.store.View(func(doc *domain.Document) {
		if doc.FindItem(itemID) != nil {
			t.Error("item still present")
		}
		if doc.FindJob(claim.Job.ID) == nil {
			t.Error("finished job removed with the item")
		}
	})
}

func TestDeleteProcessingItemConflicts(t *testing.T) {
	f := newAPIFixture(t)
	_, itemID := f.seedQueuedItem(t)
	f.do(t, http.MethodPost, "/api/jobs/claim", map[string]string{"workerId": "wrk_test"})

	rec := f.do(t, http.MethodDelete, "/api/items/"+itemID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestItemsFilterAndSort(t *testing.T) {
	f := newAPIFixture(t)
	entryID, _ := f.seedQueuedItem(t)
	otherEntry := domain.NewEntryID()
	err := f.store.Mutate(func(doc *domain.Document) error {
		doc.Entries = append(doc.Entries, domain.Entry{ID: otherEntry, Name: "other", Path: "/media/b"})
		doc.Items = append(doc.Items,
			domain.Item{
				ID: domain.NewItemID(), EntryID: entryID, Path: "/media/a/big.mkv",
				Status: domain.ItemIdle, Ratio: domain.Ratio{SavingsBytes: 900, SavingsPct: 10},
			},
			domain.Item{
				ID: domain.NewItemID(), EntryID: otherEntry, Path: "/media/b/y.mkv",
				Status: domain.ItemIdle, Ratio: domain.Ratio{SavingsBytes: 500, SavingsPct: 50},
			},
		)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/api/items?entryId="+otherEntry, nil)
	var items []domain.Item
	decodeBody(t, rec, &items)
	if len(items) != 1 || items[0].Path != "/media/b/y.mkv" {
		t.Fatalf("filter failed: %+v", items)
	}

	rec = f.do(t, http.MethodGet, "/api/items?sort=savingsBytes", nil)
	decodeBody(t, rec, &items)
	if len(items) != 3 || items[0].Path != "/media/a/big.mkv" {
		t.Fatalf("sort by savingsBytes failed, first = %q", items[0].Path)
	}

	rec = f.do(t, http.MethodGet, "/api/items?sort=savingsPct", nil)
	decodeBody(t, rec, &items)
	if items[0].Path != "/media/b/y.mkv" {
		t.Fatalf("sort by savingsPct failed, first = %q", items[0].Path)
	}
}

func TestConfigMergeAndValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/config", map[string]string{"baselineArgs": "-o /tmp/out"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for reserved baseline arg, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/config", map[string]string{"ffprobePath": "/opt/ffprobe"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var cfg domain.Config
	decodeBody(t, rec, &cfg)
	if cfg.FFProbePath != "/opt/ffprobe" {
		t.Errorf("ffprobePath = %q", cfg.FFProbePath)
	}
	if cfg.BaselineArgs == "" {
		t.Error("omitted baselineArgs was cleared")
	}
}

func TestTargetSampleLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	for _, mb := range []float64{8, 12} {
		rec := f.do(t, http.MethodPost, "/api/targets", map[string]float64{
			"height": 1080, "mbPerMin": mb,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	var cfg domain.Config
	f.store.View(func(doc *domain.Document) { cfg = doc.Config })
	if got := cfg.TargetMbPerMinByHeight["1080"]; got != 10 {
		t.Fatalf("target after two samples = %v, want 10", got)
	}

	rec := f.do(t, http.MethodPost, "/api/targets/clear", nil)
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Code)
	}
	decodeBody(t, rec, &cfg)
	if got := cfg.TargetMbPerMinByHeight["1080"]; got != 16 {
		t.Fatalf("target after clear = %v, want default 16", got)
	}
	if len(cfg.TargetSamplesByHeight) != 0 {
		t.Fatalf("samples not cleared: %+v", cfg.TargetSamplesByHeight)
	}

	rec = f.do(t, http.MethodPost, "/api/targets", map[string]float64{"height": 0, "mbPerMin": 5})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

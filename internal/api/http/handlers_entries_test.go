package apihttp

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/scan"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/scheduler"
)

func TestAddEntryDefaultsNameFromPath(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/entries", map[string]string{"path": "/media/shows/"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var entry domain.Entry
	decodeBody(t, rec, &entry)
	if entry.Name != "shows" {
		t.Errorf("name = %q", entry.Name)
	}
	if entry.Path != "/media/shows" {
		t.Errorf("path not cleaned: %q", entry.Path)
	}
	if entry.ID == "" || entry.CreatedAt == "" {
		t.Error("id/createdAt not assigned")
	}
}

func TestAddEntryRejectsReservedArgs(t *testing.T) {
	f := newAPIFixture(t)
	for _, args := range []string{"-i /tmp/x", "--input x", "-o out", "--output out"} {
		rec := f.do(t, http.MethodPost, "/api/entries", map[string]string{
			"path": "/media/a", "args": args,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("args %q: expected 400, got %d", args, rec.Code)
		}
	}
}

func TestAddEntryRequiresPath(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/entries", map[string]string{"name": "noname"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpdateEntryPartial(t *testing.T) {
	f := newAPIFixture(t)
	entryID, _ := f.seedQueuedItem(t)

	rec := f.do(t, http.MethodPatch, "/api/entries/"+entryID, map[string]string{"notes": "4k library"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entry domain.Entry
	decodeBody(t, rec, &entry)
	if entry.Notes != "4k library" {
		t.Errorf("notes = %q", entry.Notes)
	}
	if entry.Name != "media" || entry.Args != "--quality 22" {
		t.Errorf("omitted fields changed: name=%q args=%q", entry.Name, entry.Args)
	}
}

func TestDeleteEntryCascades(t *testing.T) {
	f := newAPIFixture(t)
	entryID, itemID := f.seedQueuedItem(t)

	// Finish a job so the cascade has history to remove.
	rec := f.do(t, http.MethodPost, "/api/jobs/claim", map[string]string{"workerId": "wrk_test"})
	var claim scheduler.ClaimResult
	decodeBody(t, rec, &claim)
	f.do(t, http.MethodPost, "/api/jobs/"+claim.Job.ID+"/fail", map[string]string{"error": "boom"})

	rec = f.do(t, http.MethodDelete, "/api/entries/"+entryID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	f.store.View(func(doc *domain.Document) {
		if doc.FindEntry(entryID) != nil {
			t.Error("entry still present")
		}
		if doc.FindItem(itemID) != nil {
			t.Error("item not cascaded")
		}
		if len(doc.Jobs) != 0 {
			t.Errorf("jobs not cascaded: %d left", len(doc.Jobs))
		}
	})
}

func TestDeleteEntryWithProcessingItemConflicts(t *testing.T) {
	f := newAPIFixture(t)
	entryID, _ := f.seedQueuedItem(t)
	f.do(t, http.MethodPost, "/api/jobs/claim", map[string]string{"workerId": "wrk_test"})

	rec := f.do(t, http.MethodDelete, "/api/entries/"+entryID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	f.store.View(func(doc *domain.Document) {
		if doc.FindEntry(entryID) == nil {
			t.Error("entry deleted despite conflict")
		}
	})
}

func TestScanEntryDelegatesToScanner(t *testing.T) {
	f := newAPIFixture(t)
	entryID, _ := f.seedQueuedItem(t)
	f.scan.result = scan.Result{Found: 3}

	rec := f.do(t, http.MethodPost, "/api/entries/"+entryID+"/scan", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result scan.Result
	decodeBody(t, rec, &result)
	if result.Found != 3 || result.EntryID != entryID {
		t.Errorf("unexpected result %+v", result)
	}
	if len(f.scan.scanned) != 1 || f.scan.scanned[0] != entryID {
		t.Errorf("scanner called with %v", f.scan.scanned)
	}
}

func TestScanEntryBusyConflicts(t *testing.T) {
	f := newAPIFixture(t)
	entryID, _ := f.seedQueuedItem(t)
	f.scan.err = fmt.Errorf("%w: scan already running", domain.ErrConflict)

	rec := f.do(t, http.MethodPost, "/api/entries/"+entryID+"/scan", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestScanEntryUnknownEntry(t *testing.T) {
	f := newAPIFixture(t)
	f.scan.err = domain.ErrNotFound
	rec := f.do(t, http.MethodPost, "/api/entries/ent_missing/scan", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

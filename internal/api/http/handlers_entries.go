package apihttp

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
)

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var entries []domain.Entry
		s.store.View(func(doc *domain.Document) {
			entries = append([]domain.Entry(nil), doc.Entries...)
		})
		if entries == nil {
			entries = []domain.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	case http.MethodPost:
		s.handleAddEntry(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type entryRequest struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Args string `json:"args"`
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	var body entryRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	if body.Path == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "path is required")
		return
	}
	if err := domain.ValidateEncoderArgs(body.Args); err != nil {
		writeDomainError(w, err)
		return
	}

	path := filepath.Clean(body.Path)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	name := body.Name
	if name == "" {
		name = filepath.Base(path)
	}

	var entry domain.Entry
	err := s.store.Mutate(func(doc *domain.Document) error {
		now := domain.NowISO()
		entry = domain.Entry{
			ID:        domain.NewEntryID(),
			Name:      name,
			Path:      path,
			Args:      body.Args,
			CreatedAt: now,
			UpdatedAt: now,
		}
		doc.Entries = append(doc.Entries, entry)
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleEntryByID(w http.ResponseWriter, r *http.Request) {
	parts := pathTail("/api/entries/", r.URL.Path)
	switch {
	case len(parts) == 1 && r.Method == http.MethodPatch:
		s.handleUpdateEntry(w, r, parts[0])
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteEntry(w, parts[0])
	case len(parts) == 2 && parts[1] == "scan" && r.Method == http.MethodPost:
		s.handleScanEntry(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type entryUpdate struct {
	Name  *string `json:"name"`
	Args  *string `json:"args"`
	Notes *string `json:"notes"`
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	var body entryUpdate
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	if body.Args != nil {
		if err := domain.ValidateEncoderArgs(*body.Args); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	var entry domain.Entry
	err := s.store.Mutate(func(doc *domain.Document) error {
		found := doc.FindEntry(entryID)
		if found == nil {
			return fmt.Errorf("%w: entry %s", domain.ErrNotFound, entryID)
		}
		if body.Name != nil {
			found.Name = *body.Name
		}
		if body.Args != nil {
			found.Args = *body.Args
		}
		if body.Notes != nil {
			found.Notes = *body.Notes
		}
		found.UpdatedAt = domain.NowISO()
		entry = *found
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleDeleteEntry removes an entry plus its items and their jobs. An
// entry with an item mid-encode cannot be deleted.
func (s *Server) handleDeleteEntry(w http.ResponseWriter, entryID string) {
	err := s.store.Mutate(func(doc *domain.Document) error {
		if doc.FindEntry(entryID) == nil {
			return fmt.Errorf("%w: entry %s", domain.ErrNotFound, entryID)
		}

		removed := map[string]bool{}
		for _, item := range doc.Items {
			if item.EntryID != entryID {
				continue
			}
			if item.Status == domain.ItemProcessing {
				return fmt.Errorf("%w: entry %s has processing items", domain.ErrConflict, entryID)
			}
			removed[item.ID] = true
		}

		items := doc.Items[:0]
		for _, item := range doc.Items {
			if item.EntryID != entryID {
				items = append(items, item)
			}
		}
		doc.Items = items

		jobs := doc.Jobs[:0]
		for _, job := range doc.Jobs {
			if !removed[job.ItemID] {
				jobs = append(jobs, job)
			}
		}
		doc.Jobs = jobs

		entries := doc.Entries[:0]
		for _, entry := range doc.Entries {
			if entry.ID != entryID {
				entries = append(entries, entry)
			}
		}
		doc.Entries = entries
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleScanEntry runs the scan inside the request; clients follow along
// via GET /api/scan-status.
func (s *Server) handleScanEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	if s.scanner == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "scanner not configured")
		return
	}
	result, err := s.scanner.ScanEntry(r.Context(), entryID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

package apihttp

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
)

// handleItems lists items, optionally filtered by entry and sorted by the
// predicted savings. List traffic doubles as the reconciliation trigger.
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, _, err := s.sched.Reconcile(); err != nil {
		writeDomainError(w, err)
		return
	}

	entryID := r.URL.Query().Get("entryId")
	sortKey := r.URL.Query().Get("sort")

	items := []domain.Item{}
	s.store.View(func(doc *domain.Document) {
		for _, item := range doc.Items {
			if entryID != "" && item.EntryID != entryID {
				continue
			}
			items = append(items, item)
		}
	})

	switch sortKey {
	case "savingsBytes":
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Ratio.SavingsBytes > items[j].Ratio.SavingsBytes
		})
	case "savingsPct":
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Ratio.SavingsPct > items[j].Ratio.SavingsPct
		})
	}

	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleItemByID(w http.ResponseWriter, r *http.Request) {
	parts := pathTail("/api/items/", r.URL.Path)
	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteItem(w, parts[0])
	case len(parts) == 2 && parts[1] == "ready" && r.Method == http.MethodPost:
		s.handleItemReady(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "reset" && r.Method == http.MethodPost:
		s.handleItemReset(w, parts[0])
	case len(parts) == 2 && parts[1] == "path" && r.Method == http.MethodPost:
		s.handleItemPath(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type readyRequest struct {
	Ready bool `json:"ready"`
}

func (s *Server) handleItemReady(w http.ResponseWriter, r *http.Request, itemID string) {
	var body readyRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	item, err := s.sched.SetReady(itemID, body.Ready)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleItemReset(w http.ResponseWriter, itemID string) {
	item, err := s.sched.ResetItem(itemID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type itemPathUpdate struct {
	Path string `json:"path"`
}

// handleItemPath moves an item to a new path. Allowed while processing:
// a worker calls this when the installed file changed extension.
func (s *Server) handleItemPath(w http.ResponseWriter, r *http.Request, itemID string) {
	var body itemPathUpdate
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	if body.Path == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "path is required")
		return
	}

	var item domain.Item
	err := s.store.Mutate(func(doc *domain.Document) error {
		found := doc.FindItem(itemID)
		if found == nil {
			return fmt.Errorf("%w: item %s", domain.ErrNotFound, itemID)
		}
		found.Path = body.Path
		item = *found
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleDeleteItem removes an idle item. Its finished jobs stay for
// history.
func (s *Server) handleDeleteItem(w http.ResponseWriter, itemID string) {
	err := s.store.Mutate(func(doc *domain.Document) error {
		item := doc.FindItem(itemID)
		if item == nil {
			return fmt.Errorf("%w: item %s", domain.ErrNotFound, itemID)
		}
		if item.Status == domain.ItemProcessing {
			return fmt.Errorf("%w: item %s is processing", domain.ErrConflict, itemID)
		}
		items := doc.Items[:0]
		for _, it := range doc.Items {
			if it.ID != itemID {
				items = append(items, it)
			}
		}
		doc.Items = items
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

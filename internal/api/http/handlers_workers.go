package apihttp

import (
	"fmt"
	"net/http"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/scheduler"
)

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	workers := []domain.Worker{}
	s.store.View(func(doc *domain.Document) {
		workers = append(workers, doc.Workers...)
	})
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleWorkerByID(w http.ResponseWriter, r *http.Request) {
	parts := pathTail("/api/workers/", r.URL.Path)
	if len(parts) != 1 || r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	workerID := parts[0]

	err := s.store.Mutate(func(doc *domain.Document) error {
		if doc.FindWorker(workerID) == nil {
			return fmt.Errorf("%w: worker %s", domain.ErrNotFound, workerID)
		}
		workers := doc.Workers[:0]
		for _, worker := range doc.Workers {
			if worker.ID != workerID {
				workers = append(workers, worker)
			}
		}
		doc.Workers = workers
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type heartbeatRequest struct {
	WorkerID        string              `json:"workerId"`
	WorkerName      string              `json:"workerName"`
	WorkHours       *[]domain.WorkHours `json:"workHours"`
	WithinWorkHours *bool               `json:"withinWorkHours"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body heartbeatRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	worker, err := s.sched.Heartbeat(scheduler.HeartbeatInput{
		WorkerID:        body.WorkerID,
		WorkerName:      body.WorkerName,
		WorkHours:       body.WorkHours,
		WithinWorkHours: body.WithinWorkHours,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

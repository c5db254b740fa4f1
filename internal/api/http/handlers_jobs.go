package apihttp

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/scheduler"
)

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body scheduler.ClaimInput
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	result, err := s.sched.Claim(body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleJobs lists jobs enriched with item and worker context for UIs.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, _, err := s.sched.Reconcile(); err != nil {
		writeDomainError(w, err)
		return
	}

	enriched := []map[string]json.RawMessage{}
	var encodeErr error
	s.store.View(func(doc *domain.Document) {
		itemsByID := make(map[string]*domain.Item, len(doc.Items))
		for i := range doc.Items {
			itemsByID[doc.Items[i].ID] = &doc.Items[i]
		}
		workersByID := make(map[string]*domain.Worker, len(doc.Workers))
		for i := range doc.Workers {
			workersByID[doc.Workers[i].ID] = &doc.Workers[i]
		}

		for _, job := range doc.Jobs {
			payload, err := enrichJob(job, itemsByID[job.ItemID], workersByID[job.WorkerID])
			if err != nil {
				encodeErr = err
				return
			}
			enriched = append(enriched, payload)
		}
	})
	if encodeErr != nil {
		writeDomainError(w, encodeErr)
		return
	}
	writeJSON(w, http.StatusOK, enriched)
}

// enrichJob flattens a job into a key bag so itemPath, itemStatus and
// workerName ride along without shadowing the job's own fields.
func enrichJob(job domain.Job, item *domain.Item, worker *domain.Worker) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	payload := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if item != nil {
		payload["itemPath"], _ = json.Marshal(item.Path)
		payload["itemStatus"], _ = json.Marshal(item.Status)
	}
	if worker != nil {
		payload["workerName"], _ = json.Marshal(worker.Name)
	}
	return payload, nil
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	count, err := s.sched.CancelAll()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "cancelRequested": count})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	parts := pathTail("/api/jobs/", r.URL.Path)
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetJob(w, parts[0])
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteJob(w, parts[0])
	case len(parts) == 2 && r.Method == http.MethodPost:
		switch parts[1] {
		case "start":
			s.handleJobStart(w, parts[0])
		case "progress":
			s.handleJobProgress(w, r, parts[0])
		case "complete":
			s.handleJobComplete(w, r, parts[0])
		case "fail":
			s.handleJobFail(w, r, parts[0])
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleGetJob returns the raw job record; workers poll it for the
// cancelRequested flag.
func (s *Server) handleGetJob(w http.ResponseWriter, jobID string) {
	var job *domain.Job
	s.store.View(func(doc *domain.Document) {
		if found := doc.FindJob(jobID); found != nil {
			copied := *found
			job = &copied
		}
	})
	if job == nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, jobID string) {
	result, err := s.sched.CancelOrDelete(jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleJobStart(w http.ResponseWriter, jobID string) {
	job, err := s.sched.Start(jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type progressRequest struct {
	Pct     *float64 `json:"pct"`
	EtaSec  *float64 `json:"etaSec"`
	LogTail *string  `json:"logTail"`
}

// handleJobProgress merges a progress report. Reports for unknown or
// terminal jobs answer 204 so a late worker never errors out.
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request, jobID string) {
	var body progressRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	job, found, err := s.sched.Progress(jobID, scheduler.ProgressUpdate{
		Pct:     body.Pct,
		EtaSec:  body.EtaSec,
		LogTail: body.LogTail,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type completeRequest struct {
	OutputSizeBytes *int64 `json:"outputSizeBytes"`
}

// handleJobComplete finishes a job. The restat and reprobe of the
// installed file happen here, outside the store lock; the scheduler then
// applies everything in one mutation.
func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request, jobID string) {
	var body completeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	var itemPath, ffprobePath string
	s.store.View(func(doc *domain.Document) {
		ffprobePath = doc.Config.FFProbePath
		if job := doc.FindJob(jobID); job != nil {
			if item := doc.FindItem(job.ItemID); item != nil {
				itemPath = item.Path
			}
		}
	})

	input := scheduler.CompleteInput{OutputSizeBytes: body.OutputSizeBytes}
	if itemPath != "" {
		if info, err := os.Stat(itemPath); err == nil {
			input.File = &scheduler.FileFacts{
				SizeBytes:    info.Size(),
				MTimeSeconds: info.ModTime().Unix(),
			}
			if s.prober != nil {
				if meta, err := s.prober.Probe(r.Context(), itemPath, ffprobePath); err == nil {
					input.Meta = meta
				}
			}
		}
	}

	job, err := s.sched.Complete(jobID, input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type failRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleJobFail(w http.ResponseWriter, r *http.Request, jobID string) {
	var body failRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	message := body.Error
	if message == "" {
		message = "failed"
	}
	job, err := s.sched.Fail(jobID, message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

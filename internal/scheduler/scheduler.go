// Package scheduler owns the item and job state machines: claiming work,
// recording worker progress, recovering from crashed workers, and bounding
// job history.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/catalog"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/metrics"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/probe"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/state"
)

const (
	// StaleMaxAge is how long a claimed or running job may go without an
	// update before reconciliation fails it.
	StaleMaxAge = 180 * time.Second
	// WorkerGrace protects jobs whose worker has heartbeat recently, even
	// when the job itself has gone quiet.
	WorkerGrace = 120 * time.Second

	historyMaxAge  = 24 * time.Hour
	maxJobs        = 100
	maxLogTailSize = 200
)

type Scheduler struct {
	store  *state.Store
	logger *slog.Logger
	Now    func() time.Time
}

func New(store *state.Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		logger: logger.With(slog.String("component", "scheduler")),
		Now:    time.Now,
	}
}

// ReconcileStaleJobs fails every active job whose worker has not heartbeat
// within WorkerGrace and whose own updates are older than StaleMaxAge.
// Idempotent; safe to run on every claim and list. Returns the number of
// jobs marked failed.
func ReconcileStaleJobs(doc *domain.Document, now time.Time) int {
	marked := 0
	for i := range doc.Jobs {
		job := &doc.Jobs[i]
		if !job.Status.Active() {
			continue
		}

		if worker := doc.FindWorker(job.WorkerID); worker != nil {
			if hb, ok := domain.ParseISO(worker.LastHeartbeatAt); ok {
				if now.Sub(hb) < WorkerGrace {
					continue
				}
			}
		}

		lastUpdate, ok := domain.ParseISO(job.LastUpdateAt)
		if !ok {
			lastUpdate, ok = domain.ParseISO(job.ClaimedAt)
		}
		if !ok {
			continue
		}
		age := now.Sub(lastUpdate)
		if age < StaleMaxAge {
			continue
		}

		job.Status = domain.JobFailed
		job.FinishedAt = domain.FormatISO(now)
		job.Error = fmt.Sprintf("Stale job (no updates for %ds)", int(age.Seconds()))
		if item := doc.FindItem(job.ItemID); item != nil {
			item.Status = domain.ItemFailed
			item.Ready = false
			item.LastError = job.Error
		}
		marked++
	}
	return marked
}

// PruneJobs bounds job history once the document holds more than maxJobs
// jobs: every active job survives, then the newest finished jobs younger
// than 24h up to 100, then up to 50 older entries as long-term history.
// Returns the number of jobs dropped.
func PruneJobs(doc *domain.Document, now time.Time) int {
	if len(doc.Jobs) <= maxJobs {
		return 0
	}

	var active, finished []domain.Job
	for _, job := range doc.Jobs {
		if job.Status.Active() {
			active = append(active, job)
		} else {
			finished = append(finished, job)
		}
	}

	sort.SliceStable(finished, func(i, j int) bool {
		return finishedTime(finished[i]).After(finishedTime(finished[j]))
	})

	kept := make([]domain.Job, 0, len(finished))
	older := 0
	for _, job := range finished {
		age := now.Sub(finishedTime(job))
		switch {
		case age < historyMaxAge && len(kept) < maxJobs:
			kept = append(kept, job)
		case age >= historyMaxAge && older < maxJobs/2:
			kept = append(kept, job)
			older++
		}
	}

	pruned := len(doc.Jobs) - len(active) - len(kept)
	if pruned <= 0 {
		return 0
	}
	doc.Jobs = append(active, kept...)
	return pruned
}

func finishedTime(job domain.Job) time.Time {
	if t, ok := domain.ParseISO(job.FinishedAt); ok {
		return t
	}
	if t, ok := domain.ParseISO(job.ClaimedAt); ok {
		return t
	}
	return time.Time{}
}

// Reconcile runs stale detection and pruning in one transaction. The
// background reconciler and the job/item list operations both call it.
func (s *Scheduler) Reconcile() (stale, pruned int, err error) {
	now := s.Now()
	err = s.store.Mutate(func(doc *domain.Document) error {
		stale = ReconcileStaleJobs(doc, now)
		pruned = PruneJobs(doc, now)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if stale > 0 {
		metrics.StaleJobsTotal.Add(float64(stale))
		metrics.JobsFailedTotal.Add(float64(stale))
		s.logger.Warn("stale jobs failed", slog.Int("count", stale))
	}
	if pruned > 0 {
		metrics.JobsPrunedTotal.Add(float64(pruned))
		s.logger.Info("job history pruned", slog.Int("count", pruned))
	}
	return stale, pruned, nil
}

type ClaimInput struct {
	WorkerID   string `json:"workerId"`
	WorkerName string `json:"workerName"`
}

type ClaimResult struct {
	Job   domain.Job    `json:"job"`
	Item  domain.Item   `json:"item"`
	Entry *domain.Entry `json:"entry"`
	Args  string        `json:"args"`
}

// Claim hands the next ready queued item to the calling worker. A nil
// result with a nil error means no work is available.
func (s *Scheduler) Claim(input ClaimInput) (*ClaimResult, error) {
	now := s.Now()
	var result *ClaimResult

	err := s.store.Mutate(func(doc *domain.Document) error {
		if n := ReconcileStaleJobs(doc, now); n > 0 {
			metrics.StaleJobsTotal.Add(float64(n))
			metrics.JobsFailedTotal.Add(float64(n))
		}

		worker := upsertClaimWorker(doc, input, now)

		var item *domain.Item
		for i := range doc.Items {
			if doc.Items[i].Ready && doc.Items[i].Status == domain.ItemQueued {
				item = &doc.Items[i]
				break
			}
		}
		if item == nil {
			return nil
		}

		entry := doc.FindEntry(item.EntryID)
		args := doc.Config.BaselineArgs
		if entry != nil && entry.Args != "" {
			args = strings.TrimSpace(args + " " + entry.Args)
		}

		job := domain.Job{
			ID:           domain.NewJobID(),
			ItemID:       item.ID,
			WorkerID:     worker.ID,
			Status:       domain.JobClaimed,
			ClaimedAt:    domain.FormatISO(now),
			LastUpdateAt: domain.FormatISO(now),
		}
		doc.Jobs = append(doc.Jobs, job)

		item.Status = domain.ItemProcessing
		item.LastJobID = job.ID
		item.LastError = ""

		result = &ClaimResult{Job: job, Item: *item, Args: args}
		if entry != nil {
			entryCopy := *entry
			result.Entry = &entryCopy
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result == nil {
		metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	s.logger.Info("job claimed",
		slog.String("job", result.Job.ID),
		slog.String("item", result.Item.Path),
		slog.String("worker", result.Job.WorkerID))
	return result, nil
}

// upsertClaimWorker resolves the claiming worker by id, then by name, and
// registers it when unknown. Either way its heartbeat is refreshed.
func upsertClaimWorker(doc *domain.Document, input ClaimInput, now time.Time) *domain.Worker {
	var worker *domain.Worker
	if input.WorkerID != "" {
		worker = doc.FindWorker(input.WorkerID)
	}
	if worker == nil && input.WorkerName != "" {
		worker = doc.FindWorkerByName(input.WorkerName)
	}
	if worker == nil {
		id := input.WorkerID
		if id == "" {
			id = domain.NewWorkerID()
		}
		name := input.WorkerName
		if name == "" {
			name = "worker"
		}
		doc.Workers = append(doc.Workers, domain.Worker{
			ID:              id,
			Name:            name,
			Status:          domain.WorkerOnline,
			LastHeartbeatAt: domain.FormatISO(now),
			WorkHours:       []domain.WorkHours{},
		})
		return &doc.Workers[len(doc.Workers)-1]
	}
	worker.Status = domain.WorkerOnline
	worker.LastHeartbeatAt = domain.FormatISO(now)
	return worker
}

// Start moves a claimed job to running.
func (s *Scheduler) Start(jobID string) (domain.Job, error) {
	now := s.Now()
	var out domain.Job
	err := s.store.Mutate(func(doc *domain.Document) error {
		job := doc.FindJob(jobID)
		if job == nil {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		if job.Status.Terminal() {
			return fmt.Errorf("%w: job %s already %s", domain.ErrConflict, jobID, job.Status)
		}
		job.Status = domain.JobRunning
		job.StartedAt = domain.FormatISO(now)
		job.LastUpdateAt = domain.FormatISO(now)
		out = *job
		return nil
	})
	return out, err
}

// ProgressUpdate carries the optional fields of a progress report; nil
// means "leave as is".
type ProgressUpdate struct {
	Pct     *float64
	EtaSec  *float64
	LogTail *string
}

// Progress merges a progress report into the job. Reports for unknown or
// already-terminal jobs are dropped silently (ok=false). Non-finite pct
// values are ignored; logTail is bounded to 200 characters.
func (s *Scheduler) Progress(jobID string, upd ProgressUpdate) (domain.Job, bool, error) {
	now := s.Now()
	var out domain.Job
	found := false
	err := s.store.Mutate(func(doc *domain.Document) error {
		job := doc.FindJob(jobID)
		if job == nil || job.Status.Terminal() {
			return nil
		}
		if upd.Pct != nil && isFinite(*upd.Pct) {
			job.Progress.Pct = *upd.Pct
		}
		if upd.EtaSec != nil {
			job.Progress.EtaSec = *upd.EtaSec
		}
		if upd.LogTail != nil {
			job.Progress.LogTail = TruncateLogTail(*upd.LogTail)
		}
		job.LastUpdateAt = domain.FormatISO(now)
		out = *job
		found = true
		return nil
	})
	return out, found, err
}

// TruncateLogTail bounds a log tail to 200 characters, marking the cut.
func TruncateLogTail(tail string) string {
	if len(tail) > maxLogTailSize {
		return tail[:maxLogTailSize] + "..."
	}
	return tail
}

func isFinite(v float64) bool {
	return v == v && v < 1e308 && v > -1e308
}

// FileFacts is what a fresh stat of the installed file observed.
type FileFacts struct {
	SizeBytes    int64
	MTimeSeconds int64
}

// CompleteInput carries everything Complete applies to the item: the
// worker-reported size plus the stat and probe results the handler
// gathered outside the store lock.
type CompleteInput struct {
	OutputSizeBytes *int64
	File            *FileFacts
	Meta            *probe.Metadata
}

// Complete finishes a job and refreshes its item: provisional size from the
// worker, then on-disk facts, then probed metadata, then a ratio recompute.
func (s *Scheduler) Complete(jobID string, input CompleteInput) (domain.Job, error) {
	now := s.Now()
	var out domain.Job
	err := s.store.Mutate(func(doc *domain.Document) error {
		job := doc.FindJob(jobID)
		if job == nil {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		if job.Status.Terminal() {
			return fmt.Errorf("%w: job %s already %s", domain.ErrConflict, jobID, job.Status)
		}
		item := doc.FindItem(job.ItemID)
		if item == nil {
			return fmt.Errorf("%w: item %s", domain.ErrNotFound, job.ItemID)
		}

		job.Status = domain.JobDone
		job.FinishedAt = domain.FormatISO(now)
		job.LastUpdateAt = domain.FormatISO(now)

		item.Status = domain.ItemDone
		item.Ready = false
		item.LastError = ""
		item.LastTranscodeAt = domain.FormatISO(now)
		item.TranscodeCount++
		applyRefresh(item, doc.Config, input, now)

		out = *job
		return nil
	})
	if err != nil {
		return out, err
	}
	metrics.JobsCompletedTotal.Inc()
	s.logger.Info("job completed", slog.String("job", jobID))
	return out, nil
}

// applyRefresh is the post-transcode item refresh: worker-reported size
// first, both overwritten by on-disk facts when the stat succeeded, then
// probed metadata, then scanAt and the ratio.
func applyRefresh(item *domain.Item, cfg domain.Config, input CompleteInput, now time.Time) {
	if input.OutputSizeBytes != nil {
		item.SizeBytes = *input.OutputSizeBytes
	}
	if input.File != nil {
		item.SizeBytes = input.File.SizeBytes
		item.MTime = input.File.MTimeSeconds
		item.SourceFingerprint = catalog.Fingerprint(input.File.SizeBytes, input.File.MTimeSeconds)
	}
	if input.Meta != nil {
		applyMetadata(item, *input.Meta)
	}
	item.ScanAt = domain.FormatISO(now)
	item.Ratio = catalog.ComputeRatio(*item, cfg)
}

// applyMetadata overwrites an item's probed fields.
func applyMetadata(item *domain.Item, meta probe.Metadata) {
	item.DurationSec = meta.DurationSec
	item.Width = meta.Width
	item.Height = meta.Height
	item.FPS = meta.FPS
	item.VideoCodec = meta.VideoCodec
	item.AudioCodecs = meta.AudioCodecs
	item.SubtitleLangs = meta.SubtitleLangs
	item.EncodedBy = meta.EncodedBy
	item.EncodedBySpacesaver = meta.EncodedBySpacesaver
}

// Fail finishes a job as failed and mirrors the error onto its item.
func (s *Scheduler) Fail(jobID, message string) (domain.Job, error) {
	now := s.Now()
	var out domain.Job
	err := s.store.Mutate(func(doc *domain.Document) error {
		job := doc.FindJob(jobID)
		if job == nil {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		if job.Status.Terminal() {
			return fmt.Errorf("%w: job %s already %s", domain.ErrConflict, jobID, job.Status)
		}
		job.Status = domain.JobFailed
		job.FinishedAt = domain.FormatISO(now)
		job.Error = message
		job.LastUpdateAt = domain.FormatISO(now)

		if item := doc.FindItem(job.ItemID); item != nil {
			item.Status = domain.ItemFailed
			item.LastError = message
			item.Ready = false
		}
		out = *job
		return nil
	})
	if err != nil {
		return out, err
	}
	metrics.JobsFailedTotal.Inc()
	s.logger.Info("job failed", slog.String("job", jobID), slog.String("error", message))
	return out, nil
}

// CancelResult mirrors the wire shape of DELETE /api/jobs/{id}: ok=true
// means the job record is gone, ok=false means it is active and has been
// asked to stop.
type CancelResult struct {
	OK              bool `json:"ok"`
	CancelRequested bool `json:"cancelRequested,omitempty"`
}

// CancelOrDelete asks an active job to stop, or removes a finished one
// and detaches lastJobId references to it.
func (s *Scheduler) CancelOrDelete(jobID string) (CancelResult, error) {
	now := s.Now()
	var result CancelResult
	err := s.store.Mutate(func(doc *domain.Document) error {
		job := doc.FindJob(jobID)
		if job == nil {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		if job.Status.Active() {
			requestCancel(job, now)
			result = CancelResult{OK: false, CancelRequested: true}
			return nil
		}

		jobs := doc.Jobs[:0]
		for _, j := range doc.Jobs {
			if j.ID != jobID {
				jobs = append(jobs, j)
			}
		}
		doc.Jobs = jobs
		for i := range doc.Items {
			if doc.Items[i].LastJobID == jobID {
				doc.Items[i].LastJobID = ""
			}
		}
		result = CancelResult{OK: true}
		return nil
	})
	return result, err
}

// CancelAll requests cancellation of every active job and reports how many
// were flagged.
func (s *Scheduler) CancelAll() (int, error) {
	now := s.Now()
	count := 0
	err := s.store.Mutate(func(doc *domain.Document) error {
		for i := range doc.Jobs {
			if doc.Jobs[i].Status.Active() {
				requestCancel(&doc.Jobs[i], now)
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("cancel requested for active jobs", slog.Int("count", count))
	}
	return count, nil
}

// requestCancel flips the monotonic cancel flag and leaves a visible trace
// in the job's progress.
func requestCancel(job *domain.Job, now time.Time) {
	job.CancelRequested = true
	job.Progress.LogTail = "Cancel requested"
	job.LastUpdateAt = domain.FormatISO(now)
}

// HeartbeatInput carries a worker heartbeat; nil fields are "not sent" and
// preserve whatever the coordinator already knows.
type HeartbeatInput struct {
	WorkerID        string
	WorkerName      string
	WorkHours       *[]domain.WorkHours
	WithinWorkHours *bool
}

// Heartbeat upserts the worker by id. Present fields overwrite, omitted
// fields are preserved; a brand-new worker defaults to withinWorkHours
// true so it is claimable until it reports otherwise.
func (s *Scheduler) Heartbeat(input HeartbeatInput) (domain.Worker, error) {
	if input.WorkerID == "" {
		return domain.Worker{}, fmt.Errorf("%w: workerId is required", domain.ErrValidation)
	}
	now := s.Now()
	var out domain.Worker
	err := s.store.Mutate(func(doc *domain.Document) error {
		worker := doc.FindWorker(input.WorkerID)
		if worker == nil {
			created := domain.Worker{
				ID:              input.WorkerID,
				Name:            "worker",
				Status:          domain.WorkerOnline,
				LastHeartbeatAt: domain.FormatISO(now),
				WorkHours:       []domain.WorkHours{},
				WithinWorkHours: true,
			}
			if input.WorkerName != "" {
				created.Name = input.WorkerName
			}
			if input.WorkHours != nil {
				created.WorkHours = *input.WorkHours
			}
			if input.WithinWorkHours != nil {
				created.WithinWorkHours = *input.WithinWorkHours
			}
			doc.Workers = append(doc.Workers, created)
			out = created
			return nil
		}

		if input.WorkerName != "" {
			worker.Name = input.WorkerName
		}
		worker.Status = domain.WorkerOnline
		worker.LastHeartbeatAt = domain.FormatISO(now)
		if input.WorkHours != nil {
			worker.WorkHours = *input.WorkHours
		}
		if input.WithinWorkHours != nil {
			worker.WithinWorkHours = *input.WithinWorkHours
		}
		out = *worker
		return nil
	})
	return out, err
}

// SetReady toggles an item between idle and queued. Items mid-encode
// cannot be toggled.
func (s *Scheduler) SetReady(itemID string, ready bool) (domain.Item, error) {
	var out domain.Item
	err := s.store.Mutate(func(doc *domain.Document) error {
		item := doc.FindItem(itemID)
		if item == nil {
			return fmt.Errorf("%w: item %s", domain.ErrNotFound, itemID)
		}
		if item.Status == domain.ItemProcessing {
			return fmt.Errorf("%w: item %s is processing", domain.ErrConflict, itemID)
		}
		item.Ready = ready
		if ready {
			item.Status = domain.ItemQueued
		} else {
			item.Status = domain.ItemIdle
		}
		out = *item
		return nil
	})
	return out, err
}

// ResetItem returns an item to idle and clears its error. Items mid-encode
// cannot be reset.
func (s *Scheduler) ResetItem(itemID string) (domain.Item, error) {
	var out domain.Item
	err := s.store.Mutate(func(doc *domain.Document) error {
		item := doc.FindItem(itemID)
		if item == nil {
			return fmt.Errorf("%w: item %s", domain.ErrNotFound, itemID)
		}
		if item.Status == domain.ItemProcessing {
			return fmt.Errorf("%w: item %s is processing", domain.ErrConflict, itemID)
		}
		item.Status = domain.ItemIdle
		item.Ready = false
		item.LastError = ""
		out = *item
		return nil
	})
	return out, err
}

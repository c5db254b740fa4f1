// Package scan walks a registered entry's root, keeps the item catalog in
// step with what is on disk, and publishes progress through the scanStatus
// singleton.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/catalog"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/metrics"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/probe"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/state"
)

// Prober is the slice of the probe package the scanner needs.
type Prober interface {
	Probe(ctx context.Context, path, ffprobePath string) (*probe.Metadata, error)
}

type Scanner struct {
	store  *state.Store
	prober Prober
	cache  *probe.Cache
	logger *slog.Logger
	Now    func() time.Time

	sem *semaphore.Weighted

	mu   sync.Mutex
	busy bool
}

func New(store *state.Store, prober Prober, cache *probe.Cache, concurrency int64, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scanner{
		store:  store,
		prober: prober,
		cache:  cache,
		logger: logger.With(slog.String("component", "scan")),
		Now:    time.Now,
		sem:    semaphore.NewWeighted(concurrency),
	}
}

type Result struct {
	Found   int    `json:"found"`
	EntryID string `json:"entryId"`
}

// scanFile is one walked path plus everything observed about it before the
// upsert mutation.
type scanFile struct {
	path        string
	sizeBytes   int64
	mtime       int64
	fingerprint string
	statErr     bool
	needsProbe  bool
	meta        *probe.Metadata
}

// ScanEntry walks the entry's root and upserts an item per media file.
// Probes run in parallel bounded by the scanner's semaphore, but items are
// applied in walk order. Only one scan runs at a time; a concurrent call
// fails with a conflict. Item readiness and status are never touched here.
func (s *Scanner) ScanEntry(ctx context.Context, entryID string) (Result, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: a scan is already running", domain.ErrConflict)
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	var (
		entryName   string
		entryPath   string
		ffprobePath string
		cfg         domain.Config
		byPath      map[string]domain.Item
		found       bool
	)
	s.store.View(func(doc *domain.Document) {
		entry := doc.FindEntry(entryID)
		if entry == nil {
			return
		}
		found = true
		entryName = entry.Name
		entryPath = entry.Path
		ffprobePath = doc.Config.FFProbePath
		cfg = doc.Config
		byPath = make(map[string]domain.Item, len(doc.Items))
		for _, item := range doc.Items {
			byPath[item.Path] = item
		}
	})
	if !found {
		return Result{}, fmt.Errorf("%w: entry %s", domain.ErrNotFound, entryID)
	}

	paths, err := catalog.ListMediaFiles(entryPath)
	if err != nil {
		return Result{}, fmt.Errorf("walk %s: %w", entryPath, err)
	}
	total := len(paths)
	startedAt := domain.FormatISO(s.Now())

	metrics.ScansTotal.Inc()
	s.logger.Info("scan started",
		slog.String("entry", entryID),
		slog.String("path", entryPath),
		slog.Int("files", total))

	if err := s.store.Mutate(func(doc *domain.Document) error {
		doc.ScanStatus = domain.ScanStatus{
			Active:    true,
			EntryID:   entryID,
			EntryName: entryName,
			Total:     total,
			Done:      0,
			StartedAt: startedAt,
			UpdatedAt: startedAt,
		}
		return nil
	}); err != nil {
		return Result{}, err
	}

	done := 0
	defer func() {
		finishErr := s.store.Mutate(func(doc *domain.Document) error {
			now := domain.FormatISO(s.Now())
			if entry := doc.FindEntry(entryID); entry != nil {
				entry.LastScanAt = now
				entry.UpdatedAt = now
			}
			doc.ScanStatus.Active = false
			doc.ScanStatus.Done = done
			doc.ScanStatus.CurrentPath = ""
			doc.ScanStatus.FinishedAt = now
			doc.ScanStatus.UpdatedAt = now
			return nil
		})
		if finishErr != nil {
			s.logger.Warn("scan finish mutation failed", slog.Any("error", finishErr))
		}
	}()

	files := s.observeFiles(ctx, paths, byPath, ffprobePath)

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return Result{Found: done, EntryID: entryID}, err
		}
		done++
		metrics.ScanFilesTotal.Inc()

		file := file
		current := done
		if err := s.store.Mutate(func(doc *domain.Document) error {
			if !file.statErr {
				upsertItem(doc, entryID, file, cfg, s.Now())
			}
			doc.ScanStatus.Done = current
			doc.ScanStatus.CurrentPath = file.path
			doc.ScanStatus.UpdatedAt = domain.FormatISO(s.Now())
			return nil
		}); err != nil {
			return Result{Found: done, EntryID: entryID}, err
		}
	}

	s.logger.Info("scan finished", slog.String("entry", entryID), slog.Int("found", total))
	return Result{Found: total, EntryID: entryID}, nil
}

// observeFiles stats every walked path and probes the ones whose
// fingerprint moved, bounded by the semaphore. The returned slice is in
// walk order regardless of probe completion order.
func (s *Scanner) observeFiles(ctx context.Context, paths []string, byPath map[string]domain.Item, ffprobePath string) []*scanFile {
	files := make([]*scanFile, len(paths))
	var wg sync.WaitGroup

	for i, path := range paths {
		file := &scanFile{path: path}
		files[i] = file

		info, err := os.Stat(path)
		if err != nil {
			file.statErr = true
			continue
		}
		file.sizeBytes = info.Size()
		file.mtime = info.ModTime().Unix()
		file.fingerprint = catalog.Fingerprint(file.sizeBytes, file.mtime)

		existing, known := byPath[path]
		file.needsProbe = !known || catalog.NeedsProbe(existing, file.fingerprint)
		if !file.needsProbe {
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.sem.Release(1)
			file.meta = s.probeFile(ctx, file.path, file.fingerprint, ffprobePath)
		}()
	}

	wg.Wait()
	return files
}

// probeFile resolves metadata through the cache. A failed probe returns nil
// and the item keeps whatever metadata it had.
func (s *Scanner) probeFile(ctx context.Context, path, fingerprint, ffprobePath string) *probe.Metadata {
	key := probe.CacheKey(path, fingerprint)
	if s.cache != nil {
		if meta, ok := s.cache.Lookup(ctx, key, s.Now()); ok {
			return meta
		}
	}
	meta, err := s.prober.Probe(ctx, path, ffprobePath)
	if err != nil {
		s.logger.Debug("probe failed", slog.String("path", path), slog.Any("error", err))
		return nil
	}
	if s.cache != nil && meta != nil {
		s.cache.Store(ctx, key, *meta, s.Now())
	}
	return meta
}

// upsertItem creates the item on first sight and, when the fingerprint
// moved or the item was never probed, applies the fresh stat, metadata and
// ratio. ready and status are preserved across rescans.
func upsertItem(doc *domain.Document, entryID string, file *scanFile, cfg domain.Config, now time.Time) {
	item := doc.FindItemByPath(file.path)
	if item == nil {
		doc.Items = append(doc.Items, domain.Item{
			ID:                domain.NewItemID(),
			EntryID:           entryID,
			Path:              file.path,
			SizeBytes:         file.sizeBytes,
			MTime:             file.mtime,
			SourceFingerprint: file.fingerprint,
			AudioCodecs:       []string{},
			SubtitleLangs:     []string{},
			Status:            domain.ItemIdle,
		})
		item = &doc.Items[len(doc.Items)-1]
	}

	if item.SourceFingerprint != file.fingerprint || item.ScanAt == "" {
		if file.meta != nil {
			item.DurationSec = file.meta.DurationSec
			item.Width = file.meta.Width
			item.Height = file.meta.Height
			item.FPS = file.meta.FPS
			item.VideoCodec = file.meta.VideoCodec
			item.AudioCodecs = file.meta.AudioCodecs
			item.SubtitleLangs = file.meta.SubtitleLangs
			item.EncodedBy = file.meta.EncodedBy
			item.EncodedBySpacesaver = file.meta.EncodedBySpacesaver
		}
		item.ScanAt = domain.FormatISO(now)
		item.SizeBytes = file.sizeBytes
		item.MTime = file.mtime
		item.SourceFingerprint = file.fingerprint
		item.Ratio = catalog.ComputeRatio(*item, cfg)
	}
}

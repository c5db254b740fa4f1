package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/metrics"
)

var ErrCorrupt = errors.New("state document corrupt")
var ErrIO = errors.New("state i/o failed")

// Store owns the state document. Every read and write goes through one
// exclusive lock held across the whole read-apply-persist cycle, so all
// mutations are serialized and a partial write is never observable: the
// document is marshaled in full and swapped in with a temp-and-rename.
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	doc *domain.Document
}

// Open loads the document at path, creating it with defaults when absent.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger.With(slog.String("component", "state"))}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.doc = domain.DefaultDocument()
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		s.logger.Info("initialized state document", slog.String("path", path))
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}

	doc := &domain.Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrCorrupt, path, err)
	}
	doc.EnsureDefaults()
	s.doc = doc
	s.logger.Info("loaded state document",
		slog.String("path", path),
		slog.Int("entries", len(doc.Entries)),
		slog.Int("items", len(doc.Items)),
		slog.Int("jobs", len(doc.Jobs)))
	return s, nil
}

// Path returns the canonical location of the state document.
func (s *Store) Path() string {
	return s.path
}

// Mutate runs fn against the live document and persists the result. When fn
// or the persist fails, nothing is written and the in-memory document is
// rolled back to its pre-mutation state.
func (s *Store) Mutate(fn func(doc *domain.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := clone(s.doc)
	if err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}
	if err := fn(s.doc); err != nil {
		s.doc = snapshot
		return err
	}
	if err := s.persistLocked(); err != nil {
		s.doc = snapshot
		return err
	}
	return nil
}

// View runs fn against the live document under the lock. fn must not retain
// references to the document or anything reachable from it past its return.
func (s *Store) View(fn func(doc *domain.Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.doc)
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		metrics.StatePersistErrorsTotal.Inc()
		return fmt.Errorf("%w: encode state: %v", ErrIO, err)
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			metrics.StatePersistErrorsTotal.Inc()
			return fmt.Errorf("%w: create %s: %v", ErrIO, dir, err)
		}
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		metrics.StatePersistErrorsTotal.Inc()
		return fmt.Errorf("%w: write %s: %v", ErrIO, s.path, err)
	}
	metrics.StatePersistsTotal.Inc()
	metrics.StateDocumentBytes.Set(float64(len(data)))
	return nil
}

func clone(doc *domain.Document) (*domain.Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := &domain.Document{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

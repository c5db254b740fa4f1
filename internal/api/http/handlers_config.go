package apihttp

import (
	"net/http"
	"strconv"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/catalog"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/probe"
)

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var cfg domain.Config
		s.store.View(func(doc *domain.Document) {
			cfg = doc.Config
		})
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPost:
		s.handleUpdateConfig(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type configUpdate struct {
	BaselineArgs           *string               `json:"baselineArgs"`
	FFProbePath            *string               `json:"ffprobePath"`
	TargetMbPerMinByHeight *map[string]float64   `json:"targetMbPerMinByHeight"`
	TargetSamplesByHeight  *map[string][]float64 `json:"targetSamplesByHeight"`
	AudioLangList          *[]string             `json:"audioLangList"`
	SubtitleLangList       *[]string             `json:"subtitleLangList"`
}

// handleUpdateConfig merges the fields present in the request; omitted
// fields keep their current values.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body configUpdate
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	if body.BaselineArgs != nil {
		if err := domain.ValidateEncoderArgs(*body.BaselineArgs); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	var cfg domain.Config
	err := s.store.Mutate(func(doc *domain.Document) error {
		if body.BaselineArgs != nil {
			doc.Config.BaselineArgs = *body.BaselineArgs
		}
		if body.FFProbePath != nil {
			doc.Config.FFProbePath = *body.FFProbePath
		}
		if body.TargetMbPerMinByHeight != nil {
			doc.Config.TargetMbPerMinByHeight = *body.TargetMbPerMinByHeight
		}
		if body.TargetSamplesByHeight != nil {
			doc.Config.TargetSamplesByHeight = *body.TargetSamplesByHeight
		}
		if body.AudioLangList != nil {
			doc.Config.AudioLangList = *body.AudioLangList
		}
		if body.SubtitleLangList != nil {
			doc.Config.SubtitleLangList = *body.SubtitleLangList
		}
		cfg = doc.Config
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var configured string
	s.store.View(func(doc *domain.Document) {
		configured = doc.Config.FFProbePath
	})
	path := probe.ResolveBinary(configured)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ffprobe": map[string]interface{}{
			"found": path != "",
			"path":  path,
		},
	})
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var status domain.ScanStatus
	s.store.View(func(doc *domain.Document) {
		status = doc.ScanStatus
	})
	writeJSON(w, http.StatusOK, status)
}

type targetSample struct {
	Height   int     `json:"height"`
	MbPerMin float64 `json:"mbPerMin"`
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body targetSample
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	if body.Height <= 0 || body.MbPerMin <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "height and mbPerMin must be positive")
		return
	}

	var count int
	var avg float64
	err := s.store.Mutate(func(doc *domain.Document) error {
		count, avg = catalog.AddTargetSample(&doc.Config, body.Height, body.MbPerMin)
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"height": strconv.Itoa(body.Height),
		"count":  count,
		"avg":    avg,
	})
}

// handleTargetsClear drops all collected samples and restores the default
// target map.
func (s *Server) handleTargetsClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var cfg domain.Config
	err := s.store.Mutate(func(doc *domain.Document) error {
		doc.Config.TargetSamplesByHeight = map[string][]float64{}
		doc.Config.TargetMbPerMinByHeight = domain.DefaultTargetMbPerMinByHeight()
		cfg = doc.Config
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

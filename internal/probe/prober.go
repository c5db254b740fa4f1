// Package probe extracts media metadata through ffprobe and caches the
// results keyed by file fingerprint.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/metrics"
)

// Metadata is what a successful probe learns about a media file. A nil
// *Metadata means the probe failed and the caller keeps whatever it had.
type Metadata struct {
	DurationSec         float64  `json:"durationSec"`
	Width               int      `json:"width"`
	Height              int      `json:"height"`
	FPS                 float64  `json:"fps"`
	VideoCodec          string   `json:"videoCodec"`
	AudioCodecs         []string `json:"audioCodecs"`
	SubtitleLangs       []string `json:"subtitleLangs"`
	EncodedBy           string   `json:"encodedBy"`
	EncodedBySpacesaver bool     `json:"encodedBySpacesaver"`
}

var ErrNoProber = errors.New("ffprobe not found")

type Prober struct {
	logger *slog.Logger
}

func NewProber(logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{logger: logger.With(slog.String("component", "probe"))}
}

// ResolveBinary returns the ffprobe executable to run: the explicit
// override when it exists, then FFPROBE_PATH, then $PATH.
func ResolveBinary(explicit string) string {
	for _, candidate := range []string{explicit, os.Getenv("FFPROBE_PATH")} {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	path, err := exec.LookPath("ffprobe")
	if err != nil {
		return ""
	}
	return path
}

// Probe runs ffprobe against path. ffprobePath overrides binary discovery
// when non-empty.
func (p *Prober) Probe(ctx context.Context, path, ffprobePath string) (*Metadata, error) {
	bin := ResolveBinary(ffprobePath)
	if bin == "" {
		return nil, ErrNoProber
	}

	metrics.ProbesTotal.Inc()
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		metrics.ProbeFailuresTotal.Inc()
		p.logger.Debug("ffprobe failed", slog.String("path", path), slog.Any("error", err))
		return nil, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}

	meta, err := ParseOutput(out)
	if err != nil {
		metrics.ProbeFailuresTotal.Inc()
		return nil, err
	}
	return meta, nil
}

type ffprobeStream struct {
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	Duration     string            `json:"duration"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	RFrameRate   string            `json:"r_frame_rate"`
	Tags         map[string]string `json:"tags"`
}

type ffprobeFormat struct {
	Duration string            `json:"duration"`
	Tags     map[string]string `json:"tags"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

// ParseOutput turns raw `ffprobe -print_format json` output into Metadata.
func ParseOutput(data []byte) (*Metadata, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	meta := &Metadata{AudioCodecs: []string{}, SubtitleLangs: []string{}}

	var video *ffprobeStream
	for i := range out.Streams {
		s := &out.Streams[i]
		switch s.CodecType {
		case "video":
			if video == nil {
				video = s
			}
		case "audio":
			if s.CodecName != "" {
				meta.AudioCodecs = append(meta.AudioCodecs, s.CodecName)
			}
		case "subtitle":
			if lang := s.Tags["language"]; lang != "" {
				meta.SubtitleLangs = append(meta.SubtitleLangs, NormalizeLang(lang))
			}
		}
	}

	duration := out.Format.Duration
	if duration == "" && video != nil {
		duration = video.Duration
	}
	if v, err := strconv.ParseFloat(duration, 64); err == nil {
		meta.DurationSec = v
	}

	if video != nil {
		meta.Width = video.Width
		meta.Height = video.Height
		meta.VideoCodec = video.CodecName
		meta.FPS = parseFrameRate(video.AvgFrameRate, video.RFrameRate)
	}

	tags := make(map[string]string, len(out.Format.Tags))
	for key, value := range out.Format.Tags {
		tags[strings.ToLower(key)] = value
	}
	for _, key := range []string{"encoded_by", "encodedby", "encoder"} {
		if tags[key] != "" {
			meta.EncodedBy = tags[key]
			break
		}
	}
	if strings.Contains(strings.ToLower(meta.EncodedBy), "mediaspacesaver") {
		meta.EncodedBySpacesaver = true
	}
	if strings.Contains(strings.ToLower(tags["comment"]), "spacesaver=1") {
		meta.EncodedBySpacesaver = true
	}
	return meta, nil
}

// parseFrameRate evaluates the stream's frame-rate fraction. avg_frame_rate
// wins when present even if it is the useless "0/0".
func parseFrameRate(avg, r string) float64 {
	raw := avg
	if raw == "" {
		raw = r
	}
	if raw == "" || raw == "0/0" {
		return 0
	}
	num, den, found := strings.Cut(raw, "/")
	if !found {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0
		}
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// NormalizeLang maps a stream language tag to its 3-letter ISO 639 code
// ("en" -> "eng"). Tags the parser rejects are kept verbatim.
func NormalizeLang(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	base, _ := tag.Base()
	if iso3 := base.ISO3(); iso3 != "" {
		return iso3
	}
	return lang
}

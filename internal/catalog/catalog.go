// Package catalog decides which files the coordinator tracks, when an item
// must be re-probed, and what a re-encode of it should gain.
package catalog

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
)

var mediaExtensions = map[string]struct{}{
	".mkv":  {},
	".mp4":  {},
	".mov":  {},
	".m4v":  {},
	".avi":  {},
	".mpg":  {},
	".mpeg": {},
	".ts":   {},
	".wmv":  {},
	".webm": {},
}

// IsMediaPath reports whether the file's lowercase extension marks it as
// tracked media.
func IsMediaPath(path string) bool {
	_, ok := mediaExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ListMediaFiles walks root and returns every regular media file beneath it
// in lexical order. A missing root yields an empty list, not an error;
// unreadable subtrees are skipped.
func ListMediaFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() && IsMediaPath(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Fingerprint identifies a file's content state cheaply: "{size}:{mtime}".
func Fingerprint(sizeBytes, mtimeSeconds int64) string {
	return strconv.FormatInt(sizeBytes, 10) + ":" + strconv.FormatInt(mtimeSeconds, 10)
}

// NeedsProbe reports whether the item's metadata can no longer be trusted:
// the on-disk fingerprint moved, or the item has never been probed.
func NeedsProbe(item domain.Item, fingerprint string) bool {
	return item.SourceFingerprint != fingerprint || item.ScanAt == ""
}

// ComputeRatio predicts the gain of re-encoding item at the configured
// per-height rate. The bucket is the smallest configured height >= the
// item's height, else the largest. Zero duration, size, height, or an
// empty target map yield a zero ratio.
func ComputeRatio(item domain.Item, cfg domain.Config) domain.Ratio {
	if item.DurationSec <= 0 || item.SizeBytes <= 0 || item.Height <= 0 {
		return domain.Ratio{}
	}
	buckets := cfg.TargetMbPerMinByHeight
	if len(buckets) == 0 {
		return domain.Ratio{}
	}

	heights := make([]int, 0, len(buckets))
	for key := range buckets {
		h, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		heights = append(heights, h)
	}
	if len(heights) == 0 {
		return domain.Ratio{}
	}
	sort.Ints(heights)

	pick := heights[len(heights)-1]
	for _, h := range heights {
		if item.Height <= h {
			pick = h
			break
		}
	}
	mbPerMin := buckets[strconv.Itoa(pick)]
	if mbPerMin <= 0 {
		return domain.Ratio{}
	}

	targetBytes := item.DurationSec / 60.0 * mbPerMin * 1024 * 1024
	savingsBytes := float64(item.SizeBytes) - targetBytes
	return domain.Ratio{
		TargetBytes:  int64(targetBytes),
		SavingsBytes: int64(savingsBytes),
		SavingsPct:   roundTo(savingsBytes/float64(item.SizeBytes), 4),
	}
}

// AddTargetSample appends one (height, mbPerMin) observation and resets the
// target for that height to the mean of its samples, rounded to one decimal.
// Returns the sample count and the new target.
func AddTargetSample(cfg *domain.Config, height int, mbPerMin float64) (int, float64) {
	key := strconv.Itoa(height)
	if cfg.TargetSamplesByHeight == nil {
		cfg.TargetSamplesByHeight = map[string][]float64{}
	}
	samples := append(cfg.TargetSamplesByHeight[key], mbPerMin)
	cfg.TargetSamplesByHeight[key] = samples

	var sum float64
	for _, v := range samples {
		sum += v
	}
	avg := roundTo(sum/float64(len(samples)), 1)

	if cfg.TargetMbPerMinByHeight == nil {
		cfg.TargetMbPerMinByHeight = map[string]float64{}
	}
	cfg.TargetMbPerMinByHeight[key] = avg
	return len(samples), avg
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

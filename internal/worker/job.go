package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const copyChunkSize = 1 << 20

// errCancelled marks a job aborted by a coordinator cancel request.
var errCancelled = errors.New("Cancelled by user")

// Executor runs one claimed job end to end: cache copy, encode, install,
// metadata remux, cleanup. All progress flows through the coordinator
// client; the status file mirrors it for the local UI.
type Executor struct {
	client *Client
	status *StatusFile
	logger *slog.Logger
}

func NewExecutor(client *Client, status *StatusFile, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client: client,
		status: status,
		logger: logger.With(slog.String("component", "executor")),
	}
}

// Execute runs the claimed job. A nil return means the coordinator was told
// "complete"; any error has already been wrapped for the fail report.
func (e *Executor) Execute(ctx context.Context, cfg Config, claim *Claim) error {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancellation watcher: the coordinator's polled flag becomes a
	// context so every chunk loop below can observe it.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if e.client.CancelRequested(ctx, claim.Job.ID) {
					e.logger.Info("cancel requested", slog.String("job", claim.Job.ID))
					cancel()
					return
				}
			}
		}
	}()

	err := e.run(jobCtx, cfg, claim)
	if jobCtx.Err() != nil && ctx.Err() == nil {
		return errCancelled
	}
	return err
}

func (e *Executor) run(ctx context.Context, cfg Config, claim *Claim) error {
	jobID := claim.Job.ID
	source := claim.Item.Path

	handbrake := FindHandBrake(cfg.HandbrakePath)
	if handbrake == "" {
		return errors.New("HandBrakeCLI not found")
	}

	// (a) Fresh cache.
	if err := resetDir(cfg.CacheDir); err != nil {
		return fmt.Errorf("prepare cache dir: %w", err)
	}
	e.postProgress(ctx, jobID, 5, -1, "Copying source to cache")

	// (b) Copy the source into the cache so the encode never reads the
	// library share directly.
	cachedSource := filepath.Join(cfg.CacheDir, jobID+"_src"+filepath.Ext(source))
	if err := e.copyWithProgress(ctx, jobID, source, cachedSource, 2, 12, "Copying source to cache"); err != nil {
		os.Remove(cachedSource)
		return err
	}

	// (c) Output container from the effective arguments.
	outputExt := outputExtFromArgs(claim.Args, filepath.Ext(source))
	output := filepath.Join(cfg.CacheDir, jobID+"_out"+outputExt)

	// (d) Encode.
	e.postProgress(ctx, jobID, 15, -1, "Encoding")
	tail := newRollingTail(tailLines)
	if err := e.encode(ctx, jobID, handbrake, cachedSource, output, claim.Args, tail); err != nil {
		if ctx.Err() != nil {
			return errCancelled
		}
		return err
	}

	// (e) Output adoption when HandBrake picked a different container.
	output, err := resolveOutput(cfg.CacheDir, jobID, output)
	if err != nil {
		return fmt.Errorf("%w; tail: %s", err, truncateTail(tail.String(), 2000))
	}

	// (f) Install over the library copy, standardized to .mkv.
	dest := strings.TrimSuffix(source, filepath.Ext(source)) + ".mkv"
	if err := e.install(ctx, jobID, output, dest); err != nil {
		return err
	}

	// (g) Stamp ownership so rescans recognize our output.
	e.postProgress(ctx, jobID, 96, -1, "Tagging metadata")
	if err := e.remuxMetadata(ctx, cfg, dest); err != nil {
		return err
	}

	// (h) The install may have changed the extension; the original file and
	// the coordinator's path both need to catch up.
	if dest != source {
		if err := os.Remove(source); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove original: %w", err)
		}
		if err := e.client.UpdateItemPath(ctx, claim.Item.ID, dest); err != nil {
			return err
		}
	}

	// (i) Cleanup is best effort; a stray cache file costs disk, not
	// correctness.
	os.Remove(cachedSource)
	os.Remove(output)
	e.postProgress(ctx, jobID, 100, -1, "Done")
	return nil
}

// OutputSize stats the installed file for the completion report.
func OutputSize(claim *Claim) int64 {
	dest := strings.TrimSuffix(claim.Item.Path, filepath.Ext(claim.Item.Path)) + ".mkv"
	if info, err := os.Stat(dest); err == nil {
		return info.Size()
	}
	return 0
}

func (e *Executor) encode(ctx context.Context, jobID, handbrake, input, output, args string, tail *rollingTail) error {
	cmdArgs := append([]string{"-i", input, "-o", output}, tokenizeArgs(args)...)

	var lastPct float64
	var lastPctPost, lastTailPost time.Time
	posted := false
	onProgress := func(p encodeProgress) {
		now := time.Now()
		if p.HasPct {
			if !posted || absDiff(p.Pct, lastPct) >= 0.5 || now.Sub(lastPctPost) > 2*time.Second {
				mapped := 15 + p.Pct*0.70
				e.postProgress(ctx, jobID, mapped, p.EtaSec, tail.String())
				lastPct = p.Pct
				lastPctPost = now
				lastTailPost = now
				posted = true
			}
			return
		}
		if now.Sub(lastTailPost) > 5*time.Second {
			e.client.Progress(ctx, jobID, nil, nil, tail.String())
			lastTailPost = now
		}
	}

	err := runEncoder(ctx, e.logger, handbrake, cmdArgs, tail, onProgress)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("encoder failed: %v; tail: %s", err, truncateTail(tail.String(), 2000))
	}
	return err
}

// resolveOutput adopts the single {jobId}_out* sibling when the declared
// output is missing: HandBrake rewrites the container extension for some
// format arguments.
func resolveOutput(cacheDir, jobID, declared string) (string, error) {
	if _, err := os.Stat(declared); err == nil {
		return declared, nil
	}
	matches, err := filepath.Glob(filepath.Join(cacheDir, jobID+"_out*"))
	if err == nil && len(matches) == 1 {
		return matches[0], nil
	}
	return "", errors.New("Output missing after encode")
}

// install copies the encoded output next to the source and renames it into
// place, so readers of the library never see a half-written file.
func (e *Executor) install(ctx context.Context, jobID, output, dest string) error {
	tmp := dest + ".tmp"
	if err := e.copyWithProgress(ctx, jobID, output, tmp, 85, 95, "Installing to destination"); err != nil {
		os.Remove(tmp)
		return err
	}
	if ctx.Err() != nil {
		os.Remove(tmp)
		return errCancelled
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install: %w", err)
	}
	return nil
}

// remuxMetadata rewrites the installed file with ownership tags via a
// stream copy. A failed remux fails the job: an untagged file would be
// re-queued as a candidate forever.
func (e *Executor) remuxMetadata(ctx context.Context, cfg Config, dest string) error {
	ffmpeg := FindFFmpeg(cfg.FFmpegPath)
	if ffmpeg == "" {
		return errors.New("ffmpeg not found for metadata tagging")
	}
	tagged := dest + ".meta.mkv"
	cmd := exec.CommandContext(ctx, ffmpeg,
		"-y", "-i", dest,
		"-map", "0", "-c", "copy",
		"-metadata", "encoded_by=MediaSpacesaver",
		"-metadata", "comment=spacesaver=1",
		tagged,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tagged)
		return fmt.Errorf("metadata remux failed: %v; %s", err, truncateTail(string(out), 500))
	}
	if err := os.Rename(tagged, dest); err != nil {
		os.Remove(tagged)
		return fmt.Errorf("metadata remux install: %w", err)
	}
	return nil
}

// copyWithProgress copies src to dst in 1 MiB chunks, posting progress
// mapped onto [startPct, endPct] about twice a second with a byte-rate ETA.
// The context is checked between chunks.
func (e *Executor) copyWithProgress(ctx context.Context, jobID, src, dst string, startPct, endPct float64, message string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	total := info.Size()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer out.Close()

	buf := make([]byte, copyChunkSize)
	var copied int64
	started := time.Now()
	lastPost := time.Time{}

	for {
		if ctx.Err() != nil {
			return errCancelled
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("write destination: %w", err)
			}
			copied += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read source: %w", readErr)
		}

		if time.Since(lastPost) >= 500*time.Millisecond && total > 0 {
			frac := float64(copied) / float64(total)
			pct := startPct + frac*(endPct-startPct)
			eta := -1.0
			if elapsed := time.Since(started).Seconds(); elapsed > 0 && copied > 0 {
				rate := float64(copied) / elapsed
				eta = float64(total-copied) / rate
			}
			e.postProgress(ctx, jobID, pct, eta, message)
			lastPost = time.Now()
		}
	}
	return out.Sync()
}

// postProgress updates the coordinator and the local status file together.
func (e *Executor) postProgress(ctx context.Context, jobID string, pct, etaSec float64, message string) {
	var eta *float64
	if etaSec >= 0 {
		eta = &etaSec
	}
	e.client.Progress(ctx, jobID, &pct, eta, message)
	if e.status != nil {
		_ = e.status.Write(Status{
			State:           StateWorking,
			JobID:           jobID,
			ProgressPct:     pct,
			ProgressMessage: message,
			ProgressEtaSec:  etaSec,
		})
	}
}

func resetDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func truncateTail(tail string, limit int) string {
	if len(tail) <= limit {
		return tail
	}
	return tail[len(tail)-limit:]
}

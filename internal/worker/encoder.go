package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const tailLines = 25

// tokenizeArgs splits an argument string the way a shell would for the
// simple cases: whitespace-separated, with single or double quotes grouping
// tokens. Quotes themselves are stripped.
func tokenizeArgs(args string) []string {
	var tokens []string
	var current strings.Builder
	var quote rune
	inToken := false

	for _, r := range args {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// outputExtFromArgs reads the container from a -f/--format value. Unknown
// or absent formats keep the input's extension.
func outputExtFromArgs(args string, inputExt string) string {
	tokens := tokenizeArgs(args)
	for i, token := range tokens {
		if (token == "-f" || token == "--format") && i+1 < len(tokens) {
			format := strings.ToLower(tokens[i+1])
			if strings.Contains(format, "mkv") {
				return ".mkv"
			}
			if strings.Contains(format, "mp4") {
				return ".mp4"
			}
		}
	}
	return inputExt
}

var (
	pctRe      = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	etaClockRe = regexp.MustCompile(`ETA\s+(\d+):(\d{2}):(\d{2})`)
	etaHmRe    = regexp.MustCompile(`ETA\s+(\d+)h(\d+)m(?:(\d+)s)?`)
	etaMsRe    = regexp.MustCompile(`ETA\s+(\d+)m(\d+)s`)
)

// parseEncodeLine extracts progress from a HandBrakeCLI output line. Only
// lines mentioning "Encoding" with a percent carry progress.
func parseEncodeLine(line string) (pct float64, etaSec float64, ok bool) {
	if !strings.Contains(line, "Encoding") || !strings.Contains(line, "%") {
		return 0, -1, false
	}
	m := pctRe.FindStringSubmatch(line)
	if m == nil {
		return 0, -1, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, -1, false
	}
	return pct, parseETA(line), true
}

// parseETA returns the ETA in seconds, or -1 when the line carries none.
// HandBrake emits "ETA 00h12m34s" on most builds and "ETA HH:MM:SS" on
// some; plain "ETA 5m30s" shows up near the end of an encode.
func parseETA(line string) float64 {
	if m := etaClockRe.FindStringSubmatch(line); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		s, _ := strconv.Atoi(m[3])
		return float64(h*3600 + min*60 + s)
	}
	if m := etaHmRe.FindStringSubmatch(line); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		s := 0
		if m[3] != "" {
			s, _ = strconv.Atoi(m[3])
		}
		return float64(h*3600 + min*60 + s)
	}
	if m := etaMsRe.FindStringSubmatch(line); m != nil {
		min, _ := strconv.Atoi(m[1])
		s, _ := strconv.Atoi(m[2])
		return float64(min*60 + s)
	}
	return -1
}

// rollingTail keeps the last n lines of encoder output.
type rollingTail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newRollingTail(max int) *rollingTail {
	return &rollingTail{max: max}
}

func (rt *rollingTail) Add(line string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.lines = append(rt.lines, line)
	if len(rt.lines) > rt.max {
		rt.lines = rt.lines[len(rt.lines)-rt.max:]
	}
}

func (rt *rollingTail) String() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return strings.Join(rt.lines, "\n")
}

// encodeProgress is one observation surfaced by the encoder supervisor.
type encodeProgress struct {
	Pct     float64
	EtaSec  float64
	HasPct  bool
	LogLine string
}

// runEncoder supervises one HandBrakeCLI invocation. Both output streams
// feed the rolling tail and the progress callback. Context cancellation
// terminates the process: SIGTERM to the process group, a 2 second wait,
// then SIGKILL.
func runEncoder(ctx context.Context, logger *slog.Logger, handbrakePath string, args []string, tail *rollingTail, onProgress func(encodeProgress)) error {
	cmd := exec.Command(handbrakePath, args...)
	configureProcAttrs(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	logger.Info("encoder started", slog.Int("pid", cmd.Process.Pid))

	lines := make(chan string, 256)
	var readers sync.WaitGroup
	readLines := func(r io.Reader) {
		defer readers.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			default:
				// Drop when the consumer lags; the tail still moves.
			}
		}
	}
	readers.Add(2)
	go readLines(stdout)
	go readLines(stderr)
	go func() {
		readers.Wait()
		close(lines)
	}()

	done := make(chan error, 1)
	go func() {
		for line := range lines {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			tail.Add(line)
			progress := encodeProgress{LogLine: line, EtaSec: -1}
			if pct, eta, ok := parseEncodeLine(line); ok {
				progress.Pct = pct
				progress.EtaSec = eta
				progress.HasPct = true
			}
			onProgress(progress)
		}
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Info("terminating encoder", slog.Int("pid", cmd.Process.Pid))
		terminateProcess(cmd)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			killProcess(cmd)
			<-done
		}
		return ctx.Err()
	}
}

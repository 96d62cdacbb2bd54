package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os/exec"
	"strconv"
	"sync"
	"time"

	// Frame decoders for ffmpeg's image2 pipe output.
	_ "image/jpeg"
	_ "image/png"

	"github.com/streamscan/streamscan/internal/imagehash"
)

// Failure categories for capture statistics.
const (
	FailTimeout = "timeout"
	FailNetwork = "network"
	FailTool    = "tool_error"
	FailOther   = "other"
)

// Stats aggregates one capture run for observability.
type Stats struct {
	Attempted int
	Captured  int
	Failures  map[string]int
	// Mean wall-clock cost of the successful frame fetches.
	AvgFetch time.Duration

	mu         sync.Mutex
	totalFetch time.Duration
}

// NewStats returns an empty Stats ready for concurrent use.
func NewStats() *Stats {
	return &Stats{Failures: make(map[string]int)}
}

func (s *Stats) success(elapsed time.Duration) {
	s.mu.Lock()
	s.Attempted++
	s.Captured++
	s.totalFetch += elapsed
	s.AvgFetch = s.totalFetch / time.Duration(s.Captured)
	s.mu.Unlock()
}

func (s *Stats) failure(category string) {
	s.mu.Lock()
	s.Attempted++
	s.Failures[category]++
	s.mu.Unlock()
}

// Engine captures frames via the external ffmpeg tool and hashes them.
type Engine struct {
	Bin        string        // ffmpeg binary; "ffmpeg" when empty
	Timepoints []int         // capture offsets in seconds
	Retries    int           // extra attempts per timepoint
	Timeout    time.Duration // per-capture deadline
}

// NewEngine returns an Engine with production defaults for any zero field.
func NewEngine(bin string, timepoints []int) *Engine {
	if bin == "" {
		bin = "ffmpeg"
	}
	if len(timepoints) == 0 {
		timepoints = []int{1, 5, 10}
	}
	return &Engine{Bin: bin, Timepoints: timepoints, Retries: 2, Timeout: 15 * time.Second}
}

// ErrCaptureExhausted marks a source where every timepoint failed after all
// retries; the set still records the per-timepoint reasons.
var ErrCaptureExhausted = errors.New("fingerprint capture exhausted")

// CaptureSet grabs one frame per configured timepoint and hashes each with
// all four algorithms. A timepoint that fails all its retries is recorded
// with a null record; only when every timepoint fails does CaptureSet
// return ErrCaptureExhausted alongside the (hash-less) set.
func (e *Engine) CaptureSet(ctx context.Context, url string, stats *Stats) (Set, error) {
	if stats == nil {
		stats = NewStats()
	}
	set := make(Set, len(e.Timepoints))
	any := false
	for _, tp := range e.Timepoints {
		label := strconv.Itoa(tp)
		rec := e.captureTimepoint(ctx, url, tp, stats)
		set[label] = rec
		if !rec.Empty() {
			any = true
		}
		if ctx.Err() != nil {
			break
		}
	}
	if !any {
		return set, ErrCaptureExhausted
	}
	return set, nil
}

func (e *Engine) captureTimepoint(ctx context.Context, url string, offset int, stats *Stats) Record {
	var lastReason string
	for attempt := 0; attempt <= e.Retries; attempt++ {
		if attempt > 0 {
			// Fixed pause between retries, suspended in-task.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return Record{Error: lastReason}
			}
		}
		start := time.Now()
		frame, reason := e.grabFrame(ctx, url, offset)
		if reason == "" {
			stats.success(time.Since(start))
			return hashFrame(frame)
		}
		stats.failure(reason)
		lastReason = reason
	}
	return Record{Error: lastReason}
}

// grabFrame runs ffmpeg to decode exactly one frame at the given offset,
// returned as an encoded image on stdout. The subprocess is killed when the
// deadline expires.
func (e *Engine) grabFrame(ctx context.Context, url string, offset int) (image.Image, string) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.binary(),
		"-ss", strconv.Itoa(offset),
		"-i", url,
		"-frames:v", "1",
		"-f", "image2",
		"-vcodec", "mjpeg",
		"pipe:1",
		"-hide_banner",
		"-loglevel", "error",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, FailTimeout
	}
	if err != nil {
		var ee *exec.Error
		if errors.As(err, &ee) || errors.Is(err, exec.ErrNotFound) {
			return nil, FailTool
		}
		// ffmpeg exits non-zero both for unreachable inputs and decode
		// problems; its stderr distinguishes them well enough for stats.
		if looksLikeNetworkError(stderr.String()) {
			return nil, FailNetwork
		}
		return nil, FailTool
	}
	if stdout.Len() == 0 {
		return nil, FailTool
	}
	img, _, derr := image.Decode(bytes.NewReader(stdout.Bytes()))
	if derr != nil {
		return nil, FailOther
	}
	return img, ""
}

func (e *Engine) binary() string {
	if e.Bin == "" {
		return "ffmpeg"
	}
	return e.Bin
}

func hashFrame(img image.Image) Record {
	return Record{
		AHash: imagehash.Average(img).String(),
		DHash: imagehash.Difference(img).String(),
		PHash: imagehash.Perceptual(img).String(),
		WHash: imagehash.Wavelet(img).String(),
	}
}

func looksLikeNetworkError(stderr string) bool {
	for _, marker := range []string{
		"Connection refused", "Connection timed out", "Network is unreachable",
		"Server returned 4", "Server returned 5", "Name or service not known",
		"Input/output error", "Connection reset",
	} {
		if bytes.Contains([]byte(stderr), []byte(marker)) {
			return true
		}
	}
	return false
}

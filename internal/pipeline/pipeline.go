// Package pipeline runs the verification stages over a candidate row table
// and wires their outputs together: reachability, media introspection,
// temporal integrity, fingerprint capture, and fake matching. Each stage
// partitions its input into surviving and rejected rows; rejected rows keep
// diagnostic columns so a failed URL can be explained after the run.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/streamscan/streamscan/internal/config"
	"github.com/streamscan/streamscan/internal/fakelib"
	"github.com/streamscan/streamscan/internal/fingerprint"
	"github.com/streamscan/streamscan/internal/fpcache"
	"github.com/streamscan/streamscan/internal/mediaprobe"
	"github.com/streamscan/streamscan/internal/metrics"
	"github.com/streamscan/streamscan/internal/pool"
	"github.com/streamscan/streamscan/internal/rows"
	"github.com/streamscan/streamscan/internal/safeurl"
	"github.com/streamscan/streamscan/internal/scanlog"
)

// Stage names used in logs, metrics, and the scan history.
const (
	StageFast        = "fast"
	StageDeep        = "deep"
	StagePTS         = "pts"
	StageFingerprint = "fingerprint"
	StageMatch       = "match"
)

// Rejection reasons added by the later stages. The prober and introspector
// carry their own classified reasons.
const (
	ReasonNotMonotonic   = "not_monotonic"
	ReasonCaptureFailure = "fingerprint_capture_exhausted"
	ReasonFakeLibrary    = "matched_fake_library"
	ReasonStaticSource   = "static_source"
)

// Prober checks reachability for a row batch.
type Prober interface {
	Check(ctx context.Context, in []rows.Row) (ok, invalid []rows.Row)
}

// MediaProber runs the ffprobe-backed checks.
type MediaProber interface {
	Introspect(ctx context.Context, url string, timeout time.Duration) mediaprobe.Introspection
	SamplePTS(ctx context.Context, url string, frames int, timeout time.Duration) ([]float64, mediaprobe.ErrClass)
}

// Capturer grabs and hashes frames for one URL.
type Capturer interface {
	CaptureSet(ctx context.Context, url string, stats *fingerprint.Stats) (fingerprint.Set, error)
}

// Pipeline binds the stage implementations to one configuration. The
// interfaces exist so tests can substitute the subprocess-backed pieces.
type Pipeline struct {
	Cfg     *config.Config
	Prober  Prober
	Media   MediaProber
	Capture Capturer
	History *scanlog.Log // optional
	Cycle   string       // scan-history cycle tag; defaulted from wall clock
	Now     func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) cycle() string {
	if p.Cycle == "" {
		p.Cycle = p.now().UTC().Format(fpcache.BucketLayout)
	}
	return p.Cycle
}

// Fast runs the reachability stage.
func (p *Pipeline) Fast(ctx context.Context, t rows.Table) (ok, invalid rows.Table) {
	okRows, badRows := p.Prober.Check(ctx, t.Rows)
	for _, r := range okRows {
		if ms, err := strconv.Atoi(r.Get("rtt_ms")); err == nil {
			metrics.ObserveProbe(StageFast, float64(ms)/1000)
		}
	}
	header := rows.AppendColumns(t.Header, "rtt_ms", "status", "probe_error")
	ok = rows.Table{Header: header, Rows: okRows}
	invalid = rows.Table{Header: header, Rows: badRows}
	p.account(StageFast, ok.Rows, invalid.Rows, "probe_error", "rtt_ms")
	log.Printf("fast: %d/%d ok", len(ok.Rows), len(t.Rows))
	return ok, invalid
}

// Deep runs media introspection over the surviving rows.
func (p *Pipeline) Deep(ctx context.Context, t rows.Table) (ok, invalid rows.Table) {
	results := make([]mediaprobe.Introspection, len(t.Rows))
	pool.Each(ctx, p.Cfg.DeepConcurrency, len(t.Rows), func(ctx context.Context, i int) {
		results[i] = p.Media.Introspect(ctx, t.Rows[i].URL(), p.Cfg.DeepTimeout)
		metrics.ObserveProbe(StageDeep, results[i].Elapsed.Seconds())
	})

	header := rows.AppendColumns(t.Header,
		"video_codec", "resolution", "fps", "has_audio", "duration", "scan_elapsed", "media_error")
	ok.Header, invalid.Header = header, header
	for i, r := range t.Rows {
		in := results[i]
		row := r.With("scan_elapsed", fmt.Sprintf("%.3f", in.Elapsed.Seconds()))
		if in.Err != mediaprobe.ErrNone {
			row = row.With("media_error", string(in.Err))
			invalid.Rows = append(invalid.Rows, row)
			continue
		}
		row = row.
			With("video_codec", in.Meta.VideoCodec).
			With("resolution", in.Meta.Resolution()).
			With("fps", fmt.Sprintf("%.3f", in.Meta.FrameRate)).
			With("has_audio", yesNo(in.Meta.HasAudio)).
			With("duration", fmt.Sprintf("%.3f", in.Meta.Duration))
		ok.Rows = append(ok.Rows, row)
	}
	p.account(StageDeep, ok.Rows, invalid.Rows, "media_error", "scan_elapsed")
	log.Printf("deep: %d/%d ok", len(ok.Rows), len(t.Rows))
	return ok, invalid
}

// PTS runs the temporal-integrity stage and returns the per-URL reports
// alongside the partitioned rows.
func (p *Pipeline) PTS(ctx context.Context, t rows.Table) (ok, invalid rows.Table, reports map[string]mediaprobe.PTSReport) {
	type outcome struct {
		report mediaprobe.PTSReport
	}
	results := make([]outcome, len(t.Rows))
	pool.Each(ctx, p.Cfg.DeepConcurrency, len(t.Rows), func(ctx context.Context, i int) {
		url := t.Rows[i].URL()
		start := time.Now()
		pts, errClass := p.Media.SamplePTS(ctx, url, p.Cfg.PTSFrames, p.Cfg.PTSTimeout)
		metrics.ObserveProbe(StagePTS, time.Since(start).Seconds())
		if errClass != mediaprobe.ErrNone {
			results[i].report = mediaprobe.PTSReport{Reason: string(errClass)}
			return
		}
		results[i].report = mediaprobe.EvaluatePTS(pts, p.Cfg.PTSMinCount, p.Cfg.PTSTolerance)
	})

	header := rows.AppendColumns(t.Header, "pts_count", "pts_span", "pts_backward", "pts_error")
	ok.Header, invalid.Header = header, header
	reports = make(map[string]mediaprobe.PTSReport, len(t.Rows))
	for i, r := range t.Rows {
		rep := results[i].report
		reports[r.URL()] = rep
		row := r.
			With("pts_count", strconv.Itoa(rep.Count)).
			With("pts_span", fmt.Sprintf("%.3f", rep.Span)).
			With("pts_backward", strconv.Itoa(rep.Backward))
		switch {
		case !rep.OK:
			invalid.Rows = append(invalid.Rows, row.With("pts_error", rep.Reason))
		case !rep.Monotonic:
			invalid.Rows = append(invalid.Rows, row.With("pts_error", ReasonNotMonotonic))
		default:
			ok.Rows = append(ok.Rows, row)
		}
	}
	p.account(StagePTS, ok.Rows, invalid.Rows, "pts_error", "")
	log.Printf("pts: %d/%d ok", len(ok.Rows), len(t.Rows))
	return ok, invalid, reports
}

// Fingerprint captures and hashes frames for every row, producing a chunk
// document. Rows never fail this stage outright; exhausted captures are
// rejected later by Match, which also needs the chunk.
func (p *Pipeline) Fingerprint(ctx context.Context, t rows.Table) fpcache.Chunk {
	chunk := make(fpcache.Chunk, len(t.Rows))
	stats := fingerprint.NewStats()
	var mu sync.Mutex
	pool.Each(ctx, p.Cfg.HashConcurrency, len(t.Rows), func(ctx context.Context, i int) {
		url := t.Rows[i].URL()
		start := time.Now()
		set, err := p.Capture.CaptureSet(ctx, url, stats)
		metrics.ObserveProbe(StageFingerprint, time.Since(start).Seconds())
		if err != nil {
			log.Printf("fingerprint: %s: %v", safeurl.Redact(url), err)
		}
		mu.Lock()
		chunk[url] = set
		mu.Unlock()
	})
	log.Printf("fingerprint: %d urls, %d frames captured, failures=%v",
		len(chunk), stats.Captured, stats.Failures)
	return chunk
}

// Match compares each row's fingerprint against the fake library and the
// URL's own most recent cached fingerprint. A source matching a known fake,
// or frozen against its own history, is rejected; a first-ever observation
// with no baseline passes provisionally. Matching fingerprints feed the
// learner so recurring fakes get their own library entries.
func (p *Pipeline) Match(ctx context.Context, t rows.Table, chunk fpcache.Chunk, lib *fakelib.Library, baseline fpcache.Archive) (ok, invalid rows.Table) {
	header := rows.AppendColumns(t.Header, "fake_score", "fake_reason")
	ok.Header, invalid.Header = header, header
	for _, r := range t.Rows {
		url := r.URL()
		set := chunk[url]
		if set.Empty() {
			invalid.Rows = append(invalid.Rows, r.With("fake_reason", ReasonCaptureFailure))
			continue
		}

		m := lib.Compare(set)
		selfScore := 0.0
		if prev := baseline.Latest(url); prev != nil {
			selfScore = fingerprint.SetSimilarity(set, prev)
		}

		score := m.Score
		if selfScore > score {
			score = selfScore
		}
		row := r.With("fake_score", fmt.Sprintf("%.4f", score))

		libHit := m.Score >= p.Cfg.SimilarityThreshold ||
			(p.Cfg.DHashMaxDistance > 0 && m.DHashDistance >= 0 && m.DHashDistance <= p.Cfg.DHashMaxDistance)
		if libHit {
			if lib.Observe(set, m.Label) {
				log.Printf("match: learned new fake variant from %s", safeurl.Redact(url))
			}
			invalid.Rows = append(invalid.Rows, row.With("fake_reason", ReasonFakeLibrary))
			continue
		}
		if selfScore >= p.Cfg.SimilarityThreshold {
			invalid.Rows = append(invalid.Rows, row.With("fake_reason", ReasonStaticSource))
			continue
		}
		ok.Rows = append(ok.Rows, row)
	}
	metrics.LibraryEntries.Set(float64(lib.Len()))
	p.account(StageMatch, ok.Rows, invalid.Rows, "fake_reason", "")
	log.Printf("match: %d/%d ok, library %d entries", len(ok.Rows), len(t.Rows), lib.Len())
	return ok, invalid
}

// ReportsJSON renders the PTS reports deterministically for the report file.
func ReportsJSON(reports map[string]mediaprobe.PTSReport) ([]byte, error) {
	return json.MarshalIndent(reports, "", "  ")
}

func (p *Pipeline) account(stage string, ok, invalid []rows.Row, reasonCol, latencyCol string) {
	var batch []scanlog.Result
	add := (p.History != nil)
	for _, r := range ok {
		metrics.RecordRow(stage, true, "")
		if add {
			batch = append(batch, scanlog.Result{
				Cycle: p.cycle(), Stage: stage, URL: r.URL(),
				Verdict: "ok", Latency: rowLatency(r, latencyCol),
			})
		}
	}
	for _, r := range invalid {
		reason := r.Get(reasonCol)
		metrics.RecordRow(stage, false, reason)
		if add {
			batch = append(batch, scanlog.Result{
				Cycle: p.cycle(), Stage: stage, URL: r.URL(),
				Verdict: "invalid", Reason: reason, Latency: rowLatency(r, latencyCol),
			})
		}
	}
	if add {
		if err := p.History.Record(context.Background(), batch); err != nil {
			log.Printf("%s: scan history: %v", stage, err)
		}
	}
}

func rowLatency(r rows.Row, col string) time.Duration {
	if col == "" {
		return 0
	}
	v := r.Get(col)
	if v == "" {
		return 0
	}
	if col == "rtt_ms" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return time.Duration(ms) * time.Millisecond
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

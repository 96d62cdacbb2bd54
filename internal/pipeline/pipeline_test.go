package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/streamscan/streamscan/internal/config"
	"github.com/streamscan/streamscan/internal/fakelib"
	"github.com/streamscan/streamscan/internal/fingerprint"
	"github.com/streamscan/streamscan/internal/fpcache"
	"github.com/streamscan/streamscan/internal/mediaprobe"
	"github.com/streamscan/streamscan/internal/metrics"
	"github.com/streamscan/streamscan/internal/rows"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	urlDead   = "http://dead.example/a.ts"
	urlNoVid  = "http://audio.example/b.ts"
	urlFrozen = "http://frozen.example/c.ts"
	urlFake   = "http://fake.example/d.ts"
	urlGood   = "http://live.example/e.ts"
)

// stubProber fails the URLs in its dead set.
type stubProber struct{ dead map[string]string }

func (s *stubProber) Check(ctx context.Context, in []rows.Row) (ok, invalid []rows.Row) {
	for _, r := range in {
		if reason, bad := s.dead[r.URL()]; bad {
			invalid = append(invalid, r.With("probe_error", reason))
			continue
		}
		ok = append(ok, r.With("rtt_ms", "42").With("status", "200"))
	}
	return ok, invalid
}

// stubMedia serves canned introspections and PTS samples per URL.
type stubMedia struct {
	meta map[string]mediaprobe.Introspection
	pts  map[string][]float64
}

func (s *stubMedia) Introspect(ctx context.Context, url string, timeout time.Duration) mediaprobe.Introspection {
	if in, ok := s.meta[url]; ok {
		return in
	}
	return mediaprobe.Introspection{
		Meta:    mediaprobe.Metadata{HasVideo: true, HasAudio: true, VideoCodec: "h264", Width: 1280, Height: 720, FrameRate: 25},
		Elapsed: 80 * time.Millisecond,
	}
}

func (s *stubMedia) SamplePTS(ctx context.Context, url string, frames int, timeout time.Duration) ([]float64, mediaprobe.ErrClass) {
	if pts, ok := s.pts[url]; ok {
		return pts, mediaprobe.ErrNone
	}
	return []float64{0, 0.04, 0.08, 0.12, 0.16, 0.2}, mediaprobe.ErrNone
}

// stubCapture returns a fixed fingerprint set per URL.
type stubCapture struct{ sets map[string]fingerprint.Set }

func (s *stubCapture) CaptureSet(ctx context.Context, url string, stats *fingerprint.Stats) (fingerprint.Set, error) {
	set, ok := s.sets[url]
	if !ok || set.Empty() {
		return fingerprint.Set{"1": {Error: "timeout"}}, fingerprint.ErrCaptureExhausted
	}
	return set, nil
}

func setOf(hex string) fingerprint.Set {
	return fingerprint.Set{"1": {AHash: hex, DHash: hex, PHash: hex}}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Load()
	cfg.OutputDir = filepath.Join(base, "out")
	cfg.CacheDir = filepath.Join(base, "cache")
	cfg.ChunkDir = filepath.Join(base, "chunks")
	cfg.FakeLibPath = filepath.Join(base, "fakes.json")
	cfg.ScanLogPath = ""
	cfg.DeepConcurrency = 4
	cfg.HashConcurrency = 4
	return cfg
}

func inputFile(t *testing.T, urls ...string) string {
	t.Helper()
	tbl := rows.Table{Header: []string{"url", "name"}}
	for i, u := range urls {
		tbl.Rows = append(tbl.Rows, rows.New(map[string]string{"url": u, "name": string(rune('A' + i))}))
	}
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := rows.WriteFile(path, tbl.Header, tbl.Rows); err != nil {
		t.Fatal(err)
	}
	return path
}

func findRow(t *testing.T, tbl rows.Table, url string) rows.Row {
	t.Helper()
	for _, r := range tbl.Rows {
		if r.URL() == url {
			return r
		}
	}
	t.Fatalf("row %s not found", url)
	return rows.Row{}
}

func newTestPipeline(t *testing.T) *Pipeline {
	cfg := testConfig(t)
	return &Pipeline{
		Cfg:    cfg,
		Prober: &stubProber{dead: map[string]string{urlDead: "timeout"}},
		Media: &stubMedia{
			meta: map[string]mediaprobe.Introspection{
				urlNoVid: {Err: mediaprobe.ErrNoVideoStream, Elapsed: 50 * time.Millisecond},
			},
			pts: map[string][]float64{
				urlFrozen: {1.0, 1.0, 1.0, 1.0, 1.0, 1.0},
			},
		},
		Capture: &stubCapture{sets: map[string]fingerprint.Set{
			urlFake: setOf("f0f0f0f0f0f0f0f0"),
			urlGood: setOf("123456789abcdef0"),
		}},
		Now: func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) },
	}
}

func TestRunRejectsEachFailureModeDistinctly(t *testing.T) {
	p := newTestPipeline(t)

	// Seed the fake library with the known placeholder loop.
	lib := fakelib.Load("")
	lib.Observe(setOf("f0f0f0f0f0f0f0f0"), "placeholder")
	lib.Observe(setOf("f0f0f0f0f0f0f0f0"), "placeholder")
	if err := lib.Save(p.Cfg.FakeLibPath); err != nil {
		t.Fatal(err)
	}

	input := inputFile(t, urlDead, urlNoVid, urlFrozen, urlFake, urlGood)
	if err := p.Run(context.Background(), input); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := p.Cfg.OutputDir

	read := func(name string) rows.Table {
		tbl, err := rows.ReadFile(filepath.Join(out, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return *tbl
	}

	fastBad := read(FileFastInvalid)
	if len(fastBad.Rows) != 1 || findRow(t, fastBad, urlDead).Get("probe_error") != "timeout" {
		t.Fatalf("fast rejections wrong: %+v", fastBad.Rows)
	}

	deepBad := read(FileDeepInvalid)
	if len(deepBad.Rows) != 1 || findRow(t, deepBad, urlNoVid).Get("media_error") != "no_video_stream" {
		t.Fatalf("deep rejections wrong: %+v", deepBad.Rows)
	}

	ptsBad := read(FilePTSInvalid)
	if len(ptsBad.Rows) != 1 || findRow(t, ptsBad, urlFrozen).Get("pts_error") != ReasonNotMonotonic {
		t.Fatalf("pts rejections wrong: %+v", ptsBad.Rows)
	}

	matchBad := read(FileMatchInvalid)
	if len(matchBad.Rows) != 1 || findRow(t, matchBad, urlFake).Get("fake_reason") != ReasonFakeLibrary {
		t.Fatalf("match rejections wrong: %+v", matchBad.Rows)
	}

	verified := read(FileMatchOK)
	if len(verified.Rows) != 1 || verified.Rows[0].URL() != urlGood {
		t.Fatalf("survivors wrong: %+v", verified.Rows)
	}
}

func TestRunPTSReportFile(t *testing.T) {
	p := newTestPipeline(t)
	input := inputFile(t, urlGood)
	if err := p.Run(context.Background(), input); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(p.Cfg.OutputDir, FilePTSReport))
	if err != nil {
		t.Fatal(err)
	}
	var reports map[string]mediaprobe.PTSReport
	if err := json.Unmarshal(data, &reports); err != nil {
		t.Fatalf("report not valid JSON: %v", err)
	}
	rep, ok := reports[urlGood]
	if !ok || !rep.Monotonic || rep.Count != 6 {
		t.Fatalf("report wrong: %+v", reports)
	}
}

func TestRunWritesCacheTiers(t *testing.T) {
	p := newTestPipeline(t)
	input := inputFile(t, urlGood)
	if err := p.Run(context.Background(), input); err != nil {
		t.Fatalf("Run: %v", err)
	}

	archive := fpcache.LoadArchive(fpcache.ArchivePath(p.Cfg.CacheDir, p.Now()))
	if archive.Latest(urlGood) == nil {
		t.Fatal("archive missing the scanned url")
	}
	total := fpcache.LoadArchive(filepath.Join(p.Cfg.CacheDir, FileTotalCache))
	if total.Latest(urlGood) == nil {
		t.Fatal("total cache missing the scanned url")
	}
}

func TestStaticSourceRejectedOnSecondCycle(t *testing.T) {
	p := newTestPipeline(t)
	input := inputFile(t, urlGood)

	if err := p.Run(context.Background(), input); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Same fingerprint next cycle means the content never changed.
	p.Now = func() time.Time { return time.Date(2026, 8, 29, 13, 0, 0, 0, time.UTC) }
	p.Cycle = ""
	if err := p.Run(context.Background(), input); err != nil {
		t.Fatalf("second run: %v", err)
	}

	tbl, err := rows.ReadFile(filepath.Join(p.Cfg.OutputDir, FileMatchInvalid))
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Rows) != 1 || tbl.Rows[0].Get("fake_reason") != ReasonStaticSource {
		t.Fatalf("static source not rejected: %+v", tbl.Rows)
	}
}

func TestRunObservesLatencyForEveryMeasuredStage(t *testing.T) {
	metrics.ProbeDuration.Reset()
	p := newTestPipeline(t)
	input := inputFile(t, urlGood)
	if err := p.Run(context.Background(), input); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// One histogram series per stage that times a per-URL operation.
	if got := testutil.CollectAndCount(metrics.ProbeDuration); got != 4 {
		t.Fatalf("latency series = %d, want fast, deep, pts and fingerprint", got)
	}
}

func TestStaticSourceRejectedAcrossDays(t *testing.T) {
	p := newTestPipeline(t)
	input := inputFile(t, urlGood)

	if err := p.Run(context.Background(), input); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Next day's first run has an empty dated archive, so the baseline must
	// come from the rolling total cache window instead.
	p.Now = func() time.Time { return time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC) }
	p.Cycle = ""
	if err := p.Run(context.Background(), input); err != nil {
		t.Fatalf("second run: %v", err)
	}

	tbl, err := rows.ReadFile(filepath.Join(p.Cfg.OutputDir, FileMatchInvalid))
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Rows) != 1 || tbl.Rows[0].Get("fake_reason") != ReasonStaticSource {
		t.Fatalf("identical fingerprint on consecutive days not rejected: %+v", tbl.Rows)
	}
}

func TestCaptureExhaustionRejectedAtMatch(t *testing.T) {
	p := newTestPipeline(t)
	p.Capture = &stubCapture{} // every capture fails
	input := inputFile(t, urlGood)
	if err := p.Run(context.Background(), input); err != nil {
		t.Fatalf("Run: %v", err)
	}
	tbl, err := rows.ReadFile(filepath.Join(p.Cfg.OutputDir, FileMatchInvalid))
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Rows) != 1 || tbl.Rows[0].Get("fake_reason") != ReasonCaptureFailure {
		t.Fatalf("exhausted capture not rejected: %+v", tbl.Rows)
	}
}

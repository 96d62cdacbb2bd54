// Command streamscan verifies IPTV candidate URLs in stages: reachability,
// media introspection, temporal integrity, perceptual fingerprinting, and
// fake-source matching.
//
//	fetch        Download a playlist or URL list into a candidate CSV
//	fast         Probe reachability over an input CSV; write ok/invalid CSVs
//	deep         ffprobe media introspection over an input CSV
//	pts          Timestamp-advancement check; JSON report + ok/invalid CSVs
//	fingerprint  Capture and hash frames; write a fingerprint chunk JSON
//	match        Compare fingerprints against the fake library and cache
//	merge-chunks Fold shard chunks into the dated fingerprint archive
//	merge-cache  Fold recent archives into the bounded total cache
//	merge-rows   Concatenate per-shard CSVs preserving one header
//	run          Full pipeline in one process
//	shards       Split the input and run fingerprint children per shard
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/streamscan/streamscan/internal/config"
	"github.com/streamscan/streamscan/internal/fakelib"
	"github.com/streamscan/streamscan/internal/fingerprint"
	"github.com/streamscan/streamscan/internal/fpcache"
	"github.com/streamscan/streamscan/internal/mediaprobe"
	"github.com/streamscan/streamscan/internal/metrics"
	"github.com/streamscan/streamscan/internal/pipeline"
	"github.com/streamscan/streamscan/internal/playlist"
	"github.com/streamscan/streamscan/internal/prober"
	"github.com/streamscan/streamscan/internal/rows"
	"github.com/streamscan/streamscan/internal/scanlog"
	"github.com/streamscan/streamscan/internal/shardrun"
	"github.com/streamscan/streamscan/internal/toolcheck"
)

func newPipeline(cfg *config.Config) *pipeline.Pipeline {
	p := &pipeline.Pipeline{
		Cfg: cfg,
		Prober: prober.New(nil, prober.Options{
			Concurrency:  cfg.FastConcurrency,
			Timeout:      cfg.FastTimeout,
			Retries:      cfg.FastRetries,
			BackoffBase:  cfg.FastBackoffBase,
			RateLimit:    cfg.FastRateLimit,
			PerSiteLimit: cfg.PerSiteLimit,
		}),
		Media: mediaprobe.NewRunner(cfg.FFprobeBin),
	}
	eng := fingerprint.NewEngine(cfg.FFmpegBin, cfg.Timepoints)
	eng.Retries = cfg.HashRetries
	eng.Timeout = cfg.HashTimeout
	p.Capture = eng
	if cfg.ScanLogPath != "" {
		history, err := scanlog.Open(cfg.ScanLogPath)
		if err != nil {
			log.Printf("scan history disabled: %v", err)
		} else {
			p.History = history
		}
	}
	return p
}

func readTable(path string) rows.Table {
	t, err := rows.ReadFile(path)
	if err != nil {
		log.Printf("read input: %v", err)
		os.Exit(1)
	}
	return *t
}

func writeSplitOrExit(okPath, invalidPath string, ok, invalid rows.Table) {
	if err := rows.WriteSplit(okPath, invalidPath, ok.Header, ok.Rows, invalid.Rows); err != nil {
		log.Printf("write output: %v", err)
		os.Exit(1)
	}
}

func requireTools(ctx context.Context, bins ...string) {
	if err := toolcheck.Require(ctx, bins...); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[streamscan] ")

	fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
	fetchURL := fetchCmd.String("url", "", "Playlist or URL-list address to download")
	fetchOut := fetchCmd.String("out", "", "Candidate CSV path (default: <out>/input.csv)")

	fastCmd := flag.NewFlagSet("fast", flag.ExitOnError)
	fastIn := fastCmd.String("in", "", "Input CSV with a url column")
	fastOK := fastCmd.String("ok", "", "Reachable-rows CSV (default: <out>/fast_ok.csv)")
	fastInvalid := fastCmd.String("invalid", "", "Unreachable-rows CSV (default: <out>/fast_invalid.csv)")

	deepCmd := flag.NewFlagSet("deep", flag.ExitOnError)
	deepIn := deepCmd.String("in", "", "Input CSV with a url column")
	deepOK := deepCmd.String("ok", "", "Playable-rows CSV (default: <out>/deep_ok.csv)")
	deepInvalid := deepCmd.String("invalid", "", "Unplayable-rows CSV (default: <out>/deep_invalid.csv)")

	ptsCmd := flag.NewFlagSet("pts", flag.ExitOnError)
	ptsIn := ptsCmd.String("in", "", "Input CSV with a url column")
	ptsOK := ptsCmd.String("ok", "", "Advancing-rows CSV (default: <out>/pts_ok.csv)")
	ptsInvalid := ptsCmd.String("invalid", "", "Stalled-rows CSV (default: <out>/pts_invalid.csv)")
	ptsReport := ptsCmd.String("report", "", "Per-URL JSON report (default: <out>/pts_report.json)")

	fpCmd := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	fpIn := fpCmd.String("in", "", "Input CSV with a url column")
	fpShard := fpCmd.Int("shard", 0, "Shard index for the chunk filename")
	fpChunk := fpCmd.String("chunk", "", "Chunk JSON path (default: <chunks>/chunk-NNN.json)")

	matchCmd := flag.NewFlagSet("match", flag.ExitOnError)
	matchIn := matchCmd.String("in", "", "Input CSV with a url column")
	matchChunk := matchCmd.String("chunk", "", "Fingerprint chunk JSON for these rows")
	matchOK := matchCmd.String("ok", "", "Genuine-rows CSV (default: <out>/match_ok.csv)")
	matchInvalid := matchCmd.String("invalid", "", "Fake-rows CSV (default: <out>/match_invalid.csv)")

	mergeChunksCmd := flag.NewFlagSet("merge-chunks", flag.ExitOnError)
	mergeChunksDir := mergeChunksCmd.String("chunks", "", "Directory of chunk-*.json files (default: config chunk dir)")

	mergeCacheCmd := flag.NewFlagSet("merge-cache", flag.ExitOnError)

	mergeRowsCmd := flag.NewFlagSet("merge-rows", flag.ExitOnError)
	mergeRowsDir := mergeRowsCmd.String("dir", "", "Directory of per-shard CSVs")
	mergeRowsOut := mergeRowsCmd.String("out", "", "Merged CSV path")

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runIn := runCmd.String("in", "", "Input CSV with a url column")
	runMetricsAddr := runCmd.String("metrics-addr", "", "Optional /metrics listen address (default: STREAMSCAN_METRICS_ADDR)")

	shardsCmd := flag.NewFlagSet("shards", flag.ExitOnError)
	shardsIn := shardsCmd.String("in", "", "Input CSV with a url column")
	shardsN := shardsCmd.Int("n", 4, "Number of fingerprint child processes")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <fetch|fast|deep|pts|fingerprint|match|merge-chunks|merge-cache|merge-rows|run|shards> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  fetch        Download a playlist or URL list into a candidate CSV\n")
		fmt.Fprintf(os.Stderr, "  fast         Probe reachability; write ok/invalid CSVs\n")
		fmt.Fprintf(os.Stderr, "  deep         ffprobe media introspection; write ok/invalid CSVs\n")
		fmt.Fprintf(os.Stderr, "  pts          Timestamp-advancement check; JSON report + ok/invalid CSVs\n")
		fmt.Fprintf(os.Stderr, "  fingerprint  Capture and hash frames into a chunk JSON\n")
		fmt.Fprintf(os.Stderr, "  match        Compare fingerprints to the fake library and cache\n")
		fmt.Fprintf(os.Stderr, "  merge-chunks Fold shard chunks into the dated archive\n")
		fmt.Fprintf(os.Stderr, "  merge-cache  Fold recent archives into the total cache\n")
		fmt.Fprintf(os.Stderr, "  merge-rows   Concatenate per-shard CSVs under one header\n")
		fmt.Fprintf(os.Stderr, "  run          Full pipeline in one process\n")
		fmt.Fprintf(os.Stderr, "  shards       Run fingerprint child processes over input shards\n")
		os.Exit(1)
	}

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outPath := func(override, name string) string {
		if override != "" {
			return override
		}
		return filepath.Join(cfg.OutputDir, name)
	}

	switch os.Args[1] {
	case "fetch":
		_ = fetchCmd.Parse(os.Args[2:])
		if *fetchURL == "" {
			log.Print("fetch: -url is required")
			os.Exit(1)
		}
		tbl, err := playlist.Fetch(ctx, nil, *fetchURL)
		if err != nil {
			log.Printf("fetch: %v", err)
			os.Exit(1)
		}
		path := outPath(*fetchOut, "input.csv")
		if err := rows.WriteFile(path, tbl.Header, tbl.Rows); err != nil {
			log.Printf("fetch: write %s: %v", path, err)
			os.Exit(1)
		}
		log.Printf("fetch: %d candidates into %s", len(tbl.Rows), path)

	case "fast":
		_ = fastCmd.Parse(os.Args[2:])
		p := newPipeline(cfg)
		ok, invalid := p.Fast(ctx, readTable(*fastIn))
		writeSplitOrExit(outPath(*fastOK, pipeline.FileFastOK), outPath(*fastInvalid, pipeline.FileFastInvalid), ok, invalid)

	case "deep":
		_ = deepCmd.Parse(os.Args[2:])
		requireTools(ctx, cfg.FFprobeBin)
		p := newPipeline(cfg)
		ok, invalid := p.Deep(ctx, readTable(*deepIn))
		writeSplitOrExit(outPath(*deepOK, pipeline.FileDeepOK), outPath(*deepInvalid, pipeline.FileDeepInvalid), ok, invalid)

	case "pts":
		_ = ptsCmd.Parse(os.Args[2:])
		requireTools(ctx, cfg.FFprobeBin)
		p := newPipeline(cfg)
		ok, invalid, reports := p.PTS(ctx, readTable(*ptsIn))
		writeSplitOrExit(outPath(*ptsOK, pipeline.FilePTSOK), outPath(*ptsInvalid, pipeline.FilePTSInvalid), ok, invalid)
		data, err := pipeline.ReportsJSON(reports)
		if err == nil {
			err = os.WriteFile(outPath(*ptsReport, pipeline.FilePTSReport), data, 0o644)
		}
		if err != nil {
			log.Printf("write pts report: %v", err)
			os.Exit(1)
		}

	case "fingerprint":
		_ = fpCmd.Parse(os.Args[2:])
		requireTools(ctx, cfg.FFmpegBin)
		p := newPipeline(cfg)
		chunk := p.Fingerprint(ctx, readTable(*fpIn))
		path := *fpChunk
		if path == "" {
			path = fpcache.ChunkPath(cfg.ChunkDir, *fpShard)
		}
		if err := fpcache.SaveChunk(path, chunk); err != nil {
			log.Printf("save chunk: %v", err)
			os.Exit(1)
		}
		log.Printf("fingerprint: wrote %d urls to %s", len(chunk), path)

	case "match":
		_ = matchCmd.Parse(os.Args[2:])
		p := newPipeline(cfg)
		table := readTable(*matchIn)
		chunk := fpcache.LoadChunk(*matchChunk)
		baseline := fpcache.LoadArchive(filepath.Join(cfg.CacheDir, pipeline.FileTotalCache))
		lib := fakelib.Load(cfg.FakeLibPath)
		ok, invalid := p.Match(ctx, table, chunk, lib, baseline)
		writeSplitOrExit(outPath(*matchOK, pipeline.FileMatchOK), outPath(*matchInvalid, pipeline.FileMatchInvalid), ok, invalid)
		if lib.Dirty() {
			if err := lib.Save(cfg.FakeLibPath); err != nil {
				log.Printf("save fake library: %v", err)
				os.Exit(1)
			}
		}

	case "merge-chunks":
		_ = mergeChunksCmd.Parse(os.Args[2:])
		dir := *mergeChunksDir
		if dir == "" {
			dir = cfg.ChunkDir
		}
		chunk, err := fpcache.MergeChunkDir(dir)
		if err != nil {
			log.Printf("merge chunks: %v", err)
			os.Exit(1)
		}
		now := time.Now()
		path := fpcache.ArchivePath(cfg.CacheDir, now)
		archive := fpcache.LoadArchive(path)
		archive.Merge(chunk, now.UTC().Format(fpcache.BucketLayout), cfg.BucketCap)
		if err := archive.Save(path); err != nil {
			log.Printf("save archive: %v", err)
			os.Exit(1)
		}
		log.Printf("merge-chunks: %d urls into %s", len(chunk), path)

	case "merge-cache":
		_ = mergeCacheCmd.Parse(os.Args[2:])
		total, err := fpcache.BuildTotal(cfg.CacheDir, time.Now(), cfg.CacheWindowDays)
		if err != nil {
			log.Printf("merge cache: %v", err)
			os.Exit(1)
		}
		path := filepath.Join(cfg.CacheDir, pipeline.FileTotalCache)
		if err := total.Save(path); err != nil {
			log.Printf("save total cache: %v", err)
			os.Exit(1)
		}
		log.Printf("merge-cache: %d urls into %s", len(total), path)

	case "merge-rows":
		_ = mergeRowsCmd.Parse(os.Args[2:])
		n, err := rows.MergeFiles(*mergeRowsDir, *mergeRowsOut)
		if err != nil {
			log.Printf("merge rows: %v", err)
			os.Exit(1)
		}
		log.Printf("merge-rows: %d rows into %s", n, *mergeRowsOut)

	case "run":
		_ = runCmd.Parse(os.Args[2:])
		requireTools(ctx, cfg.FFprobeBin, cfg.FFmpegBin)
		addr := *runMetricsAddr
		if addr == "" {
			addr = cfg.MetricsAddr
		}
		if addr != "" {
			go func() {
				if err := metrics.Serve(addr); err != nil {
					log.Printf("metrics listener: %v", err)
				}
			}()
		}
		p := newPipeline(cfg)
		if p.History != nil {
			defer p.History.Close()
		}
		if err := p.Run(ctx, *runIn); err != nil {
			log.Printf("run failed: %v", err)
			os.Exit(1)
		}

	case "shards":
		_ = shardsCmd.Parse(os.Args[2:])
		requireTools(ctx, cfg.FFmpegBin)
		table := readTable(*shardsIn)
		inputs, err := shardrun.WriteShardInputs(table, cfg.ChunkDir, *shardsN)
		if err != nil {
			log.Printf("shard inputs: %v", err)
			os.Exit(1)
		}
		runner := &shardrun.Runner{}
		err = runner.Run(ctx, *shardsN, func(shard int) []string {
			return []string{"fingerprint", "-in", inputs[shard], "-shard", strconv.Itoa(shard)}
		})
		if err != nil {
			log.Printf("shards failed: %v", err)
			os.Exit(1)
		}
		log.Printf("shards: %d children finished", *shardsN)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/streamscan/streamscan/internal/fakelib"
	"github.com/streamscan/streamscan/internal/fpcache"
	"github.com/streamscan/streamscan/internal/rows"
)

// Output filenames under the configured output directory.
const (
	FileFastOK       = "fast_ok.csv"
	FileFastInvalid  = "fast_invalid.csv"
	FileDeepOK       = "deep_ok.csv"
	FileDeepInvalid  = "deep_invalid.csv"
	FilePTSOK        = "pts_ok.csv"
	FilePTSInvalid   = "pts_invalid.csv"
	FilePTSReport    = "pts_report.json"
	FileMatchOK      = "match_ok.csv"
	FileMatchInvalid = "match_invalid.csv"
	FileTotalCache   = "total.json"
)

// Run executes the full verification cycle over the rows in inputPath:
// fast, deep, pts, fingerprint, match, then the cache merges. Every stage
// leaves its ok and invalid files in the output directory; the final
// surviving rows are in match_ok.csv.
func (p *Pipeline) Run(ctx context.Context, inputPath string) error {
	table, err := rows.ReadFile(inputPath)
	if err != nil {
		return err
	}
	out := p.Cfg.OutputDir
	log.Printf("run: %d candidate rows from %s", len(table.Rows), inputPath)

	fastOK, fastBad := p.Fast(ctx, *table)
	if err := writeSplit(out, FileFastOK, FileFastInvalid, fastOK, fastBad); err != nil {
		return err
	}

	deepOK, deepBad := p.Deep(ctx, fastOK)
	if err := writeSplit(out, FileDeepOK, FileDeepInvalid, deepOK, deepBad); err != nil {
		return err
	}

	ptsOK, ptsBad, reports := p.PTS(ctx, deepOK)
	if err := writeSplit(out, FilePTSOK, FilePTSInvalid, ptsOK, ptsBad); err != nil {
		return err
	}
	if data, err := ReportsJSON(reports); err == nil {
		if err := os.WriteFile(filepath.Join(out, FilePTSReport), data, 0o644); err != nil {
			return fmt.Errorf("pts report: %w", err)
		}
	}

	chunk := p.Fingerprint(ctx, ptsOK)
	if err := fpcache.SaveChunk(fpcache.ChunkPath(p.Cfg.ChunkDir, 0), chunk); err != nil {
		return err
	}

	// The baseline is the rolling window before this cycle merges, so a
	// source frozen since yesterday still matches itself on today's first run.
	now := p.now()
	baseline, err := fpcache.BuildTotal(p.Cfg.CacheDir, now, p.Cfg.CacheWindowDays)
	if err != nil {
		return err
	}
	archivePath := fpcache.ArchivePath(p.Cfg.CacheDir, now)
	archive := fpcache.LoadArchive(archivePath)
	lib := fakelib.Load(p.Cfg.FakeLibPath)

	matchOK, matchBad := p.Match(ctx, ptsOK, chunk, lib, baseline)
	if err := writeSplit(out, FileMatchOK, FileMatchInvalid, matchOK, matchBad); err != nil {
		return err
	}
	if lib.Dirty() {
		if err := lib.Save(p.Cfg.FakeLibPath); err != nil {
			return err
		}
	}

	archive.Merge(chunk, now.UTC().Format(fpcache.BucketLayout), p.Cfg.BucketCap)
	if err := archive.Save(archivePath); err != nil {
		return err
	}
	total, err := fpcache.BuildTotal(p.Cfg.CacheDir, now, p.Cfg.CacheWindowDays)
	if err != nil {
		return err
	}
	if err := total.Save(filepath.Join(p.Cfg.CacheDir, FileTotalCache)); err != nil {
		return err
	}

	log.Printf("run: %d/%d verified", len(matchOK.Rows), len(table.Rows))
	return nil
}

func writeSplit(dir, okName, invalidName string, ok, invalid rows.Table) error {
	return rows.WriteSplit(
		filepath.Join(dir, okName), filepath.Join(dir, invalidName),
		ok.Header, ok.Rows, invalid.Rows)
}

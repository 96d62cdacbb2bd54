// Package fpcache persists fingerprint documents across scan cycles.
//
// Three tiers, all JSON on disk:
//
//	chunk    url → timepoint → hashes            one file per shard, per run
//	archive  url → time bucket → timepoint → …   one file per day, capped buckets
//	total    url → date → timepoint → …          rolling window over archives
//
// Every writer goes through an atomic temp-file rename and every loader
// tolerates missing or corrupt files, so a crashed run leaves the previous
// documents intact.
package fpcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/streamscan/streamscan/internal/fingerprint"
)

// Time layouts for the two persisted tiers.
const (
	BucketLayout = "200601021504" // archive bucket tag, minute resolution
	DateLayout   = "20060102"     // total-cache and archive-file dates
)

// Chunk is one shard's capture output for one run.
type Chunk map[string]fingerprint.Set

// Archive holds capped per-URL history: url → time bucket → fingerprint set.
type Archive map[string]map[string]fingerprint.Set

// LoadChunk reads a chunk file; absent or corrupt files load empty.
func LoadChunk(path string) Chunk {
	c := make(Chunk)
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	_ = json.Unmarshal(data, &c)
	return c
}

// SaveChunk writes a chunk document atomically.
func SaveChunk(path string, c Chunk) error {
	return writeJSON(path, c, "chunk")
}

// ChunkPath names the chunk file for one shard under dir.
func ChunkPath(dir string, shard int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk-%03d.json", shard))
}

// MergeChunkDir folds every chunk-*.json under dir into one document, in
// sorted filename order so later shards win URL collisions the same way on
// every run.
func MergeChunkDir(dir string) (Chunk, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "chunk-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	merged := make(Chunk)
	for _, p := range paths {
		for url, set := range LoadChunk(p) {
			merged[url] = set
		}
	}
	return merged, nil
}

// LoadArchive reads an archive file; absent or corrupt files load empty.
func LoadArchive(path string) Archive {
	a := make(Archive)
	data, err := os.ReadFile(path)
	if err != nil {
		return a
	}
	_ = json.Unmarshal(data, &a)
	return a
}

// Save writes the archive atomically. JSON object keys serialize sorted, so
// equal archives produce byte-identical files.
func (a Archive) Save(path string) error {
	return writeJSON(path, a, "archive")
}

// Merge folds a chunk into the archive under the given bucket tag. An
// existing (url, bucket) pair is overwritten, which makes re-merging the
// same chunk idempotent. When a URL exceeds limit buckets the oldest tags
// are evicted; limit <= 0 means unbounded.
func (a Archive) Merge(c Chunk, bucket string, limit int) {
	for url, set := range c {
		buckets := a[url]
		if buckets == nil {
			buckets = make(map[string]fingerprint.Set)
			a[url] = buckets
		}
		buckets[bucket] = set
		if limit > 0 && len(buckets) > limit {
			tags := make([]string, 0, len(buckets))
			for tag := range buckets {
				tags = append(tags, tag)
			}
			sort.Strings(tags)
			for _, tag := range tags[:len(tags)-limit] {
				delete(buckets, tag)
			}
		}
	}
}

// Latest returns the most recent bucket's fingerprint set for url, or nil
// when the URL has no history. Bucket tags sort chronologically.
func (a Archive) Latest(url string) fingerprint.Set {
	buckets := a[url]
	if len(buckets) == 0 {
		return nil
	}
	best := ""
	for tag := range buckets {
		if tag > best {
			best = tag
		}
	}
	return buckets[best]
}

// ArchivePath names the dated archive file for day under dir.
func ArchivePath(dir string, day time.Time) string {
	return filepath.Join(dir, "archive-"+day.Format(DateLayout)+".json")
}

// BuildTotal folds the dated archives under dir that fall inside windowDays
// of now into one document keyed url → date → fingerprint set, taking each
// day's most recent bucket. Archives older than the window are ignored, so
// the total cache forgets sources that stopped being scanned.
func BuildTotal(dir string, now time.Time, windowDays int) (Archive, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "archive-*.json"))
	if err != nil {
		return nil, err
	}
	cutoff := now.AddDate(0, 0, -(windowDays - 1)).Format(DateLayout)
	total := make(Archive)
	for _, p := range paths {
		date := archiveDate(p)
		if date == "" || date < cutoff || date > now.Format(DateLayout) {
			continue
		}
		arch := LoadArchive(p)
		for url, buckets := range arch {
			if len(buckets) == 0 {
				continue
			}
			sets := total[url]
			if sets == nil {
				sets = make(map[string]fingerprint.Set)
				total[url] = sets
			}
			sets[date] = Archive{url: buckets}.Latest(url)
		}
	}
	return total, nil
}

func archiveDate(path string) string {
	name := filepath.Base(path)
	name = strings.TrimPrefix(name, "archive-")
	name = strings.TrimSuffix(name, ".json")
	if _, err := time.Parse(DateLayout, name); err != nil {
		return ""
	}
	return name
}

func writeJSON(path string, v any, what string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%s: mkdir: %w", what, err)
	}
	tmp, err := os.CreateTemp(dir, "."+what+"-*.json.tmp")
	if err != nil {
		return fmt.Errorf("%s: create temp: %w", what, err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("%s: write: %w", what, writeErr)
		}
		return fmt.Errorf("%s: close: %w", what, closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%s: rename: %w", what, err)
	}
	return nil
}

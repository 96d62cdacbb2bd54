package fpcache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/streamscan/streamscan/internal/fingerprint"
)

func set(ahash string) fingerprint.Set {
	return fingerprint.Set{"1": {AHash: ahash}}
}

func TestChunkRoundTripAndTolerantLoad(t *testing.T) {
	dir := t.TempDir()
	path := ChunkPath(dir, 2)
	c := Chunk{"http://a/x.ts": set("aaaaaaaaaaaaaaaa")}
	if err := SaveChunk(path, c); err != nil {
		t.Fatal(err)
	}
	got := LoadChunk(path)
	if got["http://a/x.ts"]["1"].AHash != "aaaaaaaaaaaaaaaa" {
		t.Fatalf("round trip lost data: %+v", got)
	}
	if n := len(LoadChunk(filepath.Join(dir, "absent.json"))); n != 0 {
		t.Fatalf("absent chunk loaded %d urls", n)
	}
	bad := filepath.Join(dir, "chunk-bad.json")
	os.WriteFile(bad, []byte("{"), 0o644)
	if n := len(LoadChunk(bad)); n != 0 {
		t.Fatalf("corrupt chunk loaded %d urls", n)
	}
}

func TestMergeChunkDirSortedOrder(t *testing.T) {
	dir := t.TempDir()
	SaveChunk(ChunkPath(dir, 1), Chunk{"http://a": set("1111111111111111"), "http://b": set("2222222222222222")})
	SaveChunk(ChunkPath(dir, 0), Chunk{"http://a": set("0000000000000000")})
	merged, err := MergeChunkDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 2 {
		t.Fatalf("merged %d urls, want 2", len(merged))
	}
	// Shard 1 sorts after shard 0, so its value wins the collision.
	if merged["http://a"]["1"].AHash != "1111111111111111" {
		t.Fatalf("collision resolved wrong: %+v", merged["http://a"])
	}
}

func TestArchiveMergeCapsBuckets(t *testing.T) {
	a := make(Archive)
	for i := 0; i < 8; i++ {
		bucket := time.Date(2026, 8, 29, 10, i, 0, 0, time.UTC).Format(BucketLayout)
		a.Merge(Chunk{"http://a": set("aaaaaaaaaaaaaaaa")}, bucket, 6)
	}
	buckets := a["http://a"]
	if len(buckets) != 6 {
		t.Fatalf("kept %d buckets, want 6", len(buckets))
	}
	for _, evicted := range []string{"202608291000", "202608291001"} {
		if _, ok := buckets[evicted]; ok {
			t.Fatalf("oldest bucket %s survived eviction", evicted)
		}
	}
	if a.Latest("http://a") == nil {
		t.Fatal("latest bucket missing")
	}
}

func TestArchiveMergeIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := ArchivePath(dir, time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC))
	c := Chunk{"http://a": set("aaaaaaaaaaaaaaaa"), "http://b": set("bbbbbbbbbbbbbbbb")}

	a := LoadArchive(path)
	a.Merge(c, "202608291200", 6)
	if err := a.Save(path); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(path)

	b := LoadArchive(path)
	b.Merge(c, "202608291200", 6)
	if err := b.Save(path); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(path)

	if !bytes.Equal(first, second) {
		t.Fatal("re-merging the same chunk changed the archive bytes")
	}
}

func TestBuildTotalWindow(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	write := func(daysAgo int, hash string) {
		day := now.AddDate(0, 0, -daysAgo)
		a := make(Archive)
		a.Merge(Chunk{"http://a": set(hash)}, day.Format(BucketLayout), 6)
		if err := a.Save(ArchivePath(dir, day)); err != nil {
			t.Fatal(err)
		}
	}
	write(0, "0000000000000000")
	write(1, "1111111111111111")
	write(2, "2222222222222222")
	write(5, "5555555555555555") // outside the window

	total, err := BuildTotal(dir, now, 3)
	if err != nil {
		t.Fatal(err)
	}
	dates := total["http://a"]
	if len(dates) != 3 {
		t.Fatalf("total holds %d dates, want 3: %v", len(dates), dates)
	}
	if _, ok := dates["20260824"]; ok {
		t.Fatal("archive outside the window leaked into the total cache")
	}
	if dates["20260829"]["1"].AHash != "0000000000000000" {
		t.Fatalf("today's entry wrong: %+v", dates["20260829"])
	}
	if total.Latest("http://a")["1"].AHash != "0000000000000000" {
		t.Fatal("Latest should pick the newest date")
	}
}

func TestBuildTotalPicksLatestBucketPerDay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	a := make(Archive)
	a.Merge(Chunk{"http://a": set("1111111111111111")}, "202608290900", 6)
	a.Merge(Chunk{"http://a": set("2222222222222222")}, "202608291100", 6)
	if err := a.Save(ArchivePath(dir, now)); err != nil {
		t.Fatal(err)
	}
	total, err := BuildTotal(dir, now, 3)
	if err != nil {
		t.Fatal(err)
	}
	if total["http://a"]["20260829"]["1"].AHash != "2222222222222222" {
		t.Fatalf("expected the later bucket: %+v", total["http://a"])
	}
}

func TestLatestEmpty(t *testing.T) {
	if s := (make(Archive)).Latest("http://nope"); s != nil {
		t.Fatalf("Latest on empty archive = %+v, want nil", s)
	}
}

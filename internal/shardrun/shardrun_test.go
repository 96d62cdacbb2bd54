package shardrun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/streamscan/streamscan/internal/rows"
)

func table(n int) rows.Table {
	t := rows.Table{Header: []string{"url", "name"}}
	for i := 0; i < n; i++ {
		t.Rows = append(t.Rows, rows.New(map[string]string{
			"url":  fmt.Sprintf("http://host/%d.ts", i),
			"name": fmt.Sprintf("ch %d", i),
		}))
	}
	return t
}

func TestSplitTableCoversEveryRowOnce(t *testing.T) {
	for _, tc := range []struct{ total, shards int }{
		{10, 3}, {3, 10}, {0, 4}, {7, 1}, {5, 5},
	} {
		shards := SplitTable(table(tc.total), tc.shards)
		if len(shards) != tc.shards {
			t.Fatalf("%d/%d: got %d shards", tc.total, tc.shards, len(shards))
		}
		seen := map[string]int{}
		min, max := tc.total, 0
		for _, s := range shards {
			if len(s.Rows) < min {
				min = len(s.Rows)
			}
			if len(s.Rows) > max {
				max = len(s.Rows)
			}
			for _, r := range s.Rows {
				seen[r.URL()]++
			}
		}
		if len(seen) != tc.total {
			t.Fatalf("%d/%d: %d distinct urls", tc.total, tc.shards, len(seen))
		}
		for url, n := range seen {
			if n != 1 {
				t.Fatalf("%d/%d: %s appears %d times", tc.total, tc.shards, url, n)
			}
		}
		if tc.total > 0 && max-min > 1 {
			t.Fatalf("%d/%d: unbalanced shards, sizes %d..%d", tc.total, tc.shards, min, max)
		}
	}
}

func TestWriteShardInputsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	paths, err := WriteShardInputs(table(5), dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("got %d paths", len(paths))
	}
	total := 0
	for _, p := range paths {
		tbl, err := rows.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		total += len(tbl.Rows)
	}
	if total != 5 {
		t.Fatalf("shard files hold %d rows, want 5", total)
	}
}

func TestRunnerRunsEveryShard(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh as the child binary")
	}
	dir := t.TempDir()
	r := &Runner{Exe: "/bin/sh"}
	err := r.Run(context.Background(), 3, func(shard int) []string {
		return []string{"-c", fmt.Sprintf("touch %s/done-%d", dir, shard)}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("done-%d", i))); err != nil {
			t.Fatalf("shard %d left no marker: %v", i, err)
		}
	}
}

func TestRunnerReportsFailingShard(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh as the child binary")
	}
	r := &Runner{Exe: "/bin/sh", GraceStop: time.Second}
	err := r.Run(context.Background(), 2, func(shard int) []string {
		if shard == 1 {
			return []string{"-c", "exit 3"}
		}
		return []string{"-c", "true"}
	})
	if err == nil {
		t.Fatal("failing child went unreported")
	}
	if !strings.Contains(err.Error(), "shard-1") {
		t.Fatalf("error does not name the shard: %v", err)
	}
}

package rows

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadFile_filtersNonHTTP(t *testing.T) {
	path := writeTemp(t, "in.csv", "name,url,group\nOne,http://example.com/a,News\nBad,file:///etc/passwd,X\nTwo,https://example.com/b,Sports\n")
	tab, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(tab.Rows) != 2 {
		t.Fatalf("expected 2 rows; got %d", len(tab.Rows))
	}
	if tab.Rows[0].URL() != "http://example.com/a" || tab.Rows[0].Get("group") != "News" {
		t.Errorf("rows[0] = %q / %q", tab.Rows[0].URL(), tab.Rows[0].Get("group"))
	}
}

func TestReadFile_missingURLColumn(t *testing.T) {
	path := writeTemp(t, "in.csv", "name,address\nOne,http://example.com/a\n")
	if _, err := ReadFile(path); err == nil {
		t.Fatal("expected error for missing url column")
	}
}

func TestWith_doesNotMutateOriginal(t *testing.T) {
	r := New(map[string]string{URLColumn: "http://x", "name": "One"})
	r2 := r.With("status", "200")
	if r.Get("status") != "" {
		t.Errorf("original row mutated: status=%q", r.Get("status"))
	}
	if r2.Get("status") != "200" || r2.Get("name") != "One" {
		t.Errorf("derived row = %+v", r2)
	}
}

func TestAppendColumns_dedup(t *testing.T) {
	h := AppendColumns([]string{"url", "name"}, "status", "name", "rtt_ms")
	want := []string{"url", "name", "status", "rtt_ms"}
	if len(h) != len(want) {
		t.Fatalf("header = %v", h)
	}
	for i := range want {
		if h[i] != want[i] {
			t.Fatalf("header = %v; want %v", h, want)
		}
	}
}

func TestWriteSplit_roundTrip(t *testing.T) {
	dir := t.TempDir()
	header := AppendColumns([]string{"url", "name"}, "status")
	ok := []Row{New(map[string]string{"url": "http://a", "name": "A", "status": "200"})}
	bad := []Row{New(map[string]string{"url": "http://b", "name": "B", "status": "timeout"})}
	okPath := filepath.Join(dir, "ok.csv")
	badPath := filepath.Join(dir, "not.csv")
	if err := WriteSplit(okPath, badPath, header, ok, bad); err != nil {
		t.Fatal(err)
	}
	tab, err := ReadFile(okPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(tab.Rows) != 1 || tab.Rows[0].Get("status") != "200" {
		t.Errorf("ok round-trip = %+v", tab.Rows)
	}
	data, err := os.ReadFile(badPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "timeout") {
		t.Errorf("invalid file missing reason: %s", data)
	}
}

func TestMergeFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.csv"), []byte("url,name\nhttp://b,B\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "a.csv"), []byte("url,name\nhttp://a,A\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "empty.csv"), []byte(""), 0o644)
	out := filepath.Join(dir, "merged", "all.csv")
	n, err := MergeFiles(dir, out)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("merged %d rows; want 2", n)
	}
	tab, err := ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(tab.Rows) != 2 || tab.Rows[0].URL() != "http://a" {
		t.Errorf("merged rows = %+v", tab.Rows)
	}
}

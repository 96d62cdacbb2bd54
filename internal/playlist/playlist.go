// Package playlist turns published channel lists into candidate row tables.
// Lists arrive as M3U playlists or as bare URL-per-line text, frequently
// from flaky mirrors, so fetching goes through the retrying HTTP path and
// parsing tolerates junk lines.
package playlist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/streamscan/streamscan/internal/httpclient"
	"github.com/streamscan/streamscan/internal/rows"
	"github.com/streamscan/streamscan/internal/safeurl"
)

// Header is the column set of a parsed playlist table. The url column feeds
// the scan stages; the rest ride along for the final output.
var Header = []string{"url", "name", "tvg_id", "tvg_logo", "group_title"}

var attrPattern = regexp.MustCompile(`([a-zA-Z0-9-]+)="([^"]*)"`)

// Parse reads an M3U playlist or a plain URL list into a table. EXTINF
// metadata is carried when present; lines that are neither metadata nor a
// usable http(s) URL are skipped. NUL bytes are stripped first since some
// providers serve UTF-16 mislabeled as UTF-8.
func Parse(text string) rows.Table {
	t := rows.Table{Header: Header}
	text = strings.ReplaceAll(text, "\x00", "")

	var pending map[string]string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "" || line == "#EXTM3U":
			continue
		case strings.HasPrefix(line, "#EXTINF:"):
			pending = parseExtinf(line)
		case strings.HasPrefix(line, "#"):
			continue
		default:
			u := safeurl.Normalize(line)
			if !safeurl.IsHTTPOrHTTPS(u) {
				pending = nil
				continue
			}
			values := map[string]string{"url": u}
			for k, v := range pending {
				values[k] = v
			}
			t.Rows = append(t.Rows, rows.New(values))
			pending = nil
		}
	}
	return t
}

func parseExtinf(line string) map[string]string {
	values := make(map[string]string)
	if i := strings.LastIndex(line, ","); i >= 0 {
		values["name"] = strings.TrimSpace(line[i+1:])
	}
	for _, m := range attrPattern.FindAllStringSubmatch(line, -1) {
		switch m[1] {
		case "tvg-id":
			values["tvg_id"] = m[2]
		case "tvg-logo":
			values["tvg_logo"] = m[2]
		case "group-title":
			values["group_title"] = m[2]
		case "tvg-name":
			if values["name"] == "" {
				values["name"] = m[2]
			}
		}
	}
	return values
}

// Fetch downloads the list at url and parses it. Rate-limited and flapping
// mirrors are retried per httpclient.DefaultRetryPolicy; any final non-200
// status is an error because a missing source list has no useful fallback.
func Fetch(ctx context.Context, client *http.Client, url string) (rows.Table, error) {
	resp, err := httpclient.GetWithRetry(ctx, client, url, httpclient.DefaultRetryPolicy)
	if err != nil {
		return rows.Table{}, fmt.Errorf("fetch playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return rows.Table{}, fmt.Errorf("fetch playlist: %s returned %d", safeurl.Redact(url), resp.StatusCode)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, httpclient.BodyReader(resp)); err != nil {
		return rows.Table{}, fmt.Errorf("fetch playlist: read: %w", err)
	}
	return Parse(sb.String()), nil
}

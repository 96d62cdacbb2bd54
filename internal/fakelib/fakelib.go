// Package fakelib maintains the library of known fake-source fingerprints
// and matches candidate fingerprints against it.
//
// The library is an append-only JSON document. New fakes are learned, not
// hand-edited: a candidate fingerprint that keeps matching the library
// across runs is folded in as its own entry, so drifting variants of a
// placeholder loop stay covered.
package fakelib

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/streamscan/streamscan/internal/fingerprint"
	"github.com/streamscan/streamscan/internal/imagehash"
)

// Entry is one known fake source's fingerprint set.
type Entry struct {
	Frames fingerprint.Set `json:"frames"`
	Label  string          `json:"label,omitempty"`
	Added  string          `json:"added,omitempty"`
}

type document struct {
	Entries      []Entry        `json:"entries"`
	Observations map[string]int `json:"observations,omitempty"`
}

// Library holds the fake fingerprint entries plus the cross-run observation
// counts that drive learning.
type Library struct {
	entries      []Entry
	observations map[string]int
	keys         map[string]bool
	dirty        bool
}

// Load reads a library document from path. A missing or unreadable file
// yields an empty library; corrupt JSON does too, so one bad write never
// wedges the pipeline.
func Load(path string) *Library {
	l := &Library{observations: map[string]int{}, keys: map[string]bool{}}
	if path == "" {
		return l
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return l
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return l
	}
	l.entries = doc.Entries
	if doc.Observations != nil {
		l.observations = doc.Observations
	}
	for _, e := range l.entries {
		l.keys[e.Frames.Key()] = true
	}
	return l
}

// Len returns the number of library entries.
func (l *Library) Len() int { return len(l.entries) }

// Dirty reports whether the library changed since Load.
func (l *Library) Dirty() bool { return l.dirty }

// Match is the outcome of comparing one candidate set to the library.
type Match struct {
	Score         float64 // best set similarity over all entries
	Label         string  // label of the best-scoring entry
	DHashDistance int     // smallest absolute dhash distance seen, -1 when no dhash pair
}

// Compare scores a candidate fingerprint against every library entry. The
// returned match carries the best similarity plus the closest dhash
// distance, which the matcher uses as a near-identity alternative for
// sources that defeat the averaged score.
func (l *Library) Compare(s fingerprint.Set) Match {
	m := Match{DHashDistance: -1}
	if s.Empty() {
		return m
	}
	for _, e := range l.entries {
		if score := fingerprint.SetSimilarity(s, e.Frames); score > m.Score {
			m.Score = score
			m.Label = e.Label
		}
		if d := minDHashDistance(s, e.Frames); d >= 0 && (m.DHashDistance < 0 || d < m.DHashDistance) {
			m.DHashDistance = d
		}
	}
	return m
}

func minDHashDistance(a, b fingerprint.Set) int {
	best := -1
	for _, ra := range a {
		ha, err := imagehash.Parse(ra.DHash)
		if ra.DHash == "" || err != nil {
			continue
		}
		for _, rb := range b {
			hb, err := imagehash.Parse(rb.DHash)
			if rb.DHash == "" || err != nil {
				continue
			}
			if d := imagehash.Distance(ha, hb); best < 0 || d < best {
				best = d
			}
		}
	}
	return best
}

// Observe records that a candidate fingerprint matched the library in this
// run. Once the same fingerprint has matched in more than one run it is
// appended as its own entry, exactly once. Returns true when the set was
// learned now.
func (l *Library) Observe(s fingerprint.Set, label string) bool {
	if s.Empty() {
		return false
	}
	key := s.Key()
	l.observations[key]++
	l.dirty = true
	if l.observations[key] <= 1 || l.keys[key] {
		return false
	}
	l.entries = append(l.entries, Entry{
		Frames: s,
		Label:  label,
		Added:  time.Now().UTC().Format("2006-01-02"),
	})
	l.keys[key] = true
	return true
}

// Save writes the library atomically via a temp file rename. Nil path is a
// no-op so dry runs need no special casing.
func (l *Library) Save(path string) error {
	if path == "" {
		return nil
	}
	doc := document{Entries: l.entries, Observations: l.observations}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fake library: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".fakelib-*.json.tmp")
	if err != nil {
		return fmt.Errorf("fake library: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("fake library: write: %w", writeErr)
		}
		return fmt.Errorf("fake library: close: %w", closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fake library: rename: %w", err)
	}
	l.dirty = false
	return nil
}

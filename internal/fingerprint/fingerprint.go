// Package fingerprint captures video frames at fixed offsets and reduces
// them to perceptual hash sets.
//
// Raw frames never leave this package: the moment a frame is hashed it is
// discarded, and only the derived 64-bit values are persisted or compared.
package fingerprint

import (
	"sort"
	"strings"

	"github.com/streamscan/streamscan/internal/imagehash"
)

// Algorithm names as used in persisted documents.
const (
	AlgoAverage    = "ahash"
	AlgoDifference = "dhash"
	AlgoPerceptual = "phash"
	AlgoWavelet    = "whash"
)

// Record holds the hashes of one captured frame, hex-encoded for
// persistence. Empty strings mean the capture (or a single algorithm) did
// not produce a value; Error explains a wholly failed timepoint.
type Record struct {
	AHash string `json:"ahash,omitempty"`
	DHash string `json:"dhash,omitempty"`
	PHash string `json:"phash,omitempty"`
	WHash string `json:"whash,omitempty"`
	Error string `json:"error,omitempty"`
}

// Empty reports whether the record carries no hash at all.
func (r Record) Empty() bool {
	return r.AHash == "" && r.DHash == "" && r.PHash == "" && r.WHash == ""
}

// Algorithms returns the parsed hash per algorithm, skipping absent or
// malformed values.
func (r Record) Algorithms() map[string]imagehash.Hash {
	out := make(map[string]imagehash.Hash, 4)
	for _, pair := range []struct {
		name, hex string
	}{
		{AlgoAverage, r.AHash},
		{AlgoDifference, r.DHash},
		{AlgoPerceptual, r.PHash},
		{AlgoWavelet, r.WHash},
	} {
		if pair.hex == "" {
			continue
		}
		h, err := imagehash.Parse(pair.hex)
		if err != nil {
			continue
		}
		out[pair.name] = h
	}
	return out
}

// Set is one source's fingerprint for one capture cycle: timepoint label
// (seconds offset, e.g. "1", "5", "10") → frame record. Timepoints whose
// capture failed after retries stay present with a null record so the
// attempt is auditable.
type Set map[string]Record

// Empty reports whether no timepoint yielded any hash.
func (s Set) Empty() bool {
	for _, r := range s {
		if !r.Empty() {
			return false
		}
	}
	return true
}

// RecordSimilarity is the mean of per-algorithm Hamming similarities over
// the algorithms both records carry; records sharing no algorithm score 0.
func RecordSimilarity(a, b Record) float64 {
	ah, bh := a.Algorithms(), b.Algorithms()
	var sum float64
	n := 0
	for name, av := range ah {
		bv, ok := bh[name]
		if !ok {
			continue
		}
		sum += imagehash.Similarity(av, bv)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// SetSimilarity is the maximum RecordSimilarity over all frame pairs: two
// sources look alike if any of their sampled frames do. Symmetric by
// construction.
func SetSimilarity(a, b Set) float64 {
	best := 0.0
	for _, ra := range a {
		if ra.Empty() {
			continue
		}
		for _, rb := range b {
			if rb.Empty() {
				continue
			}
			if s := RecordSimilarity(ra, rb); s > best {
				best = s
			}
		}
	}
	return best
}

// Key is a stable identity for a fingerprint set: the sorted timepoint
// labels with their hex hashes. Used by the learner to deduplicate library
// entries.
func (s Set) Key() string {
	labels := make([]string, 0, len(s))
	for l := range s {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	var b strings.Builder
	for _, l := range labels {
		r := s[l]
		b.WriteString(l)
		b.WriteByte(':')
		b.WriteString(r.AHash + "," + r.DHash + "," + r.PHash + "," + r.WHash + ";")
	}
	return b.String()
}

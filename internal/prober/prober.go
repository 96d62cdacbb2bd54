// Package prober implements the reachability stage: a bounded-concurrency
// HTTP liveness check over untrusted candidate URLs.
//
// A source counts as reachable when its status is in a fixed allow-set (or
// any 5xx, since the server exists even if it is unhappy) AND at least a few body
// bytes can actually be read; plenty of dead IPTV hosts return headers and
// then hang forever on the body.
package prober

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/streamscan/streamscan/internal/httpclient"
	"github.com/streamscan/streamscan/internal/pool"
	"github.com/streamscan/streamscan/internal/rows"
)

// Reason classifies why a probe failed.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonTimeout Reason = "timeout"
	ReasonConnect Reason = "connection_error"
	ReasonStatus  Reason = "rejected_status"
	ReasonOther   Reason = "other"
)

// Outcome is the result of probing one URL: either a success with status and
// round-trip time, or a classified failure. Never both.
type Outcome struct {
	OK     bool
	Status int           // last observed status; 0 when no response was seen
	RTT    time.Duration // valid only when OK
	Reason Reason        // set only when !OK
}

// successStatus reports whether an HTTP status counts as "source exists".
// 403 and 429 are deliberate members: they prove a live server even though
// the body is refused.
func successStatus(code int) bool {
	switch code {
	case http.StatusOK, http.StatusPartialContent,
		http.StatusMovedPermanently, http.StatusFound,
		http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return code >= 500 && code <= 599
}

// minBodyBytes is how much of the body must be readable before a probe
// counts as a success.
const minBodyBytes = 10

// Options tunes a probing run.
type Options struct {
	Concurrency  int
	Timeout      time.Duration
	Retries      int           // additional attempts after the first
	BackoffBase  time.Duration // delay before attempt k+1 is BackoffBase×(k+1)
	RateLimit    float64       // global requests/second; 0 = unlimited
	PerSiteLimit int           // max in-flight probes per registrable domain; 0 = uncapped
	UserAgent    string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Concurrency <= 0 {
		out.Concurrency = 100
	}
	if out.Timeout <= 0 {
		out.Timeout = 8 * time.Second
	}
	if out.Retries < 0 {
		out.Retries = 0
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 200 * time.Millisecond
	}
	if out.UserAgent == "" {
		out.UserAgent = "streamscan/1.0"
	}
	return out
}

// Prober probes URLs with bounded fan-out. Client may be nil (shared tuned
// client is used).
type Prober struct {
	Client  *http.Client
	Options Options

	limiter *rate.Limiter
	sites   *httpclient.KeyedLimiter
}

// New returns a Prober with opt applied.
func New(client *http.Client, opt Options) *Prober {
	opt = opt.withDefaults()
	p := &Prober{Client: client, Options: opt}
	if p.Client == nil {
		p.Client = httpclient.WithTimeout(opt.Timeout)
	}
	if opt.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opt.RateLimit), int(opt.RateLimit)+1)
	}
	if opt.PerSiteLimit > 0 {
		p.sites = httpclient.NewKeyedLimiter(opt.PerSiteLimit)
	}
	return p
}

// Check probes every row and partitions the table into reachable and
// unreachable sets. Both carry the stage's columns: rtt_ms, status and
// probe_error. Results are collected in completion order; the partition is
// order-independent.
func (p *Prober) Check(ctx context.Context, in []rows.Row) (ok, invalid []rows.Row) {
	var mu sync.Mutex
	pool.Each(ctx, p.Options.Concurrency, len(in), func(ctx context.Context, i int) {
		row := in[i]
		out := p.CheckURL(ctx, row.URL())
		row = annotate(row, out)
		mu.Lock()
		if out.OK {
			ok = append(ok, row)
		} else {
			invalid = append(invalid, row)
		}
		mu.Unlock()
	})
	return ok, invalid
}

func annotate(row rows.Row, out Outcome) rows.Row {
	if out.Status > 0 {
		row = row.With("status", strconv.Itoa(out.Status))
	} else {
		row = row.With("status", "")
	}
	if out.OK {
		return row.With("rtt_ms", strconv.FormatInt(out.RTT.Milliseconds(), 10)).With("probe_error", "")
	}
	return row.With("rtt_ms", "").With("probe_error", string(out.Reason))
}

// CheckURL probes url with the configured retry budget. Every failure is a
// value; CheckURL never returns an error.
func (p *Prober) CheckURL(ctx context.Context, url string) Outcome {
	release := p.acquireSite(ctx, url)
	if release != nil {
		defer release()
	}

	last := Outcome{OK: false, Reason: ReasonOther}
	attempts := p.Options.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// Linear backoff; in-task suspension, never a blocking sleep of
			// the admission pool.
			delay := p.Options.BackoffBase * time.Duration(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return last
			}
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return last
			}
		}
		out := p.probeOnce(ctx, url)
		if out.OK {
			return out
		}
		last = out
	}
	return last
}

func (p *Prober) probeOnce(ctx context.Context, url string) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.Options.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{Reason: ReasonOther}
	}
	req.Header.Set("User-Agent", p.Options.UserAgent)
	req.Header.Set("Accept-Encoding", httpclient.AcceptEncoding)

	resp, err := p.Client.Do(req)
	if err != nil {
		return Outcome{Reason: classifyErr(err)}
	}
	defer resp.Body.Close()

	if !successStatus(resp.StatusCode) {
		return Outcome{Status: resp.StatusCode, Reason: ReasonStatus}
	}

	// Headers alone prove nothing; require real body bytes. A short body
	// that still delivered bytes counts (tiny playlists exist).
	buf := make([]byte, minBodyBytes)
	n, readErr := io.ReadFull(httpclient.BodyReader(resp), buf)
	if n == 0 {
		if readErr != nil && errors.Is(readErr, context.DeadlineExceeded) {
			return Outcome{Status: resp.StatusCode, Reason: ReasonTimeout}
		}
		return Outcome{Status: resp.StatusCode, Reason: ReasonConnect}
	}
	return Outcome{OK: true, Status: resp.StatusCode, RTT: time.Since(start)}
}

func classifyErr(err error) Reason {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonOther
	default:
		return ReasonConnect
	}
}

// acquireSite takes a per-registrable-domain slot so a single huge host
// block cannot monopolize the pool. Returns a release func, or nil when the
// cap is disabled, the URL has no usable host, or ctx expired while waiting.
func (p *Prober) acquireSite(ctx context.Context, rawURL string) func() {
	if p.sites == nil {
		return nil
	}
	site := siteKey(rawURL)
	if site == "" {
		return nil
	}
	release, ok := p.sites.Acquire(ctx, site)
	if !ok {
		return nil
	}
	return release
}

// siteKey reduces a URL to its registrable domain (eTLD+1); bare IPs and
// unparsable hosts group under themselves.
func siteKey(rawURL string) string {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil || req.URL.Hostname() == "" {
		return ""
	}
	host := req.URL.Hostname()
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}

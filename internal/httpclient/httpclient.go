// Package httpclient holds the shared tuned HTTP client used by the
// reachability prober. Probing thousands of hosts reuses connections where
// it can; per-call deadlines come from the caller's context, not from here.
package httpclient

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
			// We set Accept-Encoding ourselves so brotli-only fronts still
			// hand us a body we can read; disable the transparent gzip path.
			DisableCompression: true,
		},
	}
}

// Default returns the shared tuned HTTP client.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout and the same transport
// settings as Default (or a copy).
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}

// AcceptEncoding is the value probe requests send; keep in sync with BodyReader.
const AcceptEncoding = "gzip, br, identity"

// BodyReader wraps resp.Body with a decoder matching the response's
// Content-Encoding. Unknown encodings fall through undecoded; the prober
// only needs to see that bytes flow.
func BodyReader(resp *http.Response) io.Reader {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		return brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp.Body
		}
		return gz
	default:
		return resp.Body
	}
}

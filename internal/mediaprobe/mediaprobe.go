// Package mediaprobe orchestrates the external ffprobe tool: stream/format
// introspection for the deep-scan stage and PTS sampling for the temporal
// integrity check.
//
// Tool absence, non-zero exit, timeouts, and unparseable output are all
// classified outcomes, never errors that abort a batch. Subprocesses always
// run under a deadline and are killed when it expires.
package mediaprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrClass classifies a probe failure. Empty means success.
type ErrClass string

const (
	ErrNone          ErrClass = ""
	ErrTimeout       ErrClass = "timeout"
	ErrNoOutput      ErrClass = "no_output"
	ErrParse         ErrClass = "parse_error"
	ErrToolMissing   ErrClass = "tool_unavailable"
	ErrNoVideoStream ErrClass = "no_video_stream"
	ErrOther         ErrClass = "other"
)

// Metadata is the first video stream's parameters plus container facts.
type Metadata struct {
	HasVideo   bool
	HasAudio   bool
	VideoCodec string
	Width      int
	Height     int
	FrameRate  float64
	Duration   float64 // seconds; 0 when the container reports none (live)
	BitRate    int64
}

// Resolution renders "WxH" or "" when unknown.
func (m Metadata) Resolution() string {
	if m.Width > 0 && m.Height > 0 {
		return strconv.Itoa(m.Width) + "x" + strconv.Itoa(m.Height)
	}
	return ""
}

// Introspection is one deep-scan outcome: metadata or a classified failure,
// plus the observed wall-clock cost either way.
type Introspection struct {
	Meta    Metadata
	Err     ErrClass
	Elapsed time.Duration
}

// Runner invokes ffprobe. Bin may be a bare name (resolved via PATH) or an
// absolute path.
type Runner struct {
	Bin string
}

// NewRunner returns a Runner for bin ("ffprobe" when empty).
func NewRunner(bin string) *Runner {
	if bin == "" {
		bin = "ffprobe"
	}
	return &Runner{Bin: bin}
}

// Introspect probes url's streams and format. A source with no video stream
// is classified ErrNoVideoStream even though the probe itself succeeded:
// IPTV entries must carry video.
func (r *Runner) Introspect(ctx context.Context, url string, timeout time.Duration) Introspection {
	start := time.Now()
	stdout, class := r.run(ctx, timeout,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		url,
	)
	res := Introspection{Err: class, Elapsed: time.Since(start)}
	if class != ErrNone {
		return res
	}

	var doc struct {
		Streams []struct {
			CodecType    string `json:"codec_type"`
			CodecName    string `json:"codec_name"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			AvgFrameRate string `json:"avg_frame_rate"`
			RFrameRate   string `json:"r_frame_rate"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
			BitRate  string `json:"bit_rate"`
		} `json:"format"`
	}
	if err := json.Unmarshal(stdout, &doc); err != nil {
		res.Err = ErrParse
		return res
	}

	for _, s := range doc.Streams {
		switch s.CodecType {
		case "video":
			if !res.Meta.HasVideo {
				res.Meta.HasVideo = true
				res.Meta.VideoCodec = s.CodecName
				res.Meta.Width = s.Width
				res.Meta.Height = s.Height
				fr := s.AvgFrameRate
				if fr == "" || fr == "0/0" {
					fr = s.RFrameRate
				}
				res.Meta.FrameRate = parseFrameRate(fr)
			}
		case "audio":
			res.Meta.HasAudio = true
		}
	}
	if d, err := strconv.ParseFloat(doc.Format.Duration, 64); err == nil {
		res.Meta.Duration = d
	}
	if b, err := strconv.ParseInt(doc.Format.BitRate, 10, 64); err == nil {
		res.Meta.BitRate = b
	}
	if !res.Meta.HasVideo {
		res.Err = ErrNoVideoStream
	}
	return res
}

// SamplePTS extracts up to frames presentation timestamps from the first
// video stream.
func (r *Runner) SamplePTS(ctx context.Context, url string, frames int, timeout time.Duration) ([]float64, ErrClass) {
	if frames <= 0 {
		frames = 30
	}
	stdout, class := r.run(ctx, timeout,
		"-v", "error",
		"-select_streams", "v",
		"-show_entries", "frame=pkt_pts_time,pts_time",
		"-of", "json",
		"-read_intervals", "%+#"+strconv.Itoa(frames),
		url,
	)
	if class != ErrNone {
		return nil, class
	}
	var doc struct {
		Frames []struct {
			PktPTSTime string `json:"pkt_pts_time"`
			PTSTime    string `json:"pts_time"`
		} `json:"frames"`
	}
	if err := json.Unmarshal(stdout, &doc); err != nil {
		return nil, ErrParse
	}
	var pts []float64
	for _, f := range doc.Frames {
		s := f.PktPTSTime
		if s == "" {
			s = f.PTSTime
		}
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		pts = append(pts, v)
	}
	return pts, ErrNone
}

// run executes ffprobe with a hard deadline. On expiry the subprocess is
// killed, never left to exit on its own.
func (r *Runner) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, ErrClass) {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	if err != nil {
		var ee *exec.Error
		if errors.As(err, &ee) || errors.Is(err, exec.ErrNotFound) {
			return nil, ErrToolMissing
		}
		// Non-zero exit: ffprobe writes its complaint to stderr; the stream
		// may still have printed partial JSON, but do not trust it.
		if stdout.Len() == 0 {
			return nil, ErrNoOutput
		}
		return nil, ErrOther
	}
	if stdout.Len() == 0 {
		return nil, ErrNoOutput
	}
	return stdout.Bytes(), ErrNone
}

func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

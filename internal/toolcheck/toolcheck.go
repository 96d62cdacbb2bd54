// Package toolcheck verifies the external media tools before a scan cycle
// fans out, so a missing ffmpeg fails one preflight instead of thousands of
// probes.
package toolcheck

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Status is one tool's preflight result.
type Status struct {
	Bin       string
	Available bool
	Version   string // first line of -version output when available
	Err       error
}

// Check runs "<bin> -version" under a short deadline and reports whether the
// tool answered. A missing binary is a normal Status, not an error.
func Check(ctx context.Context, bin string) Status {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, "-version")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return Status{Bin: bin, Err: err}
	}
	version, _, _ := strings.Cut(out.String(), "\n")
	return Status{Bin: bin, Available: true, Version: strings.TrimSpace(version)}
}

// Require checks every binary and returns an error naming the first one
// that did not answer. Used by subcommands that cannot run without their
// tools (deep, pts, fingerprint).
func Require(ctx context.Context, bins ...string) error {
	for _, bin := range bins {
		if s := Check(ctx, bin); !s.Available {
			return fmt.Errorf("required tool %q unavailable: %w", bin, s.Err)
		}
	}
	return nil
}

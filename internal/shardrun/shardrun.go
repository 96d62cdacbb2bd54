// Package shardrun fans a scan cycle out over child processes. The parent
// splits the input rows into shards, re-executes its own binary once per
// shard, and re-logs child output line by line under a shard prefix so the
// combined log stays readable.
package shardrun

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/streamscan/streamscan/internal/rows"
)

// SplitTable deals table's rows round-robin into n shards. Every row lands
// in exactly one shard; shards differ in size by at most one row.
func SplitTable(t rows.Table, n int) []rows.Table {
	if n < 1 {
		n = 1
	}
	out := make([]rows.Table, n)
	for i := range out {
		out[i].Header = t.Header
	}
	for i, r := range t.Rows {
		k := i % n
		out[k].Rows = append(out[k].Rows, r)
	}
	return out
}

// WriteShardInputs writes one input CSV per shard under dir and returns the
// paths, index-aligned with the shards.
func WriteShardInputs(t rows.Table, dir string, n int) ([]string, error) {
	shards := SplitTable(t, n)
	paths := make([]string, len(shards))
	for i, shard := range shards {
		p := filepath.Join(dir, fmt.Sprintf("input-%03d.csv", i))
		if err := rows.WriteFile(p, shard.Header, shard.Rows); err != nil {
			return nil, fmt.Errorf("shard %d input: %w", i, err)
		}
		paths[i] = p
	}
	return paths, nil
}

// Runner executes one child process per shard, all concurrently.
type Runner struct {
	Exe       string        // child binary; defaults to the current executable
	GraceStop time.Duration // interrupt-to-kill window, default 8s
}

// Run starts n children with the args produced by buildArgs(shard) and
// waits for all of them. The first child failure cancels the rest; the
// error names the failing shard.
func (r *Runner) Run(ctx context.Context, n int, buildArgs func(shard int) []string) error {
	exe := r.Exe
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		exe, _ = filepath.EvalSymlinks(exe)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for shard := 0; shard < n; shard++ {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			name := fmt.Sprintf("shard-%d", shard)
			if err := r.runChild(ctx, exe, name, buildArgs(shard)); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
				cancel()
			}
		}(shard)
	}
	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (r *Runner) runChild(ctx context.Context, exe, name string, args []string) error {
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start child: %w", err)
	}
	log.Printf("shards[%s]: pid=%d", name, cmd.Process.Pid)

	var ioWG sync.WaitGroup
	ioWG.Add(2)
	go func() {
		defer ioWG.Done()
		copyPrefixed(name, "stdout", stdout)
	}()
	go func() {
		defer ioWG.Done()
		copyPrefixed(name, "stderr", stderr)
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	grace := r.GraceStop
	if grace <= 0 {
		grace = 8 * time.Second
	}
	select {
	case <-ctx.Done():
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-waitCh:
			ioWG.Wait()
			return ctx.Err()
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-waitCh
			ioWG.Wait()
			return ctx.Err()
		}
	case err := <-waitCh:
		ioWG.Wait()
		if err != nil {
			return fmt.Errorf("child exit: %w", err)
		}
		return nil
	}
}

func copyPrefixed(name, stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 1024*1024)
	for sc.Scan() {
		log.Printf("[%s %s] %s", name, stream, sc.Text())
	}
	if err := sc.Err(); err != nil {
		log.Printf("[%s %s] read err=%v", name, stream, err)
	}
}

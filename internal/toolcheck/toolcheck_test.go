package toolcheck

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func fakeTool(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub tools are posix only")
	}
	path := filepath.Join(t.TempDir(), "tool")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckAvailable(t *testing.T) {
	bin := fakeTool(t, "echo 'ffmpeg version 6.1.1 Copyright'; echo 'built with gcc'")
	s := Check(context.Background(), bin)
	if !s.Available {
		t.Fatalf("tool reported unavailable: %+v", s)
	}
	if s.Version != "ffmpeg version 6.1.1 Copyright" {
		t.Fatalf("version = %q", s.Version)
	}
}

func TestCheckMissingBinaryIsStatusNotPanic(t *testing.T) {
	s := Check(context.Background(), filepath.Join(t.TempDir(), "no-such-tool"))
	if s.Available || s.Err == nil {
		t.Fatalf("missing tool reported available: %+v", s)
	}
}

func TestRequireNamesTheMissingTool(t *testing.T) {
	good := fakeTool(t, "echo ok")
	missing := filepath.Join(t.TempDir(), "absent")
	err := Require(context.Background(), good, missing)
	if err == nil {
		t.Fatal("Require passed with a missing tool")
	}
	if got := err.Error(); !strings.Contains(got, "absent") || !strings.Contains(got, "unavailable") {
		t.Fatalf("error does not name the tool: %q", got)
	}
	if err := Require(context.Background(), good); err != nil {
		t.Fatalf("Require with available tool: %v", err)
	}
}

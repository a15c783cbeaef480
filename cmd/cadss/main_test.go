package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTraceFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.txt")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRunPrintsTickCount(t *testing.T) {
	path := writeTraceFile(t, "0 A 0x0 0x4 -1 -1 1\n0 A 0x4 0x8 1 -1 2\n")

	outPath := filepath.Join(t.TempDir(), "out.txt")
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer out.Close()

	if err := run([]string{"-T", path, "-E", "2", "-s", "4", "-b", "4"}, out); err != nil {
		t.Fatalf("run: %v", err)
	}

	out.Close()
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(string(data), "Ticks - ") {
		t.Fatalf("expected output to start with %q, got %q", "Ticks - ", data)
	}
}

func TestRunRequiresTraceFlag(t *testing.T) {
	out, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer out.Close()

	if err := run(nil, out); err == nil {
		t.Fatal("expected error when -T is missing")
	}
}

func TestRunRejectsUnknownCoherenceScheme(t *testing.T) {
	path := writeTraceFile(t, "0 A 0x0 0x4 -1 -1 1\n")
	out, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer out.Close()

	if err := run([]string{"-T", path, "-C", "bogus"}, out); err == nil {
		t.Fatal("expected error for unknown coherence scheme")
	}
}

func TestRunAcceptsTopologyAndProcessorCountOnSharedLetters(t *testing.T) {
	// -p means processor count to core.ParseFlags and predictor flavor
	// to branch.ParseFlags; -t means topology to interconnect.ParseFlags.
	// Both must parse independently out of the same argv without error.
	path := writeTraceFile(t, "0 A 0x0 0x4 -1 -1 1\n1 A 0x0 0x4 -1 -1 1\n")
	out, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer out.Close()

	if err := run([]string{"-T", path, "-t", "1", "-p", "2"}, out); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunRejectsInvalidTopology(t *testing.T) {
	path := writeTraceFile(t, "0 A 0x0 0x4 -1 -1 1\n")
	out, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer out.Close()

	if err := run([]string{"-T", path, "-t", "9"}, out); err == nil {
		t.Fatal("expected error for an out-of-range topology")
	}
}

func TestRunWithDebugFlagDumpsInterconnectState(t *testing.T) {
	path := writeTraceFile(t, "0 A 0x0 0x4 -1 -1 1\n")
	outPath := filepath.Join(t.TempDir(), "out.txt")
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer out.Close()

	if err := run([]string{"-T", path, "-D"}, out); err != nil {
		t.Fatalf("run: %v", err)
	}

	out.Close()
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "tick ") {
		t.Fatalf("expected per-tick debug lines in output, got %q", data)
	}
}

package discover

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeFakeTool creates an executable shell script in dir and returns its path.
func writeFakeTool(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("failed to write fake tool: %v", err)
	}
	return path
}

// setLookPath swaps the PATH lookup under the lock, since in-flight
// discovery goroutines read it concurrently.
func setLookPath(d *Discoverer, fn func(string) (string, error)) {
	d.mu.Lock()
	d.lookPath = fn
	d.mu.Unlock()
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestIsAvailable_BothFound(t *testing.T) {
	tmpDir := t.TempDir()
	codePath := writeFakeTool(t, tmpDir, "code")
	tunnelPath := writeFakeTool(t, tmpDir, "devtunnel")

	d := NewWithCandidates(map[string][]string{
		ServerTool: {codePath},
		TunnelTool: {tunnelPath},
	})

	if !d.IsAvailable(waitCtx(t)) {
		t.Fatal("expected both tools to be available")
	}
	if got := d.Path(ServerTool); got != codePath {
		t.Errorf("expected server path %q, got %q", codePath, got)
	}
	if got := d.Path(TunnelTool); got != tunnelPath {
		t.Errorf("expected tunnel path %q, got %q", tunnelPath, got)
	}
}

func TestIsAvailable_OneMissing(t *testing.T) {
	tmpDir := t.TempDir()
	codePath := writeFakeTool(t, tmpDir, "code")

	d := NewWithCandidates(map[string][]string{
		ServerTool: {codePath},
		TunnelTool: {filepath.Join(tmpDir, "no-such-tool")},
	})
	// Keep PATH from resolving a real devtunnel on the host.
	setLookPath(d, func(string) (string, error) { return "", os.ErrNotExist })
	d.ClearAvailabilityCache()

	if d.IsAvailable(waitCtx(t)) {
		t.Fatal("expected availability to be false with one tool missing")
	}

	// The found tool still resolves independently.
	r := d.Lookup(ServerTool)
	if !r.Checked || r.Path != codePath {
		t.Errorf("expected server tool resolved to %q, got %+v", codePath, r)
	}
	r = d.Lookup(TunnelTool)
	if !r.Checked || r.Path != "" {
		t.Errorf("expected tunnel tool checked but unresolved, got %+v", r)
	}
}

func TestFindExecutable_SkipsNonExecutable(t *testing.T) {
	tmpDir := t.TempDir()
	plain := filepath.Join(tmpDir, "code")
	if err := os.WriteFile(plain, []byte("not executable"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	execPath := writeFakeTool(t, tmpDir, "code-real")

	d := NewWithCandidates(map[string][]string{
		ServerTool: {plain, execPath},
		TunnelTool: {},
	})
	setLookPath(d, func(string) (string, error) { return "", os.ErrNotExist })

	if got := d.findExecutable(ServerTool); got != execPath {
		t.Errorf("expected non-executable candidate to be skipped, got %q", got)
	}
}

func TestClearAvailabilityCache_RechecksAfterInstall(t *testing.T) {
	tmpDir := t.TempDir()
	codePath := writeFakeTool(t, tmpDir, "code")
	tunnelPath := filepath.Join(tmpDir, "devtunnel")

	d := NewWithCandidates(map[string][]string{
		ServerTool: {codePath},
		TunnelTool: {tunnelPath},
	})
	setLookPath(d, func(string) (string, error) { return "", os.ErrNotExist })
	d.ClearAvailabilityCache()

	if d.IsAvailable(waitCtx(t)) {
		t.Fatal("expected tunnel tool to be missing initially")
	}

	// "Install" the tool, then re-check.
	writeFakeTool(t, tmpDir, "devtunnel")
	d.ClearAvailabilityCache()

	if !d.IsAvailable(waitCtx(t)) {
		t.Fatal("expected availability after cache clear and install")
	}
}

func TestClearAvailabilityCache_DropsStaleResults(t *testing.T) {
	t.Setenv("PATH", t.TempDir()) // keep the first lookup from finding real tools
	d := NewWithCandidates(map[string][]string{})
	d.IsAvailable(waitCtx(t))

	// This generation's lookups stall until released, pretending to find
	// both tools.
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	setLookPath(d, func(string) (string, error) {
		entered <- struct{}{}
		<-release
		return "/stale/tool", nil
	})
	d.ClearAvailabilityCache()
	<-entered
	<-entered

	// A newer refresh resolves immediately: nothing found.
	setLookPath(d, func(string) (string, error) { return "", os.ErrNotExist })
	d.ClearAvailabilityCache()
	if d.IsAvailable(waitCtx(t)) {
		t.Fatal("expected nothing found in the current generation")
	}

	// Let the stalled lookups finish; their results must not land in the
	// current cache.
	close(release)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d.Path(ServerTool) != "" || d.Path(TunnelTool) != "" {
			t.Fatal("stale discovery result overwrote the current generation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d.IsAvailableSync() {
		t.Error("stale discovery flipped availability")
	}
}

func TestIsAvailableSync_FalseBeforeChecked(t *testing.T) {
	d := &Discoverer{
		results: map[string]*Result{
			ServerTool: {},
			TunnelTool: {},
		},
	}
	if d.IsAvailableSync() {
		t.Fatal("expected false while discovery has not completed")
	}
}

func TestInstallHintFor(t *testing.T) {
	hint := InstallHintFor(TunnelTool)
	if hint == nil || hint.URL == "" || hint.Command == "" {
		t.Fatalf("expected full hint for tunnel tool, got %+v", hint)
	}
	hint = InstallHintFor(ServerTool)
	if hint == nil || hint.URL == "" {
		t.Fatalf("expected hint for server tool, got %+v", hint)
	}
	if InstallHintFor("unknown") != nil {
		t.Error("expected nil hint for unknown tool")
	}
}

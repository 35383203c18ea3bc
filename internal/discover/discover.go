// Package discover locates the two external executables the supervisor
// drives: the code-serving CLI and the tunnel-hosting CLI.
package discover

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
)

// Tool names as they appear on PATH.
const (
	ServerTool = "code"
	TunnelTool = "devtunnel"
)

// Result is the cached discovery outcome for one tool. Checked stays false
// until the lookup for that tool has completed, so callers can distinguish
// "not found" from "not checked yet".
type Result struct {
	Path    string
	Checked bool
}

// InstallHint carries structured installation guidance for a missing tool,
// surfaced to clients inside error events.
type InstallHint struct {
	Tool    string `json:"tool"`
	URL     string `json:"url"`
	Command string `json:"command,omitempty"`
}

// Discoverer resolves and caches the locations of both required tools. The
// two lookups run concurrently and independently: a missing tool never blocks
// resolution of the other.
type Discoverer struct {
	mu         sync.Mutex
	results    map[string]*Result
	done       chan struct{}
	candidates map[string][]string
	lookPath   func(string) (string, error)

	// Incremented on every refresh; lookups from an older generation must
	// not write into the current cache.
	gen int
}

// New creates a Discoverer with the platform default candidate lists and
// kicks off discovery for both tools.
func New() *Discoverer {
	return NewWithCandidates(defaultCandidates())
}

// NewWithCandidates creates a Discoverer with explicit per-tool candidate
// paths. Used by tests to point the supervisor at fake executables.
func NewWithCandidates(candidates map[string][]string) *Discoverer {
	d := &Discoverer{
		results:    make(map[string]*Result),
		candidates: candidates,
		lookPath:   exec.LookPath,
	}
	d.refresh()
	return d
}

// defaultCandidates returns the ordered absolute-path candidates per tool,
// tried before falling back to a PATH lookup.
func defaultCandidates() map[string][]string {
	home, _ := os.UserHomeDir()

	candidates := map[string][]string{
		ServerTool: {
			"/usr/local/bin/code",
			"/usr/bin/code",
			"/opt/homebrew/bin/code",
			"/snap/bin/code",
		},
		TunnelTool: {
			"/usr/local/bin/devtunnel",
			"/usr/bin/devtunnel",
			"/opt/homebrew/bin/devtunnel",
			filepath.Join(home, "bin", "devtunnel"),
		},
	}

	switch runtime.GOOS {
	case "darwin":
		candidates[ServerTool] = append(candidates[ServerTool],
			"/Applications/Visual Studio Code.app/Contents/Resources/app/bin/code")
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData != "" {
			candidates[ServerTool] = append(candidates[ServerTool],
				filepath.Join(localAppData, "Programs", "Microsoft VS Code", "bin", "code.cmd"))
			candidates[TunnelTool] = append(candidates[TunnelTool],
				filepath.Join(localAppData, "Microsoft", "devtunnel", "devtunnel.exe"))
		}
	}

	return candidates
}

// refresh resets the cache and starts a concurrent lookup for each tool.
// Caller must not hold d.mu.
func (d *Discoverer) refresh() {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.results = map[string]*Result{
		ServerTool: {},
		TunnelTool: {},
	}
	done := make(chan struct{})
	d.done = done
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, tool := range []string{ServerTool, TunnelTool} {
		wg.Add(1)
		go func(tool string) {
			defer wg.Done()
			path := d.findExecutable(tool)

			d.mu.Lock()
			if d.gen != gen {
				// A newer refresh superseded this lookup.
				d.mu.Unlock()
				return
			}
			d.results[tool] = &Result{Path: path, Checked: true}
			d.mu.Unlock()

			if path == "" {
				slog.Warn("Executable not found", "tool", tool)
			} else {
				slog.Debug("Executable resolved", "tool", tool, "path", path)
			}
		}(tool)
	}

	go func() {
		wg.Wait()
		close(done)
	}()
}

// findExecutable tries the candidate list first, then PATH.
func (d *Discoverer) findExecutable(tool string) string {
	d.mu.Lock()
	lookPath := d.lookPath
	d.mu.Unlock()

	for _, candidate := range d.candidates[tool] {
		if isExecutable(candidate) {
			return candidate
		}
	}
	if path, err := lookPath(tool); err == nil {
		return path
	}
	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

// Path returns the cached resolved path for a tool, or "" when missing or
// not yet checked.
func (d *Discoverer) Path(tool string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.results[tool]; ok {
		return r.Path
	}
	return ""
}

// Lookup returns the full cached Result for a tool.
func (d *Discoverer) Lookup(tool string) Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.results[tool]; ok {
		return *r
	}
	return Result{}
}

// IsAvailable waits for discovery of both tools to complete (or ctx to
// expire) and reports whether both were found.
func (d *Discoverer) IsAvailable(ctx context.Context) bool {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return false
	}
	return d.IsAvailableSync()
}

// IsAvailableSync reports the last cached joint availability of both tools
// without waiting for an in-flight discovery.
func (d *Discoverer) IsAvailableSync() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tool := range []string{ServerTool, TunnelTool} {
		r, ok := d.results[tool]
		if !ok || !r.Checked || r.Path == "" {
			return false
		}
	}
	return true
}

// ClearAvailabilityCache drops the cached results and re-runs discovery for
// both tools. Used to re-check after the user installs missing tooling.
func (d *Discoverer) ClearAvailabilityCache() {
	d.refresh()
}

// InstallHintFor returns installation guidance for the given tool.
func InstallHintFor(tool string) *InstallHint {
	switch tool {
	case ServerTool:
		return &InstallHint{
			Tool: ServerTool,
			URL:  "https://code.visualstudio.com/download",
		}
	case TunnelTool:
		return &InstallHint{
			Tool:    TunnelTool,
			URL:     "https://aka.ms/devtunnels/download",
			Command: "curl -sL https://aka.ms/DevTunnelCliInstall | bash",
		}
	}
	return nil
}

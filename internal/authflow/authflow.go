// Package authflow drives the tunnel CLI's interactive device-code login and
// its authentication check.
package authflow

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
)

// Event carries the device-code prompt extracted from the login subprocess.
// DeviceCode may be empty when the URL appears before the code is printed.
type Event struct {
	AuthURL    string
	DeviceCode string
}

// Controller runs auth subcommands against a resolved tunnel CLI binary.
type Controller struct {
	tunnelPath   string
	loginTimeout time.Duration
	checkTimeout time.Duration
}

// New creates a Controller for the tunnel CLI at tunnelPath. loginTimeout is
// the ceiling on the interactive login flow.
func New(tunnelPath string, loginTimeout time.Duration) *Controller {
	return &Controller{
		tunnelPath:   tunnelPath,
		loginTimeout: loginTimeout,
		checkTimeout: 15 * time.Second,
	}
}

// CheckAuth reports whether the tunnel CLI already holds a valid login. The
// CLI exits zero with a "not logged in" notice when unauthenticated, so both
// the exit code and the output are checked. No side effects.
func (c *Controller) CheckAuth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.tunnelPath, "user", "show").CombinedOutput()
	if err != nil {
		return false
	}
	return !strings.Contains(strings.ToLower(string(out)), "not logged in")
}

// Login spawns the interactive device-code login under a pty so the CLI
// prints its prompt unbuffered, scans the output for the device-code URL, and
// emits at most one Event through emit. Returns true iff the subprocess exits
// zero. Cancelling ctx (stop during login) kills the subprocess and
// suppresses further events; the login ceiling does the same.
func (c *Controller) Login(ctx context.Context, sessionID, workingDir string, emit func(Event)) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.loginTimeout)
	defer cancel()

	cmd := exec.Command(c.tunnelPath, "user", "login", "-d")
	cmd.Dir = workingDir

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return false, fmt.Errorf("failed to start login process: %w", err)
	}
	defer ptmx.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-done:
		}
	}()

	scanner := newPromptScanner()
	buf := make([]byte, 4096)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 {
			if ev, ok := scanner.feed(buf[:n]); ok && ctx.Err() == nil {
				slog.Info("Device login prompt detected",
					"session", sessionID, "url", ev.AuthURL)
				emit(ev)
			}
		}
		if readErr != nil {
			// The pty returns EIO on linux once the child exits.
			break
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if waitErr != nil {
		slog.Warn("Login process exited with error",
			"session", sessionID, "error", waitErr)
		return false, nil
	}
	return true, nil
}

// Package registrar provisions and deletes named remote tunnel endpoints via
// the tunnel CLI, ahead of the tunnel-hosting process binding to them.
package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const commandTimeout = 30 * time.Second

// Registrar issues create/configure/delete subcommands against one resolved
// tunnel CLI binary. Safe for concurrent use across sessions.
type Registrar struct {
	tunnelPath string
}

func New(tunnelPath string) *Registrar {
	return &Registrar{tunnelPath: tunnelPath}
}

// EnsureTunnel creates the named remote tunnel and configures its port.
// Re-creating an existing tunnel is success. A failed port-configuration step
// is logged but not fatal, since the hosting process can still bind the port
// itself. A failed create step is fatal.
func (r *Registrar) EnsureTunnel(ctx context.Context, tunnelID string, port int) error {
	out, err := r.run(ctx, "create", tunnelID)
	if err != nil && !isConflict(out) {
		return fmt.Errorf("failed to create tunnel %s: %w (%s)", tunnelID, err, firstLine(out))
	}

	out, err = r.run(ctx, "port", "create", tunnelID, "--port-number", strconv.Itoa(port))
	if err != nil && !isConflict(out) {
		slog.Warn("Failed to configure tunnel port",
			"tunnel_id", tunnelID, "port", port, "error", err)
	}
	return nil
}

// Teardown deletes the remote tunnel registration. Best effort: the
// process-level teardown already removed accessibility, so errors are only
// logged.
func (r *Registrar) Teardown(tunnelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := r.run(ctx, "delete", tunnelID, "--force"); err != nil {
		slog.Debug("Tunnel registration delete failed",
			"tunnel_id", tunnelID, "error", err)
	}
}

func (r *Registrar) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.tunnelPath, args...).CombinedOutput()
	return string(out), err
}

// isConflict reports whether CLI output indicates the resource already
// exists, which counts as success for idempotent re-creation.
func isConflict(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "already exists") ||
		strings.Contains(lower, "conflict") ||
		strings.Contains(lower, "409")
}

func firstLine(out string) string {
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	return strings.TrimSpace(out)
}

var tunnelIDUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// TunnelIDFor derives the deterministic remote tunnel name for a session.
// The CLI accepts lowercase alphanumerics and hyphens, max 60 characters.
func TunnelIDFor(sessionID string) string {
	sanitized := tunnelIDUnsafe.ReplaceAllString(strings.ToLower(sessionID), "-")
	sanitized = strings.Trim(sanitized, "-")
	id := "tunneld-" + sanitized
	if len(id) > 60 {
		id = id[:60]
	}
	return strings.TrimRight(id, "-")
}

package supervisor

import (
	"context"
	"os/exec"
	"time"

	"go.codemux.dev/tunneld/internal/discover"
)

// Status is the lifecycle state of one session's tunnel pairing. Stopped
// tunnels are removed from the live table rather than retained.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusDegraded   Status = "degraded"
	StatusRestarting Status = "restarting"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// Stable error codes returned in StartResult.Error.
const (
	ErrCodeNotFound           = "not_found"
	ErrCodeAlreadyActive      = "already_active"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeAuthFailed         = "auth_failed"
	ErrCodePortExhausted      = "port_exhausted"
	ErrCodeSpawnFailed        = "spawn_failed"
	ErrCodeRegistrationFailed = "registration_failed"
	ErrCodeCrashLoop          = "crash_loop"

	// Not surfaced to callers as a real failure: start was interrupted by an
	// explicit stop, which owns the cleanup and the stopped event.
	errCodeStopped = "stopped"
)

// Which process an exit handler observed dying. Consumed by the next restart
// decision.
const (
	diedNone   = "none"
	diedServer = "server"
	diedTunnel = "tunnel"
)

// Tunnel is the live record for one session. All fields are guarded by the
// owning Supervisor's mutex; the unexported handles must never be touched
// outside of it.
type Tunnel struct {
	SessionID       string
	WorkingDir      string
	Status          Status
	LocalPort       int
	ConnectionToken string
	LocalURL        string
	PublicURL       string
	TunnelID        string

	RetryCount    int
	TotalRestarts int

	serverCmd *exec.Cmd
	tunnelCmd *exec.Cmd

	stopping       bool
	restartPending bool
	// True while a bring-up flow (initial start or restart) owns the
	// record. Exit handlers defer to the flow instead of scheduling a
	// concurrent restart; the flow routes any deferred death on completion.
	bringingUp     bool
	startedEmitted bool
	whichDied      string
	createdAt      time.Time
	lastSpawnTime  time.Time

	// Closed exactly once by Stop (or an aborted start) to wake every
	// in-flight wait for this tunnel.
	stopCh chan struct{}

	stabilityTimer *time.Timer
	loginCancel    context.CancelFunc
}

// isActive reports whether the tunnel counts against the concurrent-tunnel
// limit and blocks a duplicate start.
func (t *Tunnel) isActive() bool {
	switch t.Status {
	case StatusStarting, StatusRunning, StatusDegraded:
		return true
	}
	return false
}

// StartResult is the outcome of a Start call, carrying whichever URLs are
// known at failure time. Install is populated on not_found failures.
type StartResult struct {
	Success   bool                  `json:"success"`
	URL       string                `json:"url,omitempty"`
	LocalURL  string                `json:"localUrl,omitempty"`
	PublicURL string                `json:"publicUrl,omitempty"`
	Error     string                `json:"error,omitempty"`
	Message   string                `json:"message,omitempty"`
	Install   *discover.InstallHint `json:"install,omitempty"`
}

// StatusInfo is the snapshot returned by GetStatus.
type StatusInfo struct {
	Status    Status `json:"status"`
	LocalURL  string `json:"localUrl,omitempty"`
	PublicURL string `json:"publicUrl,omitempty"`
	URL       string `json:"url,omitempty"`
	PID       int    `json:"pid,omitempty"`
	TunnelPID int    `json:"tunnelPid,omitempty"`
}

// Package supervisor owns the per-session state machine pairing a local
// code-serving process with a tunnel-hosting process, keeping the pair alive
// with backoff and tearing it down safely.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.codemux.dev/tunneld/internal/authflow"
	"go.codemux.dev/tunneld/internal/core"
	"go.codemux.dev/tunneld/internal/discover"
	"go.codemux.dev/tunneld/internal/portpool"
	"go.codemux.dev/tunneld/internal/registrar"
)

// Supervisor manages an arbitrary number of sessions concurrently. The
// tunnel table and the port pool are the two cross-session structures; both
// are mutex-guarded. Per-tunnel mutation happens only under s.mu, one
// discrete event at a time.
type Supervisor struct {
	mu      sync.Mutex
	cfg     *core.Configuration
	tools   *discover.Discoverer
	tunnels map[string]*Tunnel
	ports   *portpool.Pool
	emit    EmitFunc

	// Non-nil while the periodic health sweep is running.
	healthStop     chan struct{}
	healthInterval time.Duration
	sweepGrace     time.Duration
}

// New creates a Supervisor. emit may be nil when no event consumer exists.
func New(cfg *core.Configuration, tools *discover.Discoverer, emit EmitFunc) *Supervisor {
	if emit == nil {
		emit = func(string, Event) {}
	}
	return &Supervisor{
		cfg:            cfg,
		tools:          tools,
		tunnels:        make(map[string]*Tunnel),
		ports:          portpool.New(cfg.BasePort, cfg.PortRangeWidth),
		emit:           emit,
		healthInterval: time.Minute,
		sweepGrace:     time.Minute,
	}
}

func (s *Supervisor) ctx() context.Context {
	return context.Background()
}

// UpdateConfig applies the runtime-tunable settings from a freshly loaded
// configuration. The port range is fixed because live tunnels hold
// reservations in the pool.
func (s *Supervisor) UpdateConfig(cfg *core.Configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Verbose = cfg.Verbose
	s.cfg.MaxTunnels = cfg.MaxTunnels
	s.cfg.Restart = cfg.Restart
	s.cfg.Timeouts = cfg.Timeouts
}

// timeouts snapshots the timeout settings, which a config reload may replace
// concurrently.
func (s *Supervisor) timeouts() core.TimeoutConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Timeouts
}

// restartSettings snapshots the restart settings.
func (s *Supervisor) restartSettings() core.RestartConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Restart
}

// IsAvailable waits for executable discovery and reports joint availability
// of both required tools.
func (s *Supervisor) IsAvailable(ctx context.Context) bool {
	return s.tools.IsAvailable(ctx)
}

// IsAvailableSync reports the cached joint availability.
func (s *Supervisor) IsAvailableSync() bool {
	return s.tools.IsAvailableSync()
}

// ClearAvailabilityCache re-triggers executable discovery.
func (s *Supervisor) ClearAvailabilityCache() {
	s.tools.ClearAvailabilityCache()
}

// Start brings up the server/tunnel pairing for a session and returns once
// both processes are up (or startup failed). Safe to call concurrently for
// different sessions.
func (s *Supervisor) Start(sessionID, workingDir string) StartResult {
	if res, ok := s.checkStartable(sessionID); !ok {
		return res
	}

	// Both executables must be resolved before any resources are committed.
	ctx, cancel := context.WithTimeout(s.ctx(), 10*time.Second)
	defer cancel()
	if !s.tools.IsAvailable(ctx) {
		return s.rejectMissingTool(sessionID)
	}

	port, err := s.ports.AllocatePort()
	if err != nil {
		return StartResult{Success: false, Error: ErrCodePortExhausted,
			Message: "no local ports available in the configured range"}
	}
	token, err := portpool.GenerateToken()
	if err != nil {
		s.ports.ReleasePort(port)
		return StartResult{Success: false, Error: ErrCodeSpawnFailed,
			Message: fmt.Sprintf("failed to generate connection token: %v", err)}
	}

	t := &Tunnel{
		SessionID:       sessionID,
		WorkingDir:      workingDir,
		Status:          StatusStarting,
		LocalPort:       port,
		ConnectionToken: token,
		TunnelID:        registrar.TunnelIDFor(sessionID),
		whichDied:       diedNone,
		bringingUp:      true,
		createdAt:       time.Now(),
		stopCh:          make(chan struct{}),
	}

	s.mu.Lock()
	// Re-check under the lock: a concurrent Start may have won the race.
	if existing, ok := s.tunnels[sessionID]; ok && existing.isActive() {
		s.mu.Unlock()
		s.ports.ReleasePort(port)
		return StartResult{Success: false, Error: ErrCodeAlreadyActive,
			Message: "a tunnel is already active for this session"}
	}
	if s.activeCountLocked() >= s.cfg.MaxTunnels {
		s.mu.Unlock()
		s.ports.ReleasePort(port)
		return StartResult{Success: false, Error: ErrCodeRateLimited,
			Message: fmt.Sprintf("maximum of %d concurrent tunnels reached", s.cfg.MaxTunnels)}
	}
	s.tunnels[sessionID] = t
	s.ensureHealthLoopLocked()
	s.mu.Unlock()

	slog.Info("Starting tunnel", "session", sessionID, "port", port, "dir", workingDir)
	s.emitStatus(sessionID, StatusStarting, 0, "")

	if se := s.ensureAuth(t); se != nil {
		if se == errStopped {
			return StartResult{Success: false, Error: errCodeStopped, Message: se.message}
		}
		return s.abortStart(t, se.code, se.message)
	}

	if se := s.bringUpServer(t); se != nil {
		if se == errStopped {
			return StartResult{Success: false, Error: errCodeStopped, Message: se.message}
		}
		return s.abortStart(t, se.code, se.message)
	}

	if se := s.bringUpTunnel(t); se != nil {
		if se == errStopped {
			return StartResult{Success: false, Error: errCodeStopped, Message: se.message}
		}
		// The server is up and locally reachable; keep it and degrade
		// instead of tearing the whole session down.
		s.mu.Lock()
		t.Status = StatusDegraded
		localURL := t.LocalURL
		s.mu.Unlock()
		slog.Warn("Tunnel bring-up failed, session degraded to local-only",
			"session", sessionID, "error", se.message)
		s.emitStatus(sessionID, StatusDegraded, 0, se.code)
		s.finishBringUp(t)
		return StartResult{Success: false, Error: se.code, Message: se.message,
			LocalURL: localURL, URL: localURL}
	}

	s.mu.Lock()
	localURL, publicURL := t.LocalURL, t.PublicURL
	s.mu.Unlock()
	s.finishBringUp(t)

	url := publicURL
	if url == "" {
		url = localURL
	}
	slog.Info("Tunnel started", "session", sessionID, "url", url)
	return StartResult{Success: true, URL: url, LocalURL: localURL, PublicURL: publicURL}
}

// checkStartable enforces the duplicate-session and concurrency-limit
// rejections without committing resources.
func (s *Supervisor) checkStartable(sessionID string) (StartResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tunnels[sessionID]; ok && existing.isActive() {
		return StartResult{Success: false, Error: ErrCodeAlreadyActive,
			Message: "a tunnel is already active for this session"}, false
	}
	if s.activeCountLocked() >= s.cfg.MaxTunnels {
		return StartResult{Success: false, Error: ErrCodeRateLimited,
			Message: fmt.Sprintf("maximum of %d concurrent tunnels reached", s.cfg.MaxTunnels)}, false
	}
	return StartResult{}, true
}

func (s *Supervisor) activeCountLocked() int {
	count := 0
	for _, t := range s.tunnels {
		if t.isActive() {
			count++
		}
	}
	return count
}

// rejectMissingTool produces the distinct per-tool not-found failure. No
// events are emitted for this rejection; installation guidance rides on the
// result instead.
func (s *Supervisor) rejectMissingTool(sessionID string) StartResult {
	for _, tool := range []string{discover.ServerTool, discover.TunnelTool} {
		if r := s.tools.Lookup(tool); r.Checked && r.Path == "" {
			var msg string
			if tool == discover.ServerTool {
				msg = "code-serving executable not found; install the editor CLI"
			} else {
				msg = "tunnel-hosting executable not found; install the tunnel CLI"
			}
			slog.Warn("Start rejected, executable missing", "session", sessionID, "tool", tool)
			return StartResult{Success: false, Error: ErrCodeNotFound, Message: msg,
				Install: discover.InstallHintFor(tool)}
		}
	}
	return StartResult{Success: false, Error: ErrCodeNotFound,
		Message: "required executables not yet resolved"}
}

// ensureAuth checks the tunnel CLI's login state and runs the interactive
// device-code flow when needed. The login is cancellable by Stop.
func (s *Supervisor) ensureAuth(t *Tunnel) *startError {
	auth := authflow.New(s.tools.Path(discover.TunnelTool), s.timeouts().Login)
	if auth.CheckAuth(s.ctx()) {
		return nil
	}

	loginCtx, cancel := context.WithCancel(s.ctx())
	defer cancel()

	s.mu.Lock()
	if t.stopping {
		s.mu.Unlock()
		return errStopped
	}
	t.loginCancel = cancel
	s.mu.Unlock()

	ok, err := auth.Login(loginCtx, t.SessionID, t.WorkingDir, func(ev authflow.Event) {
		s.emit(t.SessionID, Event{
			Type:       EventAuth,
			AuthURL:    ev.AuthURL,
			DeviceCode: ev.DeviceCode,
		})
	})

	s.mu.Lock()
	t.loginCancel = nil
	stopped := t.stopping
	s.mu.Unlock()

	if stopped {
		return errStopped
	}
	if err != nil || !ok {
		return &startError{code: ErrCodeAuthFailed,
			message: "device login failed or timed out"}
	}
	return nil
}

// abortStart tears down a partially started tunnel: kills whatever was
// spawned, releases the port, removes the record, and reports the failure.
func (s *Supervisor) abortStart(t *Tunnel, code, message string) StartResult {
	s.mu.Lock()
	if t.stopping {
		// An explicit Stop owns the cleanup.
		s.mu.Unlock()
		return StartResult{Success: false, Error: errCodeStopped, Message: "stopped during startup"}
	}
	t.stopping = true
	close(t.stopCh)
	if t.stabilityTimer != nil {
		t.stabilityTimer.Stop()
		t.stabilityTimer = nil
	}
	serverCmd, tunnelCmd := t.serverCmd, t.tunnelCmd
	t.serverCmd, t.tunnelCmd = nil, nil
	delete(s.tunnels, t.SessionID)
	s.ports.ReleasePort(t.LocalPort)
	killGrace := s.cfg.Timeouts.KillGrace
	s.mu.Unlock()

	if tunnelCmd != nil && tunnelCmd.Process != nil {
		_ = gracefulTerminate(tunnelCmd.Process, killGrace, "tunnel "+t.SessionID)
	}
	if serverCmd != nil && serverCmd.Process != nil {
		_ = gracefulTerminate(serverCmd.Process, killGrace, "server "+t.SessionID)
	}

	slog.Warn("Tunnel start failed", "session", t.SessionID, "code", code, "message", message)
	s.emitError(t.SessionID, message, false, nil)
	s.emitStatus(t.SessionID, StatusStopped, 0, code)
	return StartResult{Success: false, Error: code, Message: message}
}

// Stop tears down a session's tunnel pairing. Unknown sessions are a no-op
// success. The tunnel-hosting process is terminated before the server, each
// with graceful escalation; the remote registration delete is fire-and-forget.
func (s *Supervisor) Stop(sessionID string) bool {
	s.mu.Lock()
	t, ok := s.tunnels[sessionID]
	if !ok || t.stopping {
		s.mu.Unlock()
		return true
	}
	t.stopping = true
	close(t.stopCh)
	if t.loginCancel != nil {
		t.loginCancel()
	}
	if t.stabilityTimer != nil {
		t.stabilityTimer.Stop()
		t.stabilityTimer = nil
	}
	serverCmd, tunnelCmd := t.serverCmd, t.tunnelCmd
	t.serverCmd, t.tunnelCmd = nil, nil
	tunnelID := t.TunnelID
	killGrace := s.cfg.Timeouts.KillGrace
	s.mu.Unlock()

	slog.Info("Stopping tunnel", "session", sessionID)

	if tunnelCmd != nil && tunnelCmd.Process != nil {
		_ = gracefulTerminate(tunnelCmd.Process, killGrace, "tunnel "+sessionID)
	}
	if path := s.tools.Path(discover.TunnelTool); path != "" {
		go registrar.New(path).Teardown(tunnelID)
	}
	if serverCmd != nil && serverCmd.Process != nil {
		_ = gracefulTerminate(serverCmd.Process, killGrace, "server "+sessionID)
	}

	s.mu.Lock()
	s.ports.ReleasePort(t.LocalPort)
	delete(s.tunnels, sessionID)
	s.mu.Unlock()

	s.emitStatus(sessionID, StatusStopped, 0, "")
	return true
}

// StopAll stops every live session concurrently and waits for completion.
// Used at daemon shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	sessions := make([]string, 0, len(s.tunnels))
	for id := range s.tunnels {
		sessions = append(sessions, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.Stop(id)
		}(id)
	}
	wg.Wait()
}

// GetStatus returns a snapshot for one session; unknown sessions report
// status stopped with empty URLs.
func (s *Supervisor) GetStatus(sessionID string) StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tunnels[sessionID]
	if !ok {
		return StatusInfo{Status: StatusStopped}
	}
	return s.statusInfoLocked(t)
}

// Sessions returns a snapshot of every live session.
func (s *Supervisor) Sessions() map[string]StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]StatusInfo, len(s.tunnels))
	for id, t := range s.tunnels {
		out[id] = s.statusInfoLocked(t)
	}
	return out
}

func (s *Supervisor) statusInfoLocked(t *Tunnel) StatusInfo {
	info := StatusInfo{
		Status:    t.Status,
		LocalURL:  t.LocalURL,
		PublicURL: t.PublicURL,
	}
	if info.URL = t.PublicURL; info.URL == "" {
		info.URL = t.LocalURL
	}
	if t.serverCmd != nil && t.serverCmd.Process != nil {
		info.PID = t.serverCmd.Process.Pid
	}
	if t.tunnelCmd != nil && t.tunnelCmd.Process != nil {
		info.TunnelPID = t.tunnelCmd.Process.Pid
	}
	return info
}

func (s *Supervisor) isStopping(t *Tunnel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.stopping
}

// startStabilityTimerLocked (re)arms the sustained-uptime timer: a tunnel
// that stays running for the stability window regains a fresh restart budget.
// Caller holds s.mu.
func (s *Supervisor) startStabilityTimerLocked(t *Tunnel) {
	if t.stabilityTimer != nil {
		t.stabilityTimer.Stop()
	}
	t.stabilityTimer = time.AfterFunc(s.cfg.Restart.StabilityWindow, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.tunnels[t.SessionID]; !ok || cur != t || t.stopping {
			return
		}
		if t.Status == StatusRunning && t.RetryCount > 0 {
			slog.Info("Tunnel stable, resetting retry budget",
				"session", t.SessionID, "previous_retries", t.RetryCount)
			t.RetryCount = 0
		}
	})
}

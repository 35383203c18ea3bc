package supervisor

import (
	"log/slog"
	"os/exec"
	"time"
)

// backoffDelay computes the exponential restart delay for the given
// consecutive-failure count: min(2^(retryCount-1) * minDelay, maxDelay).
func backoffDelay(retryCount int, minDelay, maxDelay time.Duration) time.Duration {
	if retryCount < 1 {
		return minDelay
	}
	shift := uint(retryCount - 1)
	if shift > 30 {
		return maxDelay
	}
	delay := minDelay << shift
	if delay <= 0 || delay > maxDelay {
		return maxDelay
	}
	return delay
}

// monitorProcess waits for one spawned process to exit and routes unexpected
// deaths into the restart decision. Stale monitors (the process was replaced
// or the tunnel was stopped) return without acting.
func (s *Supervisor) monitorProcess(t *Tunnel, cmd *exec.Cmd, role string) {
	waitErr := cmd.Wait()

	s.mu.Lock()
	cur, exists := s.tunnels[t.SessionID]
	if !exists || cur != t || t.stopping {
		s.mu.Unlock()
		return
	}
	switch role {
	case diedServer:
		if t.serverCmd != cmd {
			s.mu.Unlock()
			return
		}
		t.serverCmd = nil
		t.whichDied = diedServer
	case diedTunnel:
		if t.tunnelCmd != cmd {
			s.mu.Unlock()
			return
		}
		t.tunnelCmd = nil
		// A server death already pending supersedes a tunnel death.
		if t.whichDied != diedServer {
			t.whichDied = diedTunnel
		}
	}
	uptime := time.Since(t.lastSpawnTime).Round(time.Second)
	if t.bringingUp {
		// A bring-up flow owns the record; it routes the death when it
		// completes.
		s.mu.Unlock()
		slog.Warn("Process exited during bring-up",
			"session", t.SessionID, "process", role, "error", waitErr)
		return
	}
	if t.restartPending {
		// A restart cycle is already waiting; it will re-read whichDied.
		s.mu.Unlock()
		slog.Warn("Process exited while restart pending",
			"session", t.SessionID, "process", role, "error", waitErr)
		return
	}
	t.restartPending = true
	s.mu.Unlock()

	slog.Warn("Process exited unexpectedly",
		"session", t.SessionID, "process", role, "uptime", uptime, "error", waitErr)
	s.scheduleRestart(t)
}

// scheduleRestart makes the restart decision for a tunnel whose process
// died: give up when the budget is spent, otherwise degrade or restart and
// wait out the backoff delay. Caller must have set restartPending.
func (s *Supervisor) scheduleRestart(t *Tunnel) {
	s.mu.Lock()
	if t.stopping {
		s.mu.Unlock()
		return
	}
	t.TotalRestarts++
	t.RetryCount++
	if t.stabilityTimer != nil {
		t.stabilityTimer.Stop()
		t.stabilityTimer = nil
	}
	retry := t.RetryCount
	maxRetries := s.cfg.Restart.MaxRetries
	killGrace := s.cfg.Timeouts.KillGrace

	if retry > maxRetries {
		serverCmd, tunnelCmd := t.serverCmd, t.tunnelCmd
		t.serverCmd, t.tunnelCmd = nil, nil
		t.Status = StatusError
		t.stopping = true
		close(t.stopCh)
		delete(s.tunnels, t.SessionID)
		s.ports.ReleasePort(t.LocalPort)
		totalRestarts := t.TotalRestarts
		s.mu.Unlock()

		slog.Error("Tunnel exceeded restart budget, giving up",
			"session", t.SessionID, "retries", maxRetries, "total_restarts", totalRestarts)
		if tunnelCmd != nil && tunnelCmd.Process != nil {
			_ = gracefulTerminate(tunnelCmd.Process, killGrace, "tunnel "+t.SessionID)
		}
		if serverCmd != nil && serverCmd.Process != nil {
			_ = gracefulTerminate(serverCmd.Process, killGrace, "server "+t.SessionID)
		}
		s.emitStatus(t.SessionID, StatusError, 0, ErrCodeCrashLoop)
		s.emitError(t.SessionID, "tunnel crashed repeatedly and was shut down", true, nil)
		return
	}

	died := t.whichDied
	delay := backoffDelay(retry, s.cfg.Restart.MinDelay, s.cfg.Restart.MaxDelay)

	if died == diedTunnel {
		// Server is still up: keep it and only re-establish the public side.
		t.Status = StatusDegraded
		t.PublicURL = ""
		s.mu.Unlock()
		slog.Info("Tunnel process lost, degrading and scheduling reconnect",
			"session", t.SessionID, "attempt", retry, "delay", delay)
		s.emitStatus(t.SessionID, StatusDegraded, retry, "tunnel process exited")
	} else {
		// Server death takes the tunnel process down with it.
		tunnelCmd := t.tunnelCmd
		t.tunnelCmd = nil
		t.Status = StatusRestarting
		t.LocalURL = ""
		t.PublicURL = ""
		s.mu.Unlock()
		if tunnelCmd != nil && tunnelCmd.Process != nil {
			_ = gracefulTerminate(tunnelCmd.Process, killGrace, "tunnel "+t.SessionID)
		}
		slog.Info("Server process lost, scheduling full restart",
			"session", t.SessionID, "attempt", retry, "delay", delay)
		s.emitStatus(t.SessionID, StatusRestarting, retry, "server process exited")
	}

	go s.restartAfter(t, delay)
}

// restartAfter waits out the backoff delay (woken instantly by Stop) and then
// re-runs the appropriate half of startup.
func (s *Supervisor) restartAfter(t *Tunnel, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-t.stopCh:
		return
	}

	s.mu.Lock()
	if cur, ok := s.tunnels[t.SessionID]; !ok || cur != t || t.stopping {
		s.mu.Unlock()
		return
	}
	died := t.whichDied
	t.whichDied = diedNone
	t.restartPending = false
	t.bringingUp = true
	s.mu.Unlock()

	var se *startError
	failedPhase := diedTunnel
	if died == diedTunnel {
		se = s.bringUpTunnel(t)
	} else {
		if se = s.bringUpServer(t); se != nil {
			failedPhase = diedServer
		} else {
			se = s.bringUpTunnel(t)
		}
	}
	if se == nil || se == errStopped {
		s.finishBringUp(t)
		return
	}

	// The restart attempt itself failed; burn another retry against the
	// phase that failed.
	slog.Warn("Restart attempt failed", "session", t.SessionID, "code", se.code, "message", se.message)
	s.mu.Lock()
	t.bringingUp = false
	if cur, ok := s.tunnels[t.SessionID]; !ok || cur != t || t.stopping || t.restartPending {
		s.mu.Unlock()
		return
	}
	// A server death deferred during the attempt supersedes a failed tunnel
	// phase.
	if failedPhase == diedServer || t.whichDied == diedNone {
		t.whichDied = failedPhase
	}
	t.restartPending = true
	s.mu.Unlock()
	s.scheduleRestart(t)
}

// finishBringUp releases a flow's exclusive hold on the tunnel record and
// routes any death that was deferred while the flow was running.
func (s *Supervisor) finishBringUp(t *Tunnel) {
	s.mu.Lock()
	t.bringingUp = false
	cur, ok := s.tunnels[t.SessionID]
	if !ok || cur != t || t.stopping || t.restartPending || t.whichDied == diedNone {
		s.mu.Unlock()
		return
	}
	died := t.whichDied
	t.restartPending = true
	s.mu.Unlock()

	slog.Warn("Process exited during bring-up, scheduling restart",
		"session", t.SessionID, "process", died)
	s.scheduleRestart(t)
}

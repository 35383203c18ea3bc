package supervisor

import (
	"log/slog"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ensureHealthLoopLocked starts the periodic sweep if it is not already
// running. Caller holds s.mu. The loop shuts itself down once the tunnel
// table empties.
func (s *Supervisor) ensureHealthLoopLocked() {
	if s.healthStop != nil {
		return
	}
	stop := make(chan struct{})
	s.healthStop = stop
	go s.healthLoop(stop)
	slog.Debug("Health sweep started", "interval", s.healthInterval)
}

func (s *Supervisor) healthLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sweep()

			s.mu.Lock()
			if len(s.tunnels) == 0 {
				s.healthStop = nil
				s.mu.Unlock()
				slog.Debug("Health sweep stopped, no tunnels remain")
				return
			}
			s.mu.Unlock()
		}
	}
}

type healthCheck struct {
	t    *Tunnel
	role string
	pid  int32
}

// sweep catches deaths the normal exit handlers missed: for every settled,
// non-stopping tunnel whose status implies live processes, verify the
// processes actually exist and route the dead ones into the restart decision.
func (s *Supervisor) sweep() {
	s.mu.Lock()
	var checks []healthCheck
	var dead []healthCheck
	for _, t := range s.tunnels {
		if t.stopping || t.restartPending || t.bringingUp {
			continue
		}
		if !t.isActive() {
			continue
		}
		// A fresh tunnel is still mid-startup; an outstanding login is
		// legitimately handle-less.
		if time.Since(t.createdAt) < s.sweepGrace || t.loginCancel != nil {
			continue
		}

		// The server must be alive in starting, running, and degraded.
		if t.serverCmd == nil || t.serverCmd.Process == nil {
			dead = append(dead, healthCheck{t: t, role: diedServer})
		} else {
			checks = append(checks, healthCheck{t: t, role: diedServer, pid: int32(t.serverCmd.Process.Pid)})
		}
		// The tunnel process is only implied while running.
		if t.Status == StatusRunning {
			if t.tunnelCmd == nil || t.tunnelCmd.Process == nil {
				dead = append(dead, healthCheck{t: t, role: diedTunnel})
			} else {
				checks = append(checks, healthCheck{t: t, role: diedTunnel, pid: int32(t.tunnelCmd.Process.Pid)})
			}
		}
	}
	s.mu.Unlock()

	for _, c := range checks {
		alive, err := process.PidExists(c.pid)
		if err != nil {
			slog.Debug("Health check could not query process", "pid", c.pid, "error", err)
			continue
		}
		if !alive {
			dead = append(dead, c)
			continue
		}
		if c.role == diedServer {
			s.checkServerListening(c)
		}
	}

	for _, c := range dead {
		s.reportDead(c)
	}
}

// checkServerListening warns when a live server process no longer holds a
// listening socket on its allocated port. Diagnostic only; the process is
// alive, so no restart is forced.
func (s *Supervisor) checkServerListening(c healthCheck) {
	conns, err := psnet.ConnectionsPid("tcp", c.pid)
	if err != nil {
		return
	}
	s.mu.Lock()
	port := uint32(c.t.LocalPort)
	session := c.t.SessionID
	s.mu.Unlock()

	for _, conn := range conns {
		if conn.Status == "LISTEN" && conn.Laddr.Port == port {
			return
		}
	}
	slog.Warn("Server process alive but not listening on its port",
		"session", session, "pid", c.pid, "port", port)
}

// reportDead routes an externally observed death into the shared restart
// decision, with the same stale-check discipline as the exit monitors.
func (s *Supervisor) reportDead(c healthCheck) {
	t := c.t
	s.mu.Lock()
	if cur, ok := s.tunnels[t.SessionID]; !ok || cur != t || t.stopping || t.restartPending || t.bringingUp {
		s.mu.Unlock()
		return
	}
	switch c.role {
	case diedServer:
		t.serverCmd = nil
		t.whichDied = diedServer
	case diedTunnel:
		t.tunnelCmd = nil
		if t.whichDied != diedServer {
			t.whichDied = diedTunnel
		}
	}
	t.restartPending = true
	s.mu.Unlock()

	slog.Warn("Health sweep found dead process",
		"session", t.SessionID, "process", c.role, "pid", c.pid)
	s.scheduleRestart(t)
}

package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.codemux.dev/tunneld/internal/discover"
	"go.codemux.dev/tunneld/internal/registrar"
)

type serverSignal int

const (
	sigServerReady serverSignal = iota
	sigAddrInUse
)

var publicURLPattern = regexp.MustCompile(`https://[^\s"']*devtunnels\.ms[^\s"']*`)

// scanBufferCap bounds a single output line; anything longer is dropped by
// the scanner and the rest of the stream is drained unparsed.
const scanBufferCap = 1024 * 1024

// startError carries a stable code plus a human message for a failed startup
// phase.
type startError struct {
	code    string
	message string
}

var errStopped = &startError{code: errCodeStopped, message: "stopped during startup"}

// startCommand launches a subprocess in its own session with stdout and
// stderr merged into a single pipe for the output watcher. The parent's write
// end is closed immediately so the reader sees EOF when the child exits.
func startCommand(cmd *exec.Cmd) (*os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	w.Close()
	return r, nil
}

// spawnServer launches the code-serving process bound to loopback, the
// allocated port, and the connection token.
func (s *Supervisor) spawnServer(t *Tunnel) (*exec.Cmd, <-chan serverSignal, error) {
	cmd := exec.Command(s.tools.Path(discover.ServerTool), "serve-web",
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(t.LocalPort),
		"--connection-token", t.ConnectionToken,
		"--accept-server-license-terms")
	cmd.Dir = t.WorkingDir

	out, err := startCommand(cmd)
	if err != nil {
		return nil, nil, err
	}

	signals := make(chan serverSignal, 4)
	go watchServerOutput(out, signals, t.SessionID)
	return cmd, signals, nil
}

// watchServerOutput scans the merged server output for a readiness or
// bind-conflict signal, then keeps draining so the child never blocks on a
// full pipe buffer.
func watchServerOutput(r *os.File, signals chan<- serverSignal, sessionID string) {
	defer r.Close()
	// Drain whatever remains when scanning stops early (e.g. a line past the
	// buffer cap) so the child never blocks on a full pipe.
	defer io.Copy(io.Discard, r)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferCap)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "eaddrinuse") ||
			strings.Contains(lower, "address already in use"):
			select {
			case signals <- sigAddrInUse:
			default:
			}
		case strings.Contains(lower, "available at"):
			slog.Debug("Server announced readiness", "session", sessionID, "line", line)
			select {
			case signals <- sigServerReady:
			default:
			}
		}
	}
}

// spawnTunnelHost launches the tunnel-hosting process for the registered
// tunnel name and local port, watching its output for the public URL.
func (s *Supervisor) spawnTunnelHost(t *Tunnel) (*exec.Cmd, <-chan string, error) {
	cmd := exec.Command(s.tools.Path(discover.TunnelTool), "host", t.TunnelID,
		"--port-number", strconv.Itoa(t.LocalPort),
		"--allow-anonymous")
	cmd.Dir = t.WorkingDir

	out, err := startCommand(cmd)
	if err != nil {
		return nil, nil, err
	}

	urls := make(chan string, 1)
	go watchTunnelOutput(out, urls)
	return cmd, urls, nil
}

func watchTunnelOutput(r *os.File, urls chan<- string) {
	defer r.Close()
	defer io.Copy(io.Discard, r)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferCap)
	for scanner.Scan() {
		if m := publicURLPattern.FindString(scanner.Text()); m != "" {
			select {
			case urls <- m:
			default:
			}
		}
	}
}

// composePublicURL appends the connection token as a query parameter.
func composePublicURL(base, token string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "tkn=" + token
}

func localURLFor(port int, token string) string {
	return fmt.Sprintf("http://localhost:%d/?tkn=%s", port, token)
}

// bringUpServer runs the server half of startup: spawn with bind-conflict
// port rotation, wait for the readiness signal, then poll TCP
// connect-ability. Returns errStopped when the tunnel was stopped mid-flight.
func (s *Supervisor) bringUpServer(t *Tunnel) *startError {
	const maxPortAttempts = 3

	for attempt := 1; attempt <= maxPortAttempts; attempt++ {
		if s.isStopping(t) {
			return errStopped
		}

		cmd, signals, err := s.spawnServer(t)
		if err != nil {
			return &startError{code: ErrCodeSpawnFailed,
				message: fmt.Sprintf("failed to spawn server process: %v", err)}
		}

		s.mu.Lock()
		if t.stopping {
			s.mu.Unlock()
			_ = cmd.Process.Kill()
			return errStopped
		}
		t.serverCmd = cmd
		t.lastSpawnTime = time.Now()
		s.mu.Unlock()
		go s.monitorProcess(t, cmd, diedServer)

		slog.Info("Server process started",
			"session", t.SessionID, "port", t.LocalPort, "pid", cmd.Process.Pid)

		addrInUse, stopped := s.waitServerReady(t, signals)
		if stopped {
			return errStopped
		}
		if addrInUse {
			slog.Warn("Local port already in use, rotating",
				"session", t.SessionID, "port", t.LocalPort, "attempt", attempt)
			s.mu.Lock()
			if t.serverCmd == cmd {
				t.serverCmd = nil
			}
			s.mu.Unlock()
			_ = cmd.Process.Kill()

			newPort, allocErr := s.ports.AllocatePort()
			if allocErr != nil {
				return &startError{code: ErrCodePortExhausted,
					message: "no local ports available"}
			}
			s.mu.Lock()
			s.ports.ReleasePort(t.LocalPort)
			t.LocalPort = newPort
			s.mu.Unlock()
			continue
		}

		if !s.waitTCPReady(t) {
			return errStopped
		}

		s.mu.Lock()
		t.LocalURL = localURLFor(t.LocalPort, t.ConnectionToken)
		s.mu.Unlock()
		return nil
	}

	return &startError{code: ErrCodeSpawnFailed,
		message: "could not bind a local port after repeated attempts"}
}

// waitServerReady blocks until the server signals readiness or a bind
// conflict, the readiness ceiling passes (treated as optimistically ready),
// or the tunnel is stopped.
func (s *Supervisor) waitServerReady(t *Tunnel, signals <-chan serverSignal) (addrInUse, stopped bool) {
	timeout := s.timeouts().ServerReady
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sig := <-signals:
		return sig == sigAddrInUse, false
	case <-timer.C:
		slog.Warn("No readiness signal from server, proceeding optimistically",
			"session", t.SessionID, "timeout", timeout)
		return false, false
	case <-t.stopCh:
		return false, true
	}
}

// waitTCPReady polls the allocated port for connect-ability. Timing out is
// not fatal; the port is assumed ready. Returns false only when the tunnel
// was stopped during the wait.
func (s *Supervisor) waitTCPReady(t *Tunnel) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(t.LocalPort))
	deadline := time.Now().Add(s.timeouts().TCPReady)

	for time.Now().Before(deadline) {
		select {
		case <-t.stopCh:
			return false
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			slog.Debug("Server accepting connections", "session", t.SessionID, "port", t.LocalPort)
			return true
		}

		select {
		case <-t.stopCh:
			return false
		case <-time.After(250 * time.Millisecond):
		}
	}

	slog.Warn("Server did not accept connections in time, assuming ready",
		"session", t.SessionID, "port", t.LocalPort)
	return true
}

// bringUpTunnel runs the public half of startup: ensure the remote tunnel
// registration, spawn the hosting process, wait for the public URL, and move
// the tunnel to running.
func (s *Supervisor) bringUpTunnel(t *Tunnel) *startError {
	if s.isStopping(t) {
		return errStopped
	}

	reg := registrar.New(s.tools.Path(discover.TunnelTool))
	if err := reg.EnsureTunnel(s.ctx(), t.TunnelID, t.LocalPort); err != nil {
		return &startError{code: ErrCodeRegistrationFailed, message: err.Error()}
	}

	if s.isStopping(t) {
		return errStopped
	}

	cmd, urls, err := s.spawnTunnelHost(t)
	if err != nil {
		return &startError{code: ErrCodeSpawnFailed,
			message: fmt.Sprintf("failed to spawn tunnel process: %v", err)}
	}

	s.mu.Lock()
	if t.stopping {
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		return errStopped
	}
	t.tunnelCmd = cmd
	s.mu.Unlock()
	go s.monitorProcess(t, cmd, diedTunnel)

	slog.Info("Tunnel process started",
		"session", t.SessionID, "tunnel_id", t.TunnelID, "pid", cmd.Process.Pid)

	var publicURL string
	timer := time.NewTimer(s.timeouts().PublicURL)
	select {
	case raw := <-urls:
		publicURL = composePublicURL(raw, t.ConnectionToken)
	case <-timer.C:
		slog.Warn("No public URL observed from tunnel process, continuing without one",
			"session", t.SessionID)
	case <-t.stopCh:
		timer.Stop()
		return errStopped
	}
	timer.Stop()

	s.mu.Lock()
	if t.stopping {
		s.mu.Unlock()
		return errStopped
	}
	t.PublicURL = publicURL
	t.Status = StatusRunning
	s.startStabilityTimerLocked(t)
	first := !t.startedEmitted
	t.startedEmitted = true
	localURL := t.LocalURL
	s.mu.Unlock()

	if first {
		url := publicURL
		if url == "" {
			url = localURL
		}
		s.emit(t.SessionID, Event{
			Type:      EventStarted,
			URL:       url,
			LocalURL:  localURL,
			PublicURL: publicURL,
		})
	} else {
		s.emitStatus(t.SessionID, StatusRunning, 0, "recovered")
	}
	return nil
}

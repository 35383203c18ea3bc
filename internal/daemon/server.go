// Package daemon hosts one Supervisor behind a unix control socket and fans
// its events out to logs, the event database, and streaming clients.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.codemux.dev/tunneld/internal/core"
	"go.codemux.dev/tunneld/internal/db"
	"go.codemux.dev/tunneld/internal/discover"
	"go.codemux.dev/tunneld/internal/supervisor"
)

// Daemon is the long-running process owning the supervisor and the control
// socket.
type Daemon struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg          *core.Configuration
	supervisor   *supervisor.Supervisor
	database     *db.DB
	logBroadcast *LogBroadcaster
	listener     net.Listener

	shutdownOnce sync.Once
}

func New(cfg *core.Configuration) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		ctx:          ctx,
		cancel:       cancel,
		cfg:          cfg,
		logBroadcast: NewLogBroadcaster(1000),
	}
	d.supervisor = supervisor.New(cfg, discover.New(), d.handleEvent)
	return d
}

// handleEvent is the supervisor's single event sink: every event is logged,
// persisted, and broadcast to streaming clients.
func (d *Daemon) handleEvent(sessionID string, ev supervisor.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode event", "session", sessionID, "error", err)
		return
	}

	slog.Info("Tunnel event", "session", sessionID, "type", ev.Type, "event", string(payload))

	if d.database != nil {
		if err := d.database.LogTunnelEvent(sessionID, string(ev.Type), string(payload)); err != nil {
			slog.Error("Failed to persist tunnel event", "session", sessionID, "error", err)
		}
	}
	d.logBroadcast.Broadcast(fmt.Sprintf("EVENT %s %s\n", sessionID, payload))
}

// Run starts the daemon's main loop.
func (d *Daemon) Run() {
	d.setupLogging()

	database, err := db.Open(core.GetDatabasePath())
	if err != nil {
		slog.Error("Failed to open event database", "error", err)
	} else {
		d.database = database
		version := core.FormatVersion(core.Version)
		if err := d.database.LogDaemonEvent("start",
			fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())); err != nil {
			slog.Error("Failed to log daemon start", "error", err)
		}
	}

	socketPath := core.GetSocketPath()
	pidFilePath := core.GetPIDFilePath()

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		// Could be a stale socket from a crashed daemon; probe before removing.
		if _, statErr := os.Stat(socketPath); statErr == nil {
			conn, dialErr := net.Dial("unix", socketPath)
			if dialErr == nil {
				conn.Close()
				slog.Error("Fatal: Daemon is already running")
				os.Exit(1)
			}
			slog.Info("Removing stale socket file", "path", socketPath)
			if removeErr := os.Remove(socketPath); removeErr != nil {
				slog.Error("Fatal: Could not remove stale socket", "error", removeErr)
				os.Exit(1)
			}
			listener, err = net.Listen("unix", socketPath)
		}
		if err != nil {
			slog.Error("Fatal: Could not create socket listener", "error", err)
			os.Exit(1)
		}
	}

	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	defer os.Remove(pidFilePath)
	defer os.Remove(socketPath)

	d.listener = listener
	slog.Info("Daemon listening", "socket", socketPath)

	d.watchConfig()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-shutdownChan
		slog.Info("Shutdown signal received. Stopping all tunnels.")
		d.shutdown()
		if d.listener != nil {
			d.listener.Close()
		}
		os.Exit(0)
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				slog.Info("Error accepting connection", "error", err)
			}
			break
		}
		go d.handleConnection(conn)
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command, args := parts[0], parts[1:]

	if command != "VERSION" && command != "STATUS" {
		slog.Info("Executing command", "command", command, "args", args)
	}

	var response Response
	switch command {
	case "START":
		if len(args) < 1 {
			response.AddMessage("Usage: START <session> [workdir]", "ERROR")
			break
		}
		sessionID := args[0]
		workingDir := "."
		if len(args) > 1 {
			// The working directory may contain spaces.
			workingDir = strings.Join(args[1:], " ")
		}
		result := d.supervisor.Start(sessionID, workingDir)
		if result.Success {
			response.AddMessage(fmt.Sprintf("Tunnel for '%s' started: %s", sessionID, result.URL), "INFO")
		} else {
			response.AddMessage(fmt.Sprintf("Tunnel for '%s' failed: %s", sessionID, result.Message), "ERROR")
		}
		response.AddData(result)

	case "STOP":
		if len(args) < 1 {
			response.AddMessage("Usage: STOP <session>", "ERROR")
			break
		}
		d.supervisor.Stop(args[0])
		response.AddMessage(fmt.Sprintf("Tunnel for '%s' stopped", args[0]), "INFO")

	case "STOPALL":
		d.supervisor.StopAll()
		response.AddMessage("All tunnels stopped", "INFO")

	case "STATUS":
		if len(args) > 0 {
			response.AddData(d.supervisor.GetStatus(args[0]))
		} else {
			response.AddData(d.supervisor.Sessions())
		}

	case "RECHECK_TOOLS":
		d.supervisor.ClearAvailabilityCache()
		ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
		available := d.supervisor.IsAvailable(ctx)
		cancel()
		response.AddData(map[string]bool{"available": available})

	case "EVENTS":
		limit := 20
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				limit = n
			}
		}
		if d.database == nil {
			response.AddMessage("Event database unavailable", "ERROR")
			break
		}
		events, err := d.database.GetRecentTunnelEvents(limit)
		if err != nil {
			response.AddMessage(fmt.Sprintf("Failed to read events: %v", err), "ERROR")
			break
		}
		response.AddData(events)

	case "VERSION":
		response.AddData(map[string]string{"version": core.FormatVersion(core.Version)})

	case "LOGS":
		// LOGS [historyLines] [no_history] streams until the client hangs up.
		historyLines := 20
		showHistory := true
		for _, arg := range args {
			if arg == "no_history" {
				showHistory = false
			} else if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
				historyLines = n
			}
		}
		d.handleLogs(conn, showHistory, historyLines)
		return

	case "SHUTDOWN":
		response.AddMessage("Daemon shutting down", "INFO")
		conn.Write([]byte(response.ToJSON()))
		d.shutdown()
		if d.listener != nil {
			d.listener.Close()
		}
		os.Exit(0)

	default:
		response.AddMessage(fmt.Sprintf("Unknown command: %s", command), "ERROR")
	}

	conn.Write([]byte(response.ToJSON()))
}

// shutdown stops all tunnels and flushes the event database exactly once.
func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		d.supervisor.StopAll()
		if d.database != nil {
			d.database.LogDaemonEvent("stop", fmt.Sprintf("daemon stopped - PID: %d", os.Getpid()))
			d.database.Close()
		}
		d.cancel()
	})
}

// watchConfig reloads the tunable configuration when config.hcl changes.
// Editors often replace the file atomically, so the watch is re-added after
// rename/remove events.
func (d *Daemon) watchConfig() {
	configPath := filepath.Join(d.cfg.ConfigPath, core.ConfigFileName)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}
	if err := watcher.Add(configPath); err != nil {
		slog.Debug("Config file not watched", "error", err, "path", configPath)
		watcher.Close()
		return
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go func() {
						for attempt := 0; attempt < 5; attempt++ {
							if attempt > 0 {
								time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
							}
							watcher.Remove(configPath)
							if err := watcher.Add(configPath); err == nil {
								return
							}
						}
						slog.Error("Failed to re-add config watch", "path", configPath)
					}()
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				// Debounce: wait for the last write before reloading
				reloadTimer = time.AfterFunc(500*time.Millisecond, func() {
					slog.Info("Configuration file changed, reloading", "file", event.Name)
					if err := d.reloadConfig(); err != nil {
						slog.Error("Config reload failed", "error", err)
					} else {
						slog.Info("Configuration reloaded")
						if d.database != nil {
							d.database.LogDaemonEvent("config_reload", "configuration reloaded")
						}
					}
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching configuration file for changes")
}

// reloadConfig re-reads config.hcl and applies the tunables that can change
// at runtime. The port range is fixed for the daemon's lifetime because
// live tunnels hold reservations in it.
func (d *Daemon) reloadConfig() error {
	cfg, err := core.LoadOrDefault(d.cfg.ConfigPath)
	if err != nil {
		return err
	}
	if cfg.BasePort != d.cfg.BasePort || cfg.PortRangeWidth != d.cfg.PortRangeWidth {
		slog.Warn("Port range changes require a daemon restart",
			"base_port", cfg.BasePort, "width", cfg.PortRangeWidth)
	}
	d.supervisor.UpdateConfig(cfg)
	core.Config = d.cfg
	return nil
}

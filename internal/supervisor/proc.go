package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// gracefulTerminate sends SIGTERM, polls for death, and escalates to SIGKILL
// after the grace period. Death is polled with Signal(0) rather than Wait()
// because the spawned processes run in their own sessions (Setsid) and their
// Wait is owned by the monitor goroutine.
func gracefulTerminate(process *os.Process, grace time.Duration, label string) error {
	if process == nil {
		return nil
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
		slog.Warn("Failed to send SIGTERM, forcing kill", "process", label, "error", err)
		return process.Kill()
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			slog.Debug("Process terminated gracefully", "process", label)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	slog.Warn("Process did not exit in time, forcing kill", "process", label, "grace", grace)
	if err := process.Kill(); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
		return err
	}

	time.Sleep(100 * time.Millisecond)
	if err := process.Signal(syscall.Signal(0)); err == nil {
		return fmt.Errorf("process %s survived SIGKILL", label)
	}
	return nil
}

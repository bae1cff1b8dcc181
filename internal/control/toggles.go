// Package control implements the filesystem toggles that coordinate the
// daemons: kill switch, pause flag, test-mode flag, and the backfill gates.
// Presence of a file is the signal; content is ignored.
package control

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"perpcore/internal/config"
)

// Toggles reads the control flags each cycle
type Toggles struct {
	cfg config.ControlConfig
}

// NewToggles creates a toggle reader
func NewToggles(cfg config.ControlConfig) *Toggles {
	return &Toggles{cfg: cfg}
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// KillSwitch reports whether the daemon must exit at the next cycle
func (t *Toggles) KillSwitch() bool { return exists(t.cfg.KillSwitchPath) }

// Paused reports whether the daemon should idle
func (t *Toggles) Paused() bool { return exists(t.cfg.PausePath) }

// TestModeActive reports the external "test-mode active" flag
func (t *Toggles) TestModeActive() bool { return exists(t.cfg.TestModePath) }

// BackfillEnabled reports whether batch jobs may run at all
func (t *Toggles) BackfillEnabled() bool { return exists(t.cfg.BackfillEnable) }

// BackfillPaused reports whether a running batch job should wait
func (t *Toggles) BackfillPaused() bool { return exists(t.cfg.BackfillPause) }

// BackfillStopped reports whether a running batch job should stop early
func (t *Toggles) BackfillStopped() bool { return exists(t.cfg.BackfillStop) }

// Pidfile guards single-instance batch jobs
type Pidfile struct {
	path string
}

// AcquirePidfile writes the current pid; fails if another live process holds it
func AcquirePidfile(dir, jobName string) (*Pidfile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pid dir: %w", err)
	}
	path := filepath.Join(dir, jobName+".pid")

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(string(data)); perr == nil && processAlive(pid) {
			return nil, fmt.Errorf("pidfile %s held by live process %d", path, pid)
		}
		// Stale pidfile from a dead process; take it over.
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write pidfile: %w", err)
	}
	return &Pidfile{path: path}, nil
}

// Release removes the pidfile
func (p *Pidfile) Release() error {
	return os.Remove(p.path)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence on unix
	return proc.Signal(syscall.Signal(0)) == nil
}

// Package monitor discovers target processes for injection: it polls the
// running process list until a process matching a name appears and hands
// its PID over, and it can terminate existing instances first so injection
// starts from a clean state.
package monitor

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/AsherAuerbach/UpadtedMethod"
)

var ErrNoLister = errors.Base("no process lister configured")

// DefaultInterval is the default delay between polls of the process list.
const DefaultInterval = 100 * time.Millisecond

// TargetProcess identifies one running process.
type TargetProcess struct {
	PID  int
	Name string
}

// Lister enumerates currently running processes.
type Lister interface {
	List() ([]TargetProcess, errors.E)
}

// Terminator kills a running process by PID.
type Terminator interface {
	Terminate(pid int) errors.E
}

// Matches reports whether a process name matches the target name. Matching
// is case-insensitive substring matching, so "lockdownbrowser" matches
// "LockDownBrowser.exe".
func Matches(processName, target string) bool {
	return strings.Contains(strings.ToLower(processName), strings.ToLower(target))
}

// Monitor polls the process list for a target process.
type Monitor struct {
	// Lister supplies the process list. Required.
	Lister Lister
	// Logger receives structured events. Nil disables logging.
	Logger injector.Logger
	// Interval between polls. Default is DefaultInterval.
	Interval time.Duration
}

func (m *Monitor) interval() time.Duration {
	if m.Interval == 0 {
		return DefaultInterval
	}
	return m.Interval
}

// Watch polls until a process whose name matches target appears and returns
// it. Enumeration failures are logged and retried, not fatal; cancelling the
// context is the only way Watch returns without a match.
func (m *Monitor) Watch(ctx context.Context, target string) (TargetProcess, errors.E) {
	if m.Lister == nil {
		return TargetProcess{}, errors.WithStack(ErrNoLister)
	}

	ticker := time.NewTicker(m.interval())
	defer ticker.Stop()

	for {
		processes, errE := m.Lister.List()
		if errE != nil {
			if m.Logger != nil {
				m.Logger.Warn("process enumeration failed", "error", errE)
			}
		} else {
			for _, p := range processes {
				if Matches(p.Name, target) {
					if m.Logger != nil {
						m.Logger.Info("target detected", "name", p.Name, "pid", p.PID)
					}
					return p, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return TargetProcess{}, errors.WithMessage(ctx.Err(), "watch")
		case <-ticker.C:
		}
	}
}

// TerminateExisting kills every running process whose name matches target
// and returns how many were terminated. Per-process failures are logged and
// skipped so one protected instance does not stop the sweep.
func TerminateExisting(lister Lister, terminator Terminator, logger injector.Logger, target string) (int, errors.E) {
	processes, errE := lister.List()
	if errE != nil {
		return 0, errE
	}

	terminated := 0
	for _, p := range processes {
		if !Matches(p.Name, target) {
			continue
		}
		errE = terminator.Terminate(p.PID)
		if errE != nil {
			if logger != nil {
				logger.Warn("could not terminate", "name", p.Name, "pid", p.PID, "error", errE)
			}
			continue
		}
		if logger != nil {
			logger.Info("terminated existing instance", "name", p.Name, "pid", p.PID)
		}
		terminated++
	}

	return terminated, nil
}

// LaunchTarget starts the executable at path with its output discarded and
// returns its PID. The child is released, not waited on; the caller attaches
// to it through the injector like to any other process.
func LaunchTarget(path string) (int, errors.E) {
	cmd := exec.Command(path)
	err := cmd.Start()
	if err != nil {
		errE := errors.WithMessage(err, "start target")
		errors.Details(errE)["path"] = path
		return 0, errE
	}

	pid := cmd.Process.Pid
	err = cmd.Process.Release()
	if err != nil {
		return pid, errors.WithMessage(err, "release target")
	}

	return pid, nil
}

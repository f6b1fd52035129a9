//go:build windows

package monitor

import (
	"unsafe"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/windows"
)

// SnapshotLister enumerates processes through a toolhelp snapshot.
type SnapshotLister struct{}

func (SnapshotLister) List() ([]TargetProcess, errors.E) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "create toolhelp snapshot")
	}
	defer windows.CloseHandle(snapshot) //nolint:errcheck

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	err = windows.Process32First(snapshot, &entry)
	if err != nil {
		return nil, errors.WithMessage(err, "process32 first")
	}

	var processes []TargetProcess
	for {
		processes = append(processes, TargetProcess{
			PID:  int(entry.ProcessID),
			Name: windows.UTF16ToString(entry.ExeFile[:]),
		})

		err = windows.Process32Next(snapshot, &entry)
		if err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				return processes, nil
			}
			return nil, errors.WithMessage(err, "process32 next")
		}
	}
}

// ProcessTerminator kills processes with TerminateProcess.
type ProcessTerminator struct{}

func (ProcessTerminator) Terminate(pid int) errors.E {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid)) //nolint:gosec
	if err != nil {
		errE := errors.WithMessage(err, "open process")
		errors.Details(errE)["pid"] = pid
		return errE
	}
	defer windows.CloseHandle(h) //nolint:errcheck

	err = windows.TerminateProcess(h, 1)
	if err != nil {
		errE := errors.WithMessage(err, "terminate process")
		errors.Details(errE)["pid"] = pid
		return errE
	}

	return nil
}

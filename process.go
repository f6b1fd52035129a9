package injector

import (
	"gitlab.com/tozd/go/errors"
)

// processHandle owns the OS-level handle to the target process. It is the
// sole gateway for remote operations: every allocation, write, read, and
// thread is made against it, and it outlives all of them.
type processHandle struct {
	pid    int
	handle Handle
	closed bool
}

func attachProcess(api SystemAPI, pid int) (*processHandle, errors.E) {
	if pid <= 0 {
		return nil, errors.WithDetails(ErrInvalidInput, "pid", pid)
	}

	h, errE := api.OpenProcess(uint32(pid)) //nolint:gosec
	if errE != nil {
		errE = errors.Errorf("%w: %w", ErrProcessAccess, errE)
		errors.Details(errE)["pid"] = pid
		return nil, errE
	}

	return &processHandle{
		pid:    pid,
		handle: h,
		closed: false,
	}, nil
}

// close releases the underlying handle. Closing an already closed handle is
// a no-op. The handle is unusable afterwards, any further operation against
// it fails instead of touching a stale reference.
func (h *processHandle) close(api SystemAPI) errors.E {
	if h.closed {
		return nil
	}
	h.closed = true

	errE := api.CloseHandle(h.handle)
	if errE != nil {
		errors.Details(errE)["pid"] = h.pid
		return errE
	}

	return nil
}

func (h *processHandle) checkOpen() errors.E {
	if h.closed {
		return errors.WithDetails(ErrHandleClosed, "pid", h.pid)
	}
	return nil
}

// read copies length bytes out of the target process.
func (h *processHandle) read(api SystemAPI, address uintptr, length int) ([]byte, errors.E) {
	if length <= 0 {
		return nil, errors.WithDetails(
			ErrInvalidInput,
			"reason", "read length must be positive",
			"length", length,
		)
	}
	errE := h.checkOpen()
	if errE != nil {
		return nil, errE
	}

	data, errE := api.ReadMemory(h.handle, address, length)
	if errE != nil {
		errors.Details(errE)["pid"] = h.pid
		errors.Details(errE)["address"] = address
		return nil, errE
	}

	return data, nil
}

// ReadMemoryRegion reads length bytes from the attached process at address.
func (inj *Injector) ReadMemoryRegion(address uintptr, length int) ([]byte, errors.E) {
	if inj.handle == nil {
		return nil, errors.WithStack(ErrNotAttached)
	}
	return inj.handle.read(inj.api, address, length)
}

// PID returns the process ID of the attached process, or zero while
// unattached.
func (inj *Injector) PID() int {
	if inj.handle == nil {
		return 0
	}
	return inj.handle.pid
}

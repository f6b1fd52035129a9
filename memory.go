package injector

import (
	"gitlab.com/tozd/go/errors"
)

// remoteAllocation owns one block of memory inside the target process for
// the duration of a single transfer and execution. It is released exactly
// once; callers defer release so that it runs on failure paths as well.
type remoteAllocation struct {
	address  uintptr
	size     int
	released bool
}

// allocateAndWrite reserves a read/write/execute region of len(data) bytes
// in the target process and writes data into it. If the write fails, the
// just-made allocation is freed before the error propagates, so a partial
// failure never leaks remote memory.
func allocateAndWrite(api SystemAPI, h *processHandle, data []byte) (*remoteAllocation, errors.E) {
	if len(data) == 0 {
		return nil, errors.WithDetails(ErrInvalidInput, "reason", "empty buffer")
	}
	errE := h.checkOpen()
	if errE != nil {
		return nil, errE
	}

	address, errE := api.AllocateMemory(h.handle, uint(len(data)))
	if errE != nil {
		errE = errors.Errorf("%w: %w", ErrMemoryAllocation, errE)
		errors.Details(errE)["pid"] = h.pid
		errors.Details(errE)["size"] = len(data)
		return nil, errE
	}

	errE = api.WriteMemory(h.handle, address, data)
	if errE != nil {
		errE = errors.Errorf("%w: %w", ErrMemoryWrite, errE)
		errors.Details(errE)["pid"] = h.pid
		errors.Details(errE)["address"] = address
		errE2 := api.FreeMemory(h.handle, address)
		if errE2 != nil {
			errE2 = errors.WithMessage(errE2, "free after failed write")
		}
		return nil, errors.Join(errE, errE2)
	}

	return &remoteAllocation{
		address:  address,
		size:     len(data),
		released: false,
	}, nil
}

// release frees the region. Releasing twice is a no-op so that it can be
// both deferred and, where ordering matters, called explicitly.
func (a *remoteAllocation) release(api SystemAPI, h *processHandle) errors.E {
	if a == nil || a.released {
		return nil
	}
	a.released = true

	errE := api.FreeMemory(h.handle, a.address)
	if errE != nil {
		errE = errors.Errorf("%w: %w", ErrMemoryAllocation, errE)
		errors.Details(errE)["pid"] = h.pid
		errors.Details(errE)["address"] = a.address
		return errE
	}

	return nil
}

package injector

import (
	"gitlab.com/tozd/go/errors"
)

// run creates a thread in the target process at entry with a single
// pointer-sized argument, waits for it to finish, and returns its exit
// value. The thread handle is closed regardless of which step failed, once
// the thread was created.
//
// With WaitTimeout zero the wait blocks forever, matching one-shot
// injection semantics: a hung remote function hangs the caller too. With a
// timeout set, expiry returns ErrExecutionTimeout with the thread handle
// closed, not leaked.
func (inj *Injector) run(entry, argument uintptr) (code uint32, errE errors.E) { //nolint:nonamedreturns
	errE = inj.handle.checkOpen()
	if errE != nil {
		return 0, errE
	}

	thread, errE := inj.api.CreateThread(inj.handle.handle, entry, argument)
	if errE != nil {
		errE = errors.Errorf("%w: %w", ErrExecutionFailed, errE)
		errors.Details(errE)["pid"] = inj.handle.pid
		errors.Details(errE)["address"] = entry
		return 0, errE
	}

	defer func() {
		errE2 := inj.api.CloseHandle(thread)
		if errE2 != nil {
			errE2 = errors.WithMessage(errE2, "close thread handle")
		}
		errE = errors.Join(errE, errE2)
	}()

	timedOut, errE := inj.api.WaitForThread(thread, inj.WaitTimeout)
	if errE != nil {
		errE = errors.Errorf("%w: %w", ErrExecutionFailed, errE)
		errors.Details(errE)["pid"] = inj.handle.pid
		errors.Details(errE)["address"] = entry
		return 0, errE
	}
	if timedOut {
		return 0, errors.WithDetails(
			ErrExecutionTimeout,
			"pid", inj.handle.pid,
			"address", entry,
			"timeout", inj.WaitTimeout.String(),
		)
	}

	code, errE = inj.api.ThreadExitCode(thread)
	if errE != nil {
		errE = errors.Errorf("%w: %w", ErrExecutionFailed, errE)
		errors.Details(errE)["pid"] = inj.handle.pid
		return 0, errE
	}

	return code, nil
}

// RunRemoteFunction executes the function at address in the attached
// process. Non-empty args are marshalled into a remote allocation passed by
// address and released after execution, success or failure; empty args are
// passed as a null argument pointer with no allocation made.
func (inj *Injector) RunRemoteFunction(address uintptr, args []byte) (code uint32, errE errors.E) { //nolint:nonamedreturns
	if inj.handle == nil {
		return 0, errors.WithStack(ErrNotAttached)
	}

	var argument uintptr
	if len(args) > 0 {
		var alloc *remoteAllocation
		alloc, errE = allocateAndWrite(inj.api, inj.handle, args)
		if errE != nil {
			return 0, errE
		}
		defer func() {
			errE = errors.Join(errE, alloc.release(inj.api, inj.handle))
		}()
		argument = alloc.address
	}

	code, errE = inj.run(address, argument)
	if errE != nil {
		return 0, errE
	}
	inj.logDebug("run", "pid", inj.handle.pid, "address", address, "argument", argument, "result", code)

	return code, nil
}

// loaderAddress resolves the address of the library-loading entry point in
// the target, cached for the lifetime of the Injector since the loader
// module does not move between calls.
func (inj *Injector) loaderAddress() (uintptr, errors.E) {
	if inj.loaderAddr != 0 {
		return inj.loaderAddr, nil
	}

	module, errE := inj.api.ModuleHandle(loaderModule)
	if errE != nil {
		errE = errors.Errorf("%w: %w", ErrResolutionFailed, errE)
		errors.Details(errE)["library"] = loaderModule
		return 0, errE
	}
	address, errE := inj.api.SymbolAddress(module, loaderSymbol)
	if errE != nil {
		errE = errors.Errorf("%w: %w", ErrResolutionFailed, errE)
		errors.Details(errE)["library"] = loaderModule
		errors.Details(errE)["symbol"] = loaderSymbol
		return 0, errE
	}

	inj.loaderAddr = address
	return address, nil
}

// loadLibraryIntoTarget writes the NUL-terminated library path into the
// target and runs the loader entry point with the buffer's address as
// argument. A zero return value means the remote loader rejected the
// library, distinct from an OS-level call failure.
//
// The loader reports the base address through the thread exit value, which
// is 32 bits wide; images mapped above 4 GiB come back truncated. This is
// inherent to the remote-thread loading technique.
func (inj *Injector) loadLibraryIntoTarget(pathBytes []byte) (base uintptr, errE errors.E) { //nolint:nonamedreturns
	loader, errE := inj.loaderAddress()
	if errE != nil {
		return 0, errE
	}

	alloc, errE := allocateAndWrite(inj.api, inj.handle, pathBytes)
	if errE != nil {
		return 0, errE
	}
	defer func() {
		errE = errors.Join(errE, alloc.release(inj.api, inj.handle))
	}()

	code, errE := inj.run(loader, alloc.address)
	if errE != nil {
		return 0, errE
	}
	if code == 0 {
		return 0, errors.WithDetails(
			ErrResolutionFailed,
			"pid", inj.handle.pid,
			"reason", "remote loader returned failure",
		)
	}

	return uintptr(code), nil
}

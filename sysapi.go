package injector

import (
	"time"

	"gitlab.com/tozd/go/errors"
)

// Handle is an opaque OS-level resource reference (process, thread, or
// locally loaded module).
type Handle uintptr

// SystemAPI is the narrow OS surface the injector needs: process handles,
// remote memory, remote threads, and the local module loader. The real
// implementation is returned by NewSystemAPI on Windows; tests use a fake.
//
// All errors carry the OS-reported error code under the "code" detail where
// one is available.
type SystemAPI interface {
	// OpenProcess acquires a full-access handle to the process.
	OpenProcess(pid uint32) (Handle, errors.E)
	// CloseHandle releases a process or thread handle.
	CloseHandle(h Handle) errors.E

	// AllocateMemory reserves and commits size bytes of read/write/execute
	// memory in the process and returns its address.
	AllocateMemory(process Handle, size uint) (uintptr, errors.E)
	// FreeMemory releases a region previously returned by AllocateMemory.
	FreeMemory(process Handle, address uintptr) errors.E
	// WriteMemory copies data into the process at address.
	WriteMemory(process Handle, address uintptr, data []byte) errors.E
	// ReadMemory copies length bytes out of the process at address.
	ReadMemory(process Handle, address uintptr, length int) ([]byte, errors.E)

	// CreateThread starts a thread in the process at entry with a single
	// pointer-sized argument.
	CreateThread(process Handle, entry, argument uintptr) (Handle, errors.E)
	// WaitForThread blocks until the thread finishes or timeout expires.
	// Zero timeout means wait forever.
	WaitForThread(thread Handle, timeout time.Duration) (timedOut bool, errE errors.E)
	// ThreadExitCode returns the exit value of a finished thread.
	ThreadExitCode(thread Handle) (uint32, errors.E)

	// LoadModule loads a library into the current process, not the target.
	LoadModule(path string) (Handle, errors.E)
	// UnloadModule unloads a library loaded with LoadModule.
	UnloadModule(module Handle) errors.E
	// ModuleHandle returns the handle of a module already loaded in the
	// current process, without changing its reference count.
	ModuleHandle(name string) (Handle, errors.E)
	// SymbolAddress resolves an exported symbol of a local module to its
	// address in the current process.
	SymbolAddress(module Handle, name string) (uintptr, errors.E)
}

// waitMilliseconds converts a wait timeout for the OS wait call. Zero and
// negative timeouts mean wait forever (the infinite sentinel). Positive
// timeouts round sub-millisecond values up to one and clamp below the
// sentinel so very long timeouts cannot truncate or wrap into it.
func waitMilliseconds(timeout time.Duration, infinite uint32) uint32 {
	if timeout <= 0 {
		return infinite
	}
	ms := timeout.Milliseconds()
	if ms <= 0 {
		return 1
	}
	if ms >= int64(infinite) {
		return infinite - 1
	}
	return uint32(ms)
}

// Entry point used to load a library inside the target. The loader module
// is mapped at the same base address in every process of one boot session,
// so an address resolved locally is valid in the target as well.
const (
	loaderModule = "kernel32.dll"
	loaderSymbol = "LoadLibraryA"
)

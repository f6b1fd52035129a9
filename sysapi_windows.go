//go:build windows

package injector

import (
	"syscall"
	"time"
	"unsafe"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/windows"
)

//nolint:gochecknoglobals
var (
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procVirtualAllocEx     = kernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx      = kernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread = kernel32.NewProc("CreateRemoteThread")
	procGetExitCodeThread  = kernel32.NewProc("GetExitCodeThread")
	procGetModuleHandleW   = kernel32.NewProc("GetModuleHandleW")
)

type windowsAPI struct{}

// NewSystemAPI returns the SystemAPI backed by the real Windows process,
// memory, thread, and loader calls.
func NewSystemAPI() SystemAPI {
	return windowsAPI{}
}

func osError(err error, call string) errors.E {
	errE := errors.WithMessage(err, call)
	var errno syscall.Errno
	if errors.As(err, &errno) {
		errors.Details(errE)["code"] = uint32(errno)
	}
	return errE
}

func (windowsAPI) OpenProcess(pid uint32) (Handle, errors.E) {
	h, err := windows.OpenProcess(windows.PROCESS_ALL_ACCESS, false, pid)
	if err != nil {
		return 0, osError(err, "open process")
	}
	return Handle(h), nil
}

func (windowsAPI) CloseHandle(h Handle) errors.E {
	err := windows.CloseHandle(windows.Handle(h))
	if err != nil {
		return osError(err, "close handle")
	}
	return nil
}

func (windowsAPI) AllocateMemory(process Handle, size uint) (uintptr, errors.E) {
	address, _, err := procVirtualAllocEx.Call(
		uintptr(process),
		0, // lpAddress, let the OS choose.
		uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_EXECUTE_READWRITE,
	)
	if address == 0 {
		return 0, osError(err, "virtual alloc ex")
	}
	return address, nil
}

func (windowsAPI) FreeMemory(process Handle, address uintptr) errors.E {
	// Size has to be zero with MEM_RELEASE, the whole region is freed.
	ret, _, err := procVirtualFreeEx.Call(
		uintptr(process),
		address,
		0,
		windows.MEM_RELEASE,
	)
	if ret == 0 {
		return osError(err, "virtual free ex")
	}
	return nil
}

func (windowsAPI) WriteMemory(process Handle, address uintptr, data []byte) errors.E {
	var written uintptr
	err := windows.WriteProcessMemory(
		windows.Handle(process),
		address,
		&data[0],
		uintptr(len(data)),
		&written,
	)
	if err != nil {
		return osError(err, "write process memory")
	}
	if written != uintptr(len(data)) {
		return errors.WithDetails(
			ErrUnexpectedWrite,
			"expected", len(data),
			"written", written,
		)
	}
	return nil
}

func (windowsAPI) ReadMemory(process Handle, address uintptr, length int) ([]byte, errors.E) {
	data := make([]byte, length)
	var read uintptr
	err := windows.ReadProcessMemory(
		windows.Handle(process),
		address,
		&data[0],
		uintptr(length),
		&read,
	)
	if err != nil {
		return nil, osError(err, "read process memory")
	}
	if read != uintptr(length) {
		return nil, errors.WithDetails(
			ErrUnexpectedRead,
			"expected", length,
			"read", read,
		)
	}
	return data, nil
}

func (windowsAPI) CreateThread(process Handle, entry, argument uintptr) (Handle, errors.E) {
	thread, _, err := procCreateRemoteThread.Call(
		uintptr(process),
		0, // lpThreadAttributes.
		0, // dwStackSize, default.
		entry,
		argument,
		0, // dwCreationFlags, run immediately.
		0, // lpThreadId.
	)
	if thread == 0 {
		return 0, osError(err, "create remote thread")
	}
	return Handle(thread), nil
}

func (windowsAPI) WaitForThread(thread Handle, timeout time.Duration) (bool, errors.E) {
	event, err := windows.WaitForSingleObject(
		windows.Handle(thread),
		waitMilliseconds(timeout, windows.INFINITE),
	)
	if err != nil {
		return false, osError(err, "wait for single object")
	}
	switch event {
	case windows.WAIT_OBJECT_0:
		return false, nil
	case uint32(windows.WAIT_TIMEOUT):
		return true, nil
	default:
		// WAIT_ABANDONED or anything else unexpected for a thread handle.
		return false, errors.WithDetails(
			ErrExecutionFailed,
			"event", event,
		)
	}
}

func (windowsAPI) ThreadExitCode(thread Handle) (uint32, errors.E) {
	var code uint32
	ret, _, err := procGetExitCodeThread.Call(
		uintptr(thread),
		uintptr(unsafe.Pointer(&code)),
	)
	if ret == 0 {
		return 0, osError(err, "get exit code thread")
	}
	return code, nil
}

func (windowsAPI) LoadModule(path string) (Handle, errors.E) {
	module, err := windows.LoadLibrary(path)
	if err != nil {
		return 0, osError(err, "load library")
	}
	return Handle(module), nil
}

func (windowsAPI) UnloadModule(module Handle) errors.E {
	err := windows.FreeLibrary(windows.Handle(module))
	if err != nil {
		return osError(err, "free library")
	}
	return nil
}

func (windowsAPI) ModuleHandle(name string) (Handle, errors.E) {
	namep, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, errors.WithMessage(err, "module name")
	}
	module, _, err := procGetModuleHandleW.Call(uintptr(unsafe.Pointer(namep)))
	if module == 0 {
		return 0, osError(err, "get module handle")
	}
	return Handle(module), nil
}

func (windowsAPI) SymbolAddress(module Handle, name string) (uintptr, errors.E) {
	address, err := windows.GetProcAddress(windows.Handle(module), name)
	if err != nil {
		return 0, osError(err, "get proc address")
	}
	return address, nil
}

// Package injector allows you to attach to a running process, load a shared
// library into it, and call the library's exported functions on a new thread
// inside the attached process.
//
// It works on Windows and internally uses remote threads. All OS access goes
// through the SystemAPI interface so that the injection logic itself can be
// exercised against a fake implementation.
package injector

import (
	"os"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
)

var (
	ErrProcessAccess    = errors.Base("process access denied")
	ErrHandleClosed     = errors.Base("process handle already closed")
	ErrNotAttached      = errors.Base("no process attached")
	ErrMemoryAllocation = errors.Base("remote memory operation failed")
	ErrMemoryWrite      = errors.Base("remote memory write failed")
	ErrResolutionFailed = errors.Base("export resolution failed")
	ErrExecutionFailed  = errors.Base("remote execution failed")
	ErrExecutionTimeout = errors.Base("remote execution timed out")
	ErrInvalidInput     = errors.Base("invalid input")
	ErrUnexpectedRead   = errors.Base("unexpected bytes read")
	ErrUnexpectedWrite  = errors.Base("unexpected bytes written")
)

// Logger receives structured events from injection operations. Every event
// carries alternating key/value pairs with at least the PID, the addresses
// involved, and the outcome. A nil Logger disables logging.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
}

// Injector attaches to a target process and runs code in it.
//
// An Injector owns at most one process handle at a time. Re-attaching
// releases the previous handle first. An Injector must not be used
// concurrently; independent instances targeting different processes are
// independent.
type Injector struct {
	// Logger receives structured events for every operation. Nil disables logging.
	Logger Logger
	// WaitTimeout bounds the wait for remote thread completion.
	// Zero means wait forever.
	WaitTimeout time.Duration

	api        SystemAPI
	handle     *processHandle
	loaderAddr uintptr
	session    string
}

// New returns an Injector backed by the given SystemAPI.
func New(api SystemAPI) *Injector {
	return &Injector{api: api} //nolint:exhaustruct
}

// Attach acquires full access to the process identified by pid. Any handle
// held from a previous attachment is released first, so re-attaching is safe.
func (inj *Injector) Attach(pid int) errors.E {
	errE := inj.Cleanup()
	if errE != nil {
		return errE
	}

	h, errE := attachProcess(inj.api, pid)
	if errE != nil {
		inj.logError("attach", errE, "pid", pid)
		return errE
	}

	u, err := uuid.NewRandom()
	if err != nil {
		errE = errors.WithMessage(err, "uuid new")
		return errors.Join(errE, h.close(inj.api))
	}

	inj.handle = h
	inj.session = u.String()
	inj.logInfo("attach", "pid", pid)

	return nil
}

// Attached returns true while the Injector holds a process handle.
func (inj *Injector) Attached() bool {
	return inj.handle != nil
}

// Cleanup releases the process handle, if any. Calling it while unattached,
// or calling it twice, is a no-op. It fails only if the OS reports a failure
// releasing the handle; the Injector is unattached afterwards either way.
func (inj *Injector) Cleanup() errors.E {
	if inj.handle == nil {
		return nil
	}

	pid := inj.handle.pid
	errE := inj.handle.close(inj.api)
	inj.handle = nil
	inj.session = ""
	if errE != nil {
		inj.logError("cleanup", errE, "pid", pid)
		return errE
	}
	inj.logDebug("cleanup", "pid", pid)

	return nil
}

// InjectSharedLibrary loads the shared library at path into the attached
// process and returns the base address the remote loader reported.
//
// The path has to exist and has to be ASCII, because it is handed to the
// target's narrow-character loader entry point; both are checked before any
// remote allocation happens.
func (inj *Injector) InjectSharedLibrary(path string) (uintptr, errors.E) {
	pathBytes, errE := libraryPathBytes(path)
	if errE != nil {
		inj.logError("inject", errE, "library", path)
		return 0, errE
	}
	if _, err := os.Stat(path); err != nil {
		errE = errors.Errorf("%w: %w", ErrInvalidInput, err)
		errors.Details(errE)["library"] = path
		inj.logError("inject", errE, "library", path)
		return 0, errE
	}
	if inj.handle == nil {
		return 0, errors.WithStack(ErrNotAttached)
	}

	base, errE := inj.loadLibraryIntoTarget(pathBytes)
	if errE != nil {
		inj.logError("inject", errE, "pid", inj.handle.pid, "library", path)
		return 0, errE
	}
	inj.logInfo("inject", "pid", inj.handle.pid, "library", path, "base", base)

	return base, nil
}

// CallExported calls the named export of a library already loaded in the
// attached process at base, passing args as a single remote buffer by
// address (or a null pointer when args is empty), and returns the thread's
// exit value.
func (inj *Injector) CallExported(base uintptr, path, symbol string, args []byte) (uint32, errors.E) {
	if inj.handle == nil {
		return 0, errors.WithStack(ErrNotAttached)
	}

	offset, errE := inj.ResolveOffset(path, symbol)
	if errE != nil {
		inj.logError("call", errE, "pid", inj.handle.pid, "library", path, "symbol", symbol)
		return 0, errE
	}

	result, errE := inj.RunRemoteFunction(base+offset, args)
	if errE != nil {
		inj.logError("call", errE, "pid", inj.handle.pid, "symbol", symbol, "address", base+offset)
		return 0, errE
	}
	inj.logInfo("call", "pid", inj.handle.pid, "symbol", symbol, "address", base+offset, "result", result)

	return result, nil
}

// libraryPathBytes validates a library path and encodes it for the target's
// narrow-character loader: ASCII bytes with a NUL terminator. Non-ASCII
// paths fail fast instead of being silently mis-encoded.
func libraryPathBytes(path string) ([]byte, errors.E) {
	if path == "" {
		return nil, errors.WithDetails(ErrInvalidInput, "reason", "empty library path")
	}
	for i := 0; i < len(path); i++ {
		if path[i] >= utf8.RuneSelf || path[i] == 0 {
			return nil, errors.WithDetails(
				ErrInvalidInput,
				"library", path,
				"reason", "library path is not ASCII",
			)
		}
	}
	b := make([]byte, len(path)+1)
	copy(b, path)
	return b, nil
}

func (inj *Injector) logDebug(msg string, fields ...any) {
	if inj.Logger != nil {
		inj.Logger.Debug(msg, inj.withSession(fields)...)
	}
}

func (inj *Injector) logInfo(msg string, fields ...any) {
	if inj.Logger != nil {
		inj.Logger.Info(msg, inj.withSession(fields)...)
	}
}

func (inj *Injector) logError(msg string, errE errors.E, fields ...any) {
	if inj.Logger != nil {
		inj.Logger.Error(msg, append(inj.withSession(fields), "error", errE)...)
	}
}

func (inj *Injector) withSession(fields []any) []any {
	if inj.session == "" {
		return fields
	}
	return append(fields, "session", inj.session)
}

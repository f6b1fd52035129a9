package injector

import (
	"time"

	"gitlab.com/tozd/go/errors"
)

// fakeModule is a library the fake API can load locally or remotely.
type fakeModule struct {
	// base the module gets when loaded into the current process.
	localBase Handle
	// base the fake remote loader reports for the target process.
	remoteBase uint32
	// exported symbol name to offset from the module base.
	exports map[string]uintptr
}

// fakeSystemAPI implements SystemAPI in memory with full resource
// accounting so tests can assert that no handle, allocation, thread, or
// module load leaks on any path.
type fakeSystemAPI struct {
	// Configuration.
	pids      map[uint32]bool
	modules   map[string]*fakeModule
	functions map[uintptr]func(argument uintptr) uint32

	// Injectable failures.
	openErr         errors.E
	closeErr        errors.E
	allocateErr     errors.E
	writeErr        errors.E
	freeErr         errors.E
	createThreadErr errors.E
	waitErr         errors.E
	waitTimedOut    bool
	exitCodeErr     errors.E
	loadErr         errors.E
	symbolErr       errors.E

	// Accounting.
	nextHandle    Handle
	openHandles   map[Handle]bool
	closedCount   int
	nextAlloc     uintptr
	allocations   map[uintptr][]byte
	allocateCalls int
	freedCount    int
	threads       map[Handle]uint32
	loadedLocal   map[Handle]string
	loadCount     int
	unloadCount   int
}

func newFakeSystemAPI() *fakeSystemAPI {
	return &fakeSystemAPI{ //nolint:exhaustruct
		pids:        map[uint32]bool{},
		modules:     map[string]*fakeModule{},
		functions:   map[uintptr]func(uintptr) uint32{},
		nextHandle:  0x100,
		openHandles: map[Handle]bool{},
		nextAlloc:   0x20000,
		allocations: map[uintptr][]byte{},
		threads:     map[Handle]uint32{},
		loadedLocal: map[Handle]string{},
	}
}

func (f *fakeSystemAPI) liveAllocations() int {
	return len(f.allocations)
}

func (f *fakeSystemAPI) liveHandles() int {
	return len(f.openHandles)
}

func (f *fakeSystemAPI) newHandle() Handle {
	f.nextHandle += 0x10
	h := f.nextHandle
	f.openHandles[h] = true
	return h
}

func (f *fakeSystemAPI) OpenProcess(pid uint32) (Handle, errors.E) {
	if f.openErr != nil {
		return 0, f.openErr
	}
	if !f.pids[pid] {
		return 0, errors.WithDetails(errors.New("no such process"), "code", uint32(87))
	}
	return f.newHandle(), nil
}

func (f *fakeSystemAPI) CloseHandle(h Handle) errors.E {
	if f.closeErr != nil {
		return f.closeErr
	}
	if !f.openHandles[h] {
		return errors.New("invalid handle")
	}
	delete(f.openHandles, h)
	f.closedCount++
	return nil
}

func (f *fakeSystemAPI) AllocateMemory(_ Handle, size uint) (uintptr, errors.E) {
	f.allocateCalls++
	if f.allocateErr != nil {
		return 0, f.allocateErr
	}
	f.nextAlloc += 0x1000
	address := f.nextAlloc
	f.allocations[address] = make([]byte, size)
	return address, nil
}

func (f *fakeSystemAPI) FreeMemory(_ Handle, address uintptr) errors.E {
	if f.freeErr != nil {
		return f.freeErr
	}
	if _, ok := f.allocations[address]; !ok {
		return errors.New("invalid address")
	}
	delete(f.allocations, address)
	f.freedCount++
	return nil
}

func (f *fakeSystemAPI) WriteMemory(_ Handle, address uintptr, data []byte) errors.E {
	if f.writeErr != nil {
		return f.writeErr
	}
	region, ok := f.allocations[address]
	if !ok || len(data) > len(region) {
		return errors.New("invalid write")
	}
	copy(region, data)
	return nil
}

func (f *fakeSystemAPI) ReadMemory(_ Handle, address uintptr, length int) ([]byte, errors.E) {
	region, ok := f.allocations[address]
	if !ok || length > len(region) {
		return nil, errors.New("invalid read")
	}
	data := make([]byte, length)
	copy(data, region)
	return data, nil
}

func (f *fakeSystemAPI) CreateThread(_ Handle, entry, argument uintptr) (Handle, errors.E) {
	if f.createThreadErr != nil {
		return 0, f.createThreadErr
	}
	fn, ok := f.functions[entry]
	if !ok {
		return 0, errors.WithDetails(errors.New("invalid entry point"), "address", entry)
	}
	thread := f.newHandle()
	f.threads[thread] = fn(argument)
	return thread, nil
}

func (f *fakeSystemAPI) WaitForThread(thread Handle, _ time.Duration) (bool, errors.E) {
	if f.waitErr != nil {
		return false, f.waitErr
	}
	if f.waitTimedOut {
		return true, nil
	}
	if _, ok := f.threads[thread]; !ok {
		return false, errors.New("invalid thread handle")
	}
	return false, nil
}

func (f *fakeSystemAPI) ThreadExitCode(thread Handle) (uint32, errors.E) {
	if f.exitCodeErr != nil {
		return 0, f.exitCodeErr
	}
	code, ok := f.threads[thread]
	if !ok {
		return 0, errors.New("invalid thread handle")
	}
	return code, nil
}

func (f *fakeSystemAPI) LoadModule(path string) (Handle, errors.E) {
	if f.loadErr != nil {
		return 0, f.loadErr
	}
	module, ok := f.modules[path]
	if !ok {
		return 0, errors.WithDetails(errors.New("module not found"), "code", uint32(126))
	}
	f.loadCount++
	f.loadedLocal[module.localBase] = path
	return module.localBase, nil
}

func (f *fakeSystemAPI) UnloadModule(module Handle) errors.E {
	if _, ok := f.loadedLocal[module]; !ok {
		return errors.New("module not loaded")
	}
	f.unloadCount++
	delete(f.loadedLocal, module)
	return nil
}

func (f *fakeSystemAPI) ModuleHandle(name string) (Handle, errors.E) {
	module, ok := f.modules[name]
	if !ok {
		return 0, errors.New("module not found")
	}
	return module.localBase, nil
}

func (f *fakeSystemAPI) SymbolAddress(module Handle, name string) (uintptr, errors.E) {
	if f.symbolErr != nil {
		return 0, f.symbolErr
	}
	path, ok := f.loadedLocal[module]
	if !ok {
		// Modules referenced by handle only, like the loader module.
		for p, m := range f.modules {
			if m.localBase == module {
				path = p
				ok = true
				break
			}
		}
	}
	if !ok {
		return 0, errors.New("module not loaded")
	}
	offset, ok := f.modules[path].exports[name]
	if !ok {
		return 0, errors.WithDetails(errors.New("symbol not found"), "code", uint32(127))
	}
	return uintptr(f.modules[path].localBase) + offset, nil
}

// addRemoteLoader installs the loader module and wires its entry point to a
// fake remote LoadLibraryA: it reads the NUL-terminated path from the
// argument buffer and reports the module's remote base, or zero when the
// path is not loadable.
func (f *fakeSystemAPI) addRemoteLoader() uintptr {
	loaderBase := Handle(0x7ff000000000)
	loaderEntry := uintptr(loaderBase) + 0x1a40
	f.modules[loaderModule] = &fakeModule{
		localBase:  loaderBase,
		remoteBase: 0,
		exports:    map[string]uintptr{loaderSymbol: 0x1a40},
	}
	f.functions[loaderEntry] = func(argument uintptr) uint32 {
		region, ok := f.allocations[argument]
		if !ok {
			return 0
		}
		path := ""
		for _, b := range region {
			if b == 0 {
				break
			}
			path += string(rune(b))
		}
		module, ok := f.modules[path]
		if !ok {
			return 0
		}
		return module.remoteBase
	}
	return loaderEntry
}

package injector

import (
	"github.com/Binject/debug/pe"
	"gitlab.com/tozd/go/errors"
)

// ResolveOffset computes the byte offset of an exported symbol from its
// library's base address by loading the library into the current process
// (never the target), diffing the symbol address against the local base,
// and unloading the library again. The unload runs unconditionally, so
// a failed lookup leaves no net change to the module reference count.
//
// The offset is only meaningful against a remote copy of the library when
// both images share the same internal layout relative to their bases. That
// holds for position-independent images, which module layout in practice
// is, but it is an assumption of the technique, not something this function
// can verify.
func (inj *Injector) ResolveOffset(path, symbol string) (offset uintptr, errE errors.E) { //nolint:nonamedreturns
	module, errE := inj.api.LoadModule(path)
	if errE != nil {
		errE = errors.Errorf("%w: %w", ErrResolutionFailed, errE)
		errors.Details(errE)["library"] = path
		return 0, errE
	}

	defer func() {
		errE2 := inj.api.UnloadModule(module)
		if errE2 != nil {
			errE2 = errors.WithMessage(errE2, "unload module")
			errors.Details(errE2)["library"] = path
		}
		errE = errors.Join(errE, errE2)
	}()

	address, errE := inj.api.SymbolAddress(module, symbol)
	if errE != nil {
		errE = errors.Errorf("%w: %w", ErrResolutionFailed, errE)
		errors.Details(errE)["library"] = path
		errors.Details(errE)["symbol"] = symbol
		return 0, errE
	}

	return address - uintptr(module), nil
}

// ResolveExportOffset computes the offset of an exported symbol by parsing
// the library's export directory on disk, without loading the library into
// any process. The returned offset is the export's virtual address relative
// to the image base, the same value ResolveOffset derives by diffing, and
// works on any OS that can read the file.
func ResolveExportOffset(path, symbol string) (uintptr, errors.E) {
	file, err := pe.Open(path)
	if err != nil {
		errE := errors.Errorf("%w: %w", ErrResolutionFailed, err)
		errors.Details(errE)["library"] = path
		return 0, errE
	}
	defer file.Close()

	exports, err := file.Exports()
	if err != nil {
		errE := errors.Errorf("%w: %w", ErrResolutionFailed, err)
		errors.Details(errE)["library"] = path
		return 0, errE
	}

	for _, export := range exports {
		if export.Name == symbol {
			return uintptr(export.VirtualAddress), nil
		}
	}

	return 0, errors.WithDetails(
		ErrResolutionFailed,
		"library", path,
		"symbol", symbol,
	)
}

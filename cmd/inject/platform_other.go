//go:build !windows

package main

import (
	"gitlab.com/tozd/go/errors"

	"github.com/AsherAuerbach/UpadtedMethod"
	"github.com/AsherAuerbach/UpadtedMethod/monitor"
)

var errUnsupported = errors.Base("process injection is only supported on windows")

func newSystemAPI() (injector.SystemAPI, errors.E) {
	return nil, errors.WithStack(errUnsupported)
}

func newLister() (monitor.Lister, errors.E) {
	return nil, errors.WithStack(errUnsupported)
}

func newTerminator() (monitor.Terminator, errors.E) {
	return nil, errors.WithStack(errUnsupported)
}

//go:build windows

package main

import (
	"gitlab.com/tozd/go/errors"

	"github.com/AsherAuerbach/UpadtedMethod"
	"github.com/AsherAuerbach/UpadtedMethod/monitor"
)

func newSystemAPI() (injector.SystemAPI, errors.E) {
	return injector.NewSystemAPI(), nil
}

func newLister() (monitor.Lister, errors.E) {
	return monitor.SnapshotLister{}, nil
}

func newTerminator() (monitor.Terminator, errors.E) {
	return monitor.ProcessTerminator{}, nil
}

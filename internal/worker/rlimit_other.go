//go:build !linux

package worker

import "errors"

var errUnsupported = errors.New("not supported on this platform")

func limitMemory(pid int, limit uint64) error {
	return errUnsupported
}

func processRSS(pid int) (uint64, error) {
	return 0, errUnsupported
}

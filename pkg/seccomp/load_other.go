//go:build !linux || !cgo

package seccomp

import (
	"errors"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Supported reports whether Load can install filters in this build.
const Supported = false

var ErrUnsupported = errors.New("seccomp filtering requires linux with cgo")

func Load(_ *specs.LinuxSeccomp) error {
	return ErrUnsupported
}

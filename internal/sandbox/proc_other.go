//go:build !linux

package sandbox

import (
	"os"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// Development builds only: no process groups, namespaces, or rlimits.
const helperSupported = false

func sysProcAttr(_ bool) *syscall.SysProcAttr {
	return nil
}

func killGroup(p *os.Process) {
	if p != nil {
		_ = p.Kill()
	}
}

func applyRlimits(pid int, limits []specs.POSIXRlimit) error {
	log.Debug().Int("pid", pid).Int("rlimits", len(limits)).Msg("rlimits not supported on this platform")
	return nil
}

func terminationSignal(_ *os.ProcessState) (syscall.Signal, bool) {
	return 0, false
}

func enforcedSignal(_ syscall.Signal) bool {
	return false
}

func signalName(sig syscall.Signal) string {
	return sig.String()
}

//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

const helperSupported = true

func sysProcAttr(namespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !namespaces {
		return attr
	}

	// A fresh network namespace has only a downed loopback.
	attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET | syscall.CLONE_NEWPID |
		syscall.CLONE_NEWNS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}

// killGroup kills the child and everything it spawned.
func killGroup(p *os.Process) {
	if p == nil || p.Pid <= 0 {
		return
	}
	_ = syscall.Kill(-p.Pid, syscall.SIGKILL)
}

var rlimitResources = map[string]int{
	"RLIMIT_AS":      unix.RLIMIT_AS,
	"RLIMIT_CORE":    unix.RLIMIT_CORE,
	"RLIMIT_CPU":     unix.RLIMIT_CPU,
	"RLIMIT_DATA":    unix.RLIMIT_DATA,
	"RLIMIT_FSIZE":   unix.RLIMIT_FSIZE,
	"RLIMIT_MEMLOCK": unix.RLIMIT_MEMLOCK,
	"RLIMIT_NOFILE":  unix.RLIMIT_NOFILE,
	"RLIMIT_NPROC":   unix.RLIMIT_NPROC,
	"RLIMIT_STACK":   unix.RLIMIT_STACK,
}

// RlimitResource maps a runtime-spec rlimit type to its resource number.
func RlimitResource(name string) (int, bool) {
	res, ok := rlimitResources[name]
	return res, ok
}

// applyRlimits sets limits on an already running process.
func applyRlimits(pid int, limits []specs.POSIXRlimit) error {
	for _, rl := range limits {
		res, ok := RlimitResource(rl.Type)
		if !ok {
			return fmt.Errorf("unknown rlimit %q", rl.Type)
		}
		if err := unix.Prlimit(pid, res, &unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}, nil); err != nil {
			return fmt.Errorf("prlimit %s: %w", rl.Type, err)
		}
	}
	return nil
}

func terminationSignal(state *os.ProcessState) (syscall.Signal, bool) {
	if state == nil {
		return 0, false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, false
	}
	return ws.Signal(), true
}

// enforcedSignal reports whether sig is how the kernel enforces a sandbox
// limit: CPU and file-size rlimits, seccomp traps, and our own kills.
func enforcedSignal(sig syscall.Signal) bool {
	switch sig {
	case syscall.SIGKILL, syscall.SIGXCPU, syscall.SIGXFSZ, syscall.SIGSYS:
		return true
	}
	return false
}

func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}

//go:build linux

// Command sandbox-init prepares a submission process and execs the
// interpreter. It reads a sandbox.InitRequest from stdin, applies rlimits
// and the seccomp filter to itself, then replaces its own image. Setup
// failures are written to fd 3 and reported with exit status 125.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	goruntime "runtime"
	"strings"

	"golang.org/x/sys/unix"

	"codeguard/internal/sandbox"
	"codeguard/pkg/seccomp"
)

func init() {
	// The filter and the exec must happen on the same thread.
	goruntime.LockOSThread()
}

func main() {
	var status *os.File
	if _, err := unix.FcntlInt(uintptr(sandbox.InitStatusFD), unix.F_GETFD, 0); err == nil {
		// Closed by a successful exec, so the parent reads EOF.
		unix.CloseOnExec(sandbox.InitStatusFD)
		status = os.NewFile(uintptr(sandbox.InitStatusFD), "status")
	}

	if err := run(os.Stdin); err != nil {
		if status != nil {
			_, _ = fmt.Fprintln(status, err.Error())
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
		os.Exit(sandbox.HelperFailureExit)
	}
}

func run(stdin io.Reader) error {
	req, err := decodeRequest(stdin)
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	if err := redirectStdin(); err != nil {
		return err
	}
	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req); err != nil {
		return err
	}

	os.Clearenv()
	for _, kv := range req.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}

	// Resolve before the filter goes on; path lookups may be denied after.
	cmdPath, err := exec.LookPath(req.Cmd[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	if req.Seccomp != nil {
		if err := seccomp.Load(req.Seccomp); err != nil {
			return fmt.Errorf("load seccomp: %w", err)
		}
	}

	return unix.Exec(cmdPath, req.Cmd, req.Env)
}

func decodeRequest(r io.Reader) (sandbox.InitRequest, error) {
	var req sandbox.InitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return sandbox.InitRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// redirectStdin detaches the child from the request pipe.
func redirectStdin() error {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()
	if err := unix.Dup2(int(devNull.Fd()), 0); err != nil {
		return fmt.Errorf("redirect stdin: %w", err)
	}
	return nil
}

func applyRlimits(req sandbox.InitRequest) error {
	for _, rl := range req.Rlimits {
		res, ok := sandbox.RlimitResource(rl.Type)
		if !ok {
			return fmt.Errorf("unknown rlimit %q", rl.Type)
		}
		if err := unix.Setrlimit(res, &unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}); err != nil {
			return fmt.Errorf("setrlimit %s: %w", rl.Type, err)
		}
	}
	return nil
}

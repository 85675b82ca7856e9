//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"codeguard/pkg/seccomp"
)

// buildHelper compiles cmd/sandbox-init into a temp dir.
func buildHelper(t *testing.T) string {
	t.Helper()
	gobin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not available to build sandbox-init")
	}
	out := filepath.Join(t.TempDir(), "sandbox-init")
	cmd := exec.Command(gobin, "build", "-o", out, "codeguard/cmd/sandbox-init")
	cmd.Env = os.Environ()
	if msg, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("building sandbox-init: %v\n%s", err, msg)
	}
	return out
}

func newIsolatedRunner(t *testing.T, cfg Config) *ProcessRunner {
	t.Helper()
	newTestRunner(t) // platform and interpreter checks
	cfg.ScratchRoot = t.TempDir()
	r, err := NewProcessRunner(cfg)
	if err != nil {
		t.Fatalf("NewProcessRunner: %v", err)
	}
	if cfg.Namespaces {
		if _, err := r.Execute(context.Background(), "pass\n", testLimits(10*time.Second)); err != nil {
			t.Skipf("user namespaces unavailable: %v", err)
		}
	}
	return r
}

// connectSource tries to reach a TCP listener on the host loopback.
func connectSource(port int) string {
	return fmt.Sprintf(`import socket
try:
    s = socket.create_connection(("127.0.0.1", %d), timeout=2)
    print("connected")
except OSError as e:
    print("isolated", e.errno)
`, port)
}

func hostListener(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestExecute_HostNetworkWithoutIsolation(t *testing.T) {
	r := newIsolatedRunner(t, Config{})
	port := hostListener(t)

	res, err := r.Execute(context.Background(), connectSource(port), testLimits(10*time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(res.Stdout, "connected") {
		t.Errorf("Stdout = %q, want the unisolated child to reach the host", res.Stdout)
	}
}

func TestExecute_NamespacesIsolateNetwork(t *testing.T) {
	r := newIsolatedRunner(t, Config{Namespaces: true})
	port := hostListener(t)

	res, err := r.Execute(context.Background(), connectSource(port), testLimits(10*time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(res.Stdout, "isolated") {
		t.Errorf("Stdout = %q, want connect to fail inside the network namespace", res.Stdout)
	}
}

func TestExecute_NamespacesHidePIDs(t *testing.T) {
	r := newIsolatedRunner(t, Config{Namespaces: true})

	res, err := r.Execute(context.Background(), "import os\nprint(os.getpid())\n", testLimits(10*time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "1" {
		t.Errorf("pid = %q, want 1 in a fresh pid namespace", res.Stdout)
	}
}

func TestExecute_HelperMode(t *testing.T) {
	helper := buildHelper(t)
	r := newIsolatedRunner(t, Config{HelperPath: helper})

	res, err := r.Execute(context.Background(), "print(2 + 2)\n", testLimits(10*time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "4\n" || res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("result = %+v, want stdout 4 and exit 0", res)
	}
}

func TestExecute_HelperAppliesRlimitsBeforeExec(t *testing.T) {
	helper := buildHelper(t)
	r := newIsolatedRunner(t, Config{HelperPath: helper})

	limits := testLimits(10 * time.Second)
	limits.MemoryMB = 128
	src := "import resource\nprint(resource.getrlimit(resource.RLIMIT_AS)[0])\nprint(resource.getrlimit(resource.RLIMIT_NPROC)[0])\n"

	res, err := r.Execute(context.Background(), src, limits)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	lines := strings.Fields(res.Stdout)
	if len(lines) != 2 {
		t.Fatalf("Stdout = %q, stderr = %q", res.Stdout, res.Stderr)
	}
	if got := lines[0]; got != strconv.FormatInt(128*1024*1024, 10) {
		t.Errorf("RLIMIT_AS = %s, want 128MiB", got)
	}
	if got := lines[1]; got != strconv.FormatInt(limits.MaxProcesses, 10) {
		t.Errorf("RLIMIT_NPROC = %s, want %d", got, limits.MaxProcesses)
	}
}

func TestExecute_HelperSetupFailure(t *testing.T) {
	helper := buildHelper(t)
	r := newIsolatedRunner(t, Config{HelperPath: helper, Runtime: missingRuntime{}})

	_, err := r.Execute(context.Background(), "print(1)\n", testLimits(10*time.Second))
	if !errors.Is(err, ErrHelper) {
		t.Fatalf("Execute error = %v, want ErrHelper", err)
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Op != "helper" {
		t.Errorf("error = %#v, want op helper", err)
	}
}

func TestExecute_SeccompDeniesSockets(t *testing.T) {
	if !seccomp.Supported {
		t.Skip("built without libseccomp")
	}
	helper := buildHelper(t)
	r := newIsolatedRunner(t, Config{HelperPath: helper, Seccomp: seccomp.InterpreterProfile()})
	port := hostListener(t)

	res, err := r.Execute(context.Background(), connectSource(port), testLimits(10*time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// EPERM from the filter, not a refused or unreachable connection.
	if strings.TrimSpace(res.Stdout) != "isolated 1" {
		t.Errorf("Stdout = %q, stderr = %q, want socket denied with EPERM", res.Stdout, res.Stderr)
	}
}

func TestExecute_SeccompAllowsPlainPrograms(t *testing.T) {
	if !seccomp.Supported {
		t.Skip("built without libseccomp")
	}
	helper := buildHelper(t)
	r := newIsolatedRunner(t, Config{HelperPath: helper, Seccomp: seccomp.InterpreterProfile()})

	src := "import json, math\nprint(json.dumps({'r': math.isqrt(16)}))\n"
	res, err := r.Execute(context.Background(), src, testLimits(10*time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "{\"r\": 4}\n" {
		t.Errorf("Stdout = %q, stderr = %q", res.Stdout, res.Stderr)
	}
}

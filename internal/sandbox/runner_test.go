package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	goruntime "runtime"
	"strings"
	"testing"
	"time"

	"codeguard/internal/governor"
)

func newTestRunner(t *testing.T) *ProcessRunner {
	t.Helper()
	if goruntime.GOOS != "linux" {
		t.Skip("process sandbox requires linux")
	}
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	r, err := NewProcessRunner(Config{ScratchRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("NewProcessRunner: %v", err)
	}
	return r
}

func testLimits(timeout time.Duration) governor.Limits {
	l := governor.DefaultLimits()
	l.Timeout = timeout
	return l
}

func TestExecute_Normal(t *testing.T) {
	r := newTestRunner(t)

	res, err := r.Execute(context.Background(), "print(2 + 2)\n", testLimits(5*time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "4\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "4\n")
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", res.ExitCode)
	}
	if res.TimedOut || res.Crashed {
		t.Errorf("TimedOut=%v Crashed=%v, want both false", res.TimedOut, res.Crashed)
	}
	if len(res.CodeHash) != 64 {
		t.Errorf("CodeHash length = %d, want 64", len(res.CodeHash))
	}
	if r.Active() != 0 {
		t.Errorf("Active() = %d after completion, want 0", r.Active())
	}
}

func TestExecute_Timeout(t *testing.T) {
	r := newTestRunner(t)

	start := time.Now()
	res, err := r.Execute(context.Background(), "while True:\n    pass\n", testLimits(time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	elapsed := time.Since(start)

	if !res.TimedOut {
		t.Fatalf("TimedOut = false, want true (result %+v)", res)
	}
	if res.ExitCode != nil {
		t.Errorf("ExitCode = %d, want nil for a killed process", *res.ExitCode)
	}
	if res.Crashed {
		t.Error("Crashed = true, want false on timeout")
	}
	if elapsed < time.Second || elapsed > 3*time.Second {
		t.Errorf("elapsed = %s, want about 1s", elapsed)
	}
}

func TestExecute_ContextCancelKillsChild(t *testing.T) {
	r := newTestRunner(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := r.Execute(ctx, "import time\ntime.sleep(30)\n", testLimits(10*time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.TimedOut {
		t.Errorf("TimedOut = false, want true after cancellation")
	}
	if res.Duration > 5*time.Second {
		t.Errorf("Duration = %s, child outlived cancellation", res.Duration)
	}
}

func TestExecute_OutputTruncated(t *testing.T) {
	r := newTestRunner(t)
	limits := testLimits(5 * time.Second)
	limits.MaxOutputBytes = 1024

	res, err := r.Execute(context.Background(), "print('x' * 100000)\n", limits)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Stdout) != 1024 {
		t.Errorf("len(Stdout) = %d, want 1024", len(res.Stdout))
	}
	if !res.StdoutTruncated {
		t.Error("StdoutTruncated = false, want true")
	}
	if res.StderrTruncated {
		t.Error("StderrTruncated = true, want false")
	}
}

func TestExecute_StderrTruncatedAfterScrub(t *testing.T) {
	r := newTestRunner(t)
	limits := testLimits(5 * time.Second)
	limits.MaxOutputBytes = 1024

	res, err := r.Execute(context.Background(), "raise ValueError('x' * 5000)\n", limits)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.StderrTruncated {
		t.Fatal("StderrTruncated = false, want true")
	}
	if len(res.Stderr) != 1024 {
		t.Errorf("len(Stderr) = %d, want 1024", len(res.Stderr))
	}
	if !strings.Contains(res.Stderr, SubmissionName) {
		t.Errorf("Stderr = %q, want scrubbed traceback", res.Stderr[:200])
	}
	if strings.Contains(res.Stderr, "codeguard-") {
		t.Error("scratch path leaked into stderr")
	}
}

func TestExecute_NonZeroExitIsCrash(t *testing.T) {
	r := newTestRunner(t)

	res, err := r.Execute(context.Background(), "raise ValueError('boom')\n", testLimits(5*time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Crashed {
		t.Error("Crashed = false, want true")
	}
	if res.ExitCode == nil || *res.ExitCode != 1 {
		t.Errorf("ExitCode = %v, want 1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "ValueError: boom") {
		t.Errorf("Stderr = %q, want traceback", res.Stderr)
	}
	if !strings.Contains(res.Stderr, SubmissionName) {
		t.Errorf("Stderr = %q, want scratch path replaced with %s", res.Stderr, SubmissionName)
	}
}

func TestExecute_ScratchRemoved(t *testing.T) {
	r := newTestRunner(t)

	res, err := r.Execute(context.Background(), "import os\nprint(os.getcwd())\n", testLimits(5*time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	dir := strings.TrimSpace(res.Stdout)
	if dir == "" {
		t.Fatal("child printed no working directory")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir %s still exists (stat err %v)", dir, err)
	}
}

func TestExecute_MinimalEnvironment(t *testing.T) {
	r := newTestRunner(t)
	t.Setenv("CODEGUARD_TEST_SECRET", "hunter2")

	res, err := r.Execute(context.Background(), "import os\nprint(sorted(os.environ))\n", testLimits(5*time.Second))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Contains(res.Stdout, "CODEGUARD_TEST_SECRET") {
		t.Errorf("host environment leaked into child: %s", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "'HOME'") {
		t.Errorf("HOME missing from child environment: %s", res.Stdout)
	}
}

func TestExecute_InvalidLimits(t *testing.T) {
	r := newTestRunner(t)

	_, err := r.Execute(context.Background(), "print(1)", governor.Limits{})
	if !errors.Is(err, governor.ErrInvalidLimits) {
		t.Fatalf("Execute = %v, want ErrInvalidLimits", err)
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Op != "validate" {
		t.Errorf("error = %#v, want ExecutionError with Op validate", err)
	}
}

func TestExecute_MissingInterpreterIsSpawnFailure(t *testing.T) {
	if goruntime.GOOS != "linux" {
		t.Skip("process sandbox requires linux")
	}
	r, err := NewProcessRunner(Config{
		Runtime:     missingRuntime{},
		ScratchRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.Execute(context.Background(), "print(1)", testLimits(time.Second))
	if !IsSpawnFailure(err) {
		t.Errorf("Execute = %v, want spawn failure", err)
	}
}

func TestNewProcessRunner_MissingHelper(t *testing.T) {
	_, err := NewProcessRunner(Config{HelperPath: "/nonexistent/codeguard-sandbox-init"})
	if !errors.Is(err, ErrHelper) {
		t.Errorf("NewProcessRunner = %v, want ErrHelper", err)
	}
}


type missingRuntime struct{}

func (missingRuntime) Name() string { return "python" }
func (missingRuntime) Command(codePath string) []string {
	return []string{"/nonexistent/python3", codePath}
}
func (missingRuntime) FileExtension() string { return ".py" }
func (missingRuntime) Env() []string         { return nil }

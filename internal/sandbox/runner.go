package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"codeguard/internal/governor"
	"codeguard/internal/runtime"
)

const (
	defaultPathEnv   = "/usr/local/bin:/usr/bin:/bin"
	defaultWaitDelay = 2 * time.Second

	// SubmissionName replaces the scratch path of the source file in
	// tracebacks so host paths never reach the student.
	SubmissionName = "<submission>"
)

// Config configures a ProcessRunner.
type Config struct {
	Runtime runtime.Runtime

	// HelperPath is the sandbox-init binary. When set, the child applies its
	// own rlimits and seccomp filter before exec. When empty the runner
	// launches the interpreter directly and sets rlimits with prlimit after
	// start, which leaves a short unlimited window and no syscall filter.
	HelperPath string

	// Namespaces runs the child in new user, network, pid, mount, ipc and
	// uts namespaces.
	Namespaces bool

	Seccomp     *specs.LinuxSeccomp
	ScratchRoot string // parent for per-execution directories; "" is os.TempDir
	PathEnv     string
	WaitDelay   time.Duration // how long Wait tolerates open pipes after the child exits
}

// ProcessRunner runs each submission as a fresh OS process inside its own
// scratch directory.
type ProcessRunner struct {
	cfg      Config
	started  atomic.Int64
	finished atomic.Int64
}

func NewProcessRunner(cfg Config) (*ProcessRunner, error) {
	if cfg.Runtime == nil {
		cfg.Runtime = runtime.NewPython("")
	}
	if cfg.PathEnv == "" {
		cfg.PathEnv = defaultPathEnv
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}

	if cfg.HelperPath != "" {
		if !helperSupported {
			return nil, fmt.Errorf("%w: sandbox helper requires linux", ErrHelper)
		}
		path, err := exec.LookPath(cfg.HelperPath)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve %s: %v", ErrHelper, cfg.HelperPath, err)
		}
		cfg.HelperPath = path
	} else if cfg.Seccomp != nil {
		log.Warn().Msg("seccomp profile configured without sandbox helper; syscall filter will not be applied")
	}

	if cfg.ScratchRoot != "" {
		if err := os.MkdirAll(cfg.ScratchRoot, 0o700); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrScratch, err)
		}
	}

	return &ProcessRunner{cfg: cfg}, nil
}

// Execute runs source under limits and reports how it ended. Timeouts,
// crashes and limit kills are results; an error means the child never ran
// or could not be observed.
func (r *ProcessRunner) Execute(ctx context.Context, source string, limits governor.Limits) (*ExecutionResult, error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(source)))

	logger := log.With().
		Str("exec_id", execID).
		Str("runtime", r.cfg.Runtime.Name()).
		Str("code_hash", codeHash[:16]).
		Logger()

	if err := limits.Validate(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	scratch, err := os.MkdirTemp(r.cfg.ScratchRoot, "codeguard-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: fmt.Errorf("%w: %v", ErrScratch, err)}
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Error().Err(err).Str("dir", scratch).Msg("scratch cleanup failed")
		}
	}()

	codePath := filepath.Join(scratch, "main"+r.cfg.Runtime.FileExtension())
	if err := os.WriteFile(codePath, []byte(source), 0o400); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: fmt.Errorf("%w: %v", ErrScratch, err)}
	}

	argv := r.cfg.Runtime.Command(codePath)
	env := r.childEnv(scratch)

	// Paths are scrubbed before the cap so truncation counts what is returned.
	stdout := newCappedBuffer(limits.MaxOutputBytes)
	stderr := newCappedBuffer(limits.MaxOutputBytes)
	stdoutScrub := newScrubWriter(stdout, codePath, SubmissionName, scratch, ".")
	stderrScrub := newScrubWriter(stderr, codePath, SubmissionName, scratch, ".")

	var (
		cmd        *exec.Cmd
		statusRead *os.File
	)
	if r.cfg.HelperPath != "" {
		cmd, statusRead, err = r.helperCommand(argv, scratch, env, limits)
		if err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "prepare_helper", Err: err}
		}
		defer statusRead.Close()
	} else {
		cmd = exec.Command(argv[0], argv[1:]...) // #nosec G204 -- argv comes from the configured runtime
		cmd.Env = env
	}
	cmd.Dir = scratch
	cmd.Stdout = stdoutScrub
	cmd.Stderr = stderrScrub
	cmd.SysProcAttr = sysProcAttr(r.cfg.Namespaces)
	cmd.WaitDelay = r.cfg.WaitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		closeExtraFiles(cmd)
		return nil, &ExecutionError{ExecID: execID, Op: "start", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}
	closeExtraFiles(cmd)
	r.started.Add(1)
	defer r.finished.Add(1)

	if r.cfg.HelperPath == "" {
		if err := applyRlimits(cmd.Process.Pid, limits.Rlimits()); err != nil {
			killGroup(cmd.Process)
			_ = cmd.Wait()
			return nil, &ExecutionError{ExecID: execID, Op: "set_rlimits", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
		}
	}

	logger.Debug().Int("pid", cmd.Process.Pid).Msg("process started")

	var timedOut, cancelled atomic.Bool
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(limits.Timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			timedOut.Store(true)
			killGroup(cmd.Process)
		case <-ctx.Done():
			cancelled.Store(true)
			killGroup(cmd.Process)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	duration := time.Since(start)
	// Reap anything the child left behind in its group.
	killGroup(cmd.Process)
	_ = stdoutScrub.Flush()
	_ = stderrScrub.Flush()

	if statusRead != nil {
		if msg := readHelperStatus(statusRead); msg != "" {
			return nil, &ExecutionError{ExecID: execID, Op: "helper", Err: fmt.Errorf("%w: %s", ErrHelper, msg)}
		}
	}

	result := &ExecutionResult{
		ID:              execID,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		Duration:        duration,
		CodeHash:        codeHash,
	}

	if err := classify(result, cmd.ProcessState, waitErr, timedOut.Load() || cancelled.Load()); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "wait", Err: err}
	}

	event := logger.Info()
	if result.TimedOut {
		event = logger.Warn()
	}
	event.
		Str("status", result.Status()).
		Dur("duration", duration).
		Int64("stdout_bytes", stdout.Total()).
		Int64("stderr_bytes", stderr.Total()).
		Str("signal", result.Signal).
		Bool("cancelled", cancelled.Load()).
		Msg("execution completed")

	return result, nil
}

// Active returns the number of child processes currently running.
func (r *ProcessRunner) Active() int64 {
	return r.started.Load() - r.finished.Load()
}

func (r *ProcessRunner) childEnv(scratch string) []string {
	env := []string{
		"PATH=" + r.cfg.PathEnv,
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"LANG=C.UTF-8",
	}
	return append(env, r.cfg.Runtime.Env()...)
}

func (r *ProcessRunner) helperCommand(argv []string, scratch string, env []string, limits governor.Limits) (*exec.Cmd, *os.File, error) {
	req := InitRequest{
		Cmd:     argv,
		WorkDir: scratch,
		Env:     env,
		Rlimits: limits.Rlimits(),
		Seccomp: r.cfg.Seccomp,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encode init request: %w", err)
	}

	statusRead, statusWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: status pipe: %v", ErrSpawn, err)
	}

	cmd := exec.Command(r.cfg.HelperPath) // #nosec G204 -- helper path is operator configured
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = []string{"PATH=" + r.cfg.PathEnv}
	cmd.ExtraFiles = []*os.File{statusWrite} // fd 3 in the child
	return cmd, statusRead, nil
}

// closeExtraFiles drops the parent's copy of the status pipe write end so a
// read on the other end sees EOF once the child is gone.
func closeExtraFiles(cmd *exec.Cmd) {
	for _, f := range cmd.ExtraFiles {
		_ = f.Close()
	}
}

func readHelperStatus(r io.Reader) string {
	msg, _ := io.ReadAll(io.LimitReader(r, 4096))
	return strings.TrimSpace(string(msg))
}

// classify fills in the terminal state. killed reports that the runner
// itself ended the process on timeout or cancellation.
func classify(res *ExecutionResult, state *os.ProcessState, waitErr error, killed bool) error {
	if state == nil {
		return fmt.Errorf("%w: %v", ErrWait, waitErr)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return fmt.Errorf("%w: %v", ErrWait, waitErr)
	}

	if sig, ok := terminationSignal(state); ok {
		res.Signal = signalName(sig)
		if killed || enforcedSignal(sig) {
			res.TimedOut = true
		} else {
			res.Crashed = true
		}
		return nil
	}

	if killed {
		res.TimedOut = true
		return nil
	}

	code := state.ExitCode()
	res.ExitCode = &code
	if code != 0 {
		res.Crashed = true
	}
	return nil
}

package governor

import (
	"errors"
	"fmt"
	"math"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

var ErrInvalidLimits = errors.New("invalid resource limits")

// Limits bounds a single sandboxed execution.
type Limits struct {
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`                   // wall clock, must be > 0
	MaxOutputBytes int64         `json:"max_output_bytes" yaml:"max_output_bytes"` // per stream
	MemoryMB       int64         `json:"memory_mb" yaml:"memory_mb"`               // address space
	MaxProcesses   int64         `json:"max_processes" yaml:"max_processes"`
	MaxFileSizeMB  int64         `json:"max_file_size_mb" yaml:"max_file_size_mb"`
	MaxOpenFiles   int64         `json:"max_open_files" yaml:"max_open_files"`
	CPUTime        time.Duration `json:"cpu_time" yaml:"cpu_time"` // 0 derives from Timeout
}

func DefaultLimits() Limits {
	return Limits{
		Timeout:        10 * time.Second,
		MaxOutputBytes: 64 * 1024,
		MemoryMB:       256,
		MaxProcesses:   16,
		MaxFileSizeMB:  8,
		MaxOpenFiles:   64,
	}
}

func (l Limits) Validate() error {
	if l.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidLimits, l.Timeout)
	}
	if l.MaxOutputBytes < 1 {
		return fmt.Errorf("%w: max_output_bytes must be >= 1, got %d", ErrInvalidLimits, l.MaxOutputBytes)
	}
	if l.MemoryMB < 16 || l.MemoryMB > 8192 {
		return fmt.Errorf("%w: memory_mb must be 16-8192, got %d", ErrInvalidLimits, l.MemoryMB)
	}
	if l.MaxProcesses < 1 || l.MaxProcesses > 1024 {
		return fmt.Errorf("%w: max_processes must be 1-1024, got %d", ErrInvalidLimits, l.MaxProcesses)
	}
	if l.MaxFileSizeMB < 0 || l.MaxFileSizeMB > 1024 {
		return fmt.Errorf("%w: max_file_size_mb must be 0-1024, got %d", ErrInvalidLimits, l.MaxFileSizeMB)
	}
	if l.MaxOpenFiles < 8 || l.MaxOpenFiles > 4096 {
		return fmt.Errorf("%w: max_open_files must be 8-4096, got %d", ErrInvalidLimits, l.MaxOpenFiles)
	}
	if l.CPUTime < 0 {
		return fmt.Errorf("%w: cpu_time must not be negative, got %s", ErrInvalidLimits, l.CPUTime)
	}
	return nil
}

// CPUSeconds is the RLIMIT_CPU soft limit: the configured CPU time, or the
// wall-clock timeout rounded up plus one second.
func (l Limits) CPUSeconds() uint64 {
	d := l.CPUTime
	if d <= 0 {
		d = l.Timeout + time.Second
	}
	return uint64(math.Ceil(d.Seconds()))
}

// Rlimits translates the limits into POSIX rlimits for the child process.
func (l Limits) Rlimits() []specs.POSIXRlimit {
	memoryBytes := safeUint64(l.MemoryMB) * 1024 * 1024
	fileBytes := safeUint64(l.MaxFileSizeMB) * 1024 * 1024
	cpu := l.CPUSeconds()

	return []specs.POSIXRlimit{
		{Type: "RLIMIT_AS", Hard: memoryBytes, Soft: memoryBytes},
		// SIGXCPU at the soft limit, SIGKILL one second later.
		{Type: "RLIMIT_CPU", Hard: cpu + 1, Soft: cpu},
		{Type: "RLIMIT_NOFILE", Hard: safeUint64(l.MaxOpenFiles), Soft: safeUint64(l.MaxOpenFiles)},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(l.MaxProcesses), Soft: safeUint64(l.MaxProcesses)},
		{Type: "RLIMIT_FSIZE", Hard: fileBytes, Soft: fileBytes},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

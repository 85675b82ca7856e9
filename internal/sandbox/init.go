package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// InitStatusFD is where the helper reports setup failures. The helper
	// marks it close-on-exec, so a successful exec leaves it empty.
	InitStatusFD = 3

	// HelperFailureExit is the helper's exit status when setup fails.
	HelperFailureExit = 125
)

// InitRequest is the JSON document the sandbox-init helper reads on stdin.
type InitRequest struct {
	Cmd     []string            `json:"cmd"`
	WorkDir string              `json:"work_dir"`
	Env     []string            `json:"env"`
	Rlimits []specs.POSIXRlimit `json:"rlimits,omitempty"`
	Seccomp *specs.LinuxSeccomp `json:"seccomp,omitempty"`
}

func (r InitRequest) Validate() error {
	if len(r.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if r.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	return nil
}

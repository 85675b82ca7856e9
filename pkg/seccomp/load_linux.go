//go:build linux && cgo

package seccomp

import (
	"fmt"

	libseccomp "github.com/seccomp/libseccomp-golang"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Supported reports whether Load can install filters in this build.
const Supported = true

// Load compiles p with libseccomp and installs it on the calling thread with
// no_new_privs set. The filter covers the native architecture; syscalls the
// running kernel does not know are skipped.
func Load(p *specs.LinuxSeccomp) error {
	if p == nil {
		return fmt.Errorf("seccomp: nil profile")
	}

	defaultAction, err := toAction(p.DefaultAction, p.DefaultErrnoRet)
	if err != nil {
		return err
	}

	filter, err := libseccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()

	for _, rule := range p.Syscalls {
		action, err := toAction(rule.Action, rule.ErrnoRet)
		if err != nil {
			return err
		}
		if action == defaultAction && len(rule.Args) == 0 {
			continue
		}

		conds := make([]libseccomp.ScmpCondition, 0, len(rule.Args))
		for _, arg := range rule.Args {
			op, err := toCompareOp(arg.Op)
			if err != nil {
				return err
			}
			cond, err := libseccomp.MakeCondition(arg.Index, op, arg.Value)
			if err != nil {
				return fmt.Errorf("seccomp condition: %w", err)
			}
			conds = append(conds, cond)
		}

		for _, name := range rule.Names {
			call, err := libseccomp.GetSyscallFromName(name)
			if err != nil {
				continue
			}
			if len(conds) == 0 {
				err = filter.AddRule(call, action)
			} else {
				err = filter.AddRuleConditional(call, action, conds)
			}
			if err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}

	if err := filter.SetNoNewPrivsBit(true); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func toAction(a specs.LinuxSeccompAction, errnoRet *uint) (libseccomp.ScmpAction, error) {
	switch a {
	case specs.ActAllow:
		return libseccomp.ActAllow, nil
	case specs.ActErrno:
		code := int16(1) // EPERM
		if errnoRet != nil {
			code = int16(*errnoRet)
		}
		return libseccomp.ActErrno.SetReturnCode(code), nil
	case specs.ActTrap:
		return libseccomp.ActTrap, nil
	case specs.ActKill, specs.ActKillThread:
		return libseccomp.ActKillThread, nil
	case specs.ActKillProcess:
		return libseccomp.ActKillProcess, nil
	case specs.ActLog:
		return libseccomp.ActLog, nil
	default:
		return libseccomp.ActInvalid, fmt.Errorf("unsupported seccomp action: %s", a)
	}
}

func toCompareOp(op specs.LinuxSeccompOperator) (libseccomp.ScmpCompareOp, error) {
	switch op {
	case specs.OpNotEqual:
		return libseccomp.CompareNotEqual, nil
	case specs.OpLessThan:
		return libseccomp.CompareLess, nil
	case specs.OpLessEqual:
		return libseccomp.CompareLessOrEqual, nil
	case specs.OpEqualTo:
		return libseccomp.CompareEqual, nil
	case specs.OpGreaterEqual:
		return libseccomp.CompareGreaterEqual, nil
	case specs.OpGreaterThan:
		return libseccomp.CompareGreater, nil
	case specs.OpMaskedEqual:
		return libseccomp.CompareMaskedEqual, nil
	default:
		return libseccomp.CompareInvalid, fmt.Errorf("unsupported seccomp operator: %s", op)
	}
}

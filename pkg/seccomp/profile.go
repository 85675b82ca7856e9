package seccomp

import (
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

var eperm = uint(syscall.EPERM)

// ProfileBuilder assembles a runtime-spec seccomp profile rule by rule.
// Rules are evaluated by the kernel as a set, so order only matters for
// readability.
type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

// NewBuilder starts a deny-by-default profile: any syscall without a rule
// fails with EPERM.
func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction:   specs.ActErrno,
			DefaultErrnoRet: &eperm,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) add(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	rule := specs.LinuxSyscall{Names: names, Action: action}
	if action == specs.ActErrno {
		rule.ErrnoRet = &eperm
	}
	b.profile.Syscalls = append(b.profile.Syscalls, rule)
	return b
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActAllow, names)
}

// BlockSyscalls makes the calls fail with EPERM so the interpreter can
// raise a normal exception.
func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActErrno, names)
}

// TrapSyscalls delivers SIGSYS, which terminates an interpreter that has no handler.
func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActTrap, names)
}

// KillSyscalls terminates the whole process on the first attempt.
func (b *ProfileBuilder) KillSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActKillProcess, names)
}

// SyscallArg constrains a single argument for a seccomp rule.
type SyscallArg struct {
	Index uint   // Argument index (0-5)
	Value uint64 // Value to compare
	Op    specs.LinuxSeccompOperator
}

func (b *ProfileBuilder) AllowSyscallWithArgs(name string, args ...SyscallArg) *ProfileBuilder {
	specArgs := make([]specs.LinuxSeccompArg, len(args))
	for i, a := range args {
		specArgs[i] = specs.LinuxSeccompArg{
			Index: a.Index,
			Value: a.Value,
			Op:    a.Op,
		}
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  []string{name},
		Action: specs.ActAllow,
		Args:   specArgs,
	})
	return b
}

func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// ActionFor returns the action the profile applies to an unconditional call
// of name. Argument-filtered rules are ignored.
func ActionFor(p *specs.LinuxSeccomp, name string) specs.LinuxSeccompAction {
	for _, rule := range p.Syscalls {
		if len(rule.Args) > 0 {
			continue
		}
		for _, n := range rule.Names {
			if n == name {
				return rule.Action
			}
		}
	}
	return p.DefaultAction
}

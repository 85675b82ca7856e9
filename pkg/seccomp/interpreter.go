package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Everything CPython needs to start, import pure-Python stdlib modules,
// compute, and write to its inherited stdout/stderr.
func interpreterSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"readlink", "readlinkat",
			"getdents", "getdents64",
			"dup", "dup2", "dup3", "fcntl", "ioctl",
			"getcwd",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
		).
		AllowSyscalls(
			"execve",
			"exit", "exit_group",
			"set_tid_address", "set_robust_list", "get_robust_list", "rseq",
			"futex", "futex_waitv",
			"arch_prctl", "prlimit64", "getrlimit",
			"getrandom",
			"sched_getaffinity", "sched_yield",
		).
		AllowSyscalls(
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
			"restart_syscall",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday", "time",
			"nanosleep", "clock_nanosleep",
			"select", "pselect6", "poll", "ppoll",
			"getrusage", "times",
		).
		AllowSyscalls(
			"getpid", "getppid", "gettid", "getpgrp",
			"getuid", "geteuid", "getgid", "getegid", "getgroups",
			"uname", "sysinfo",
		)
}

// Calls submissions have no business making. Network and process creation
// fail with EPERM so the program sees an ordinary exception; the rest kill.
func forbiddenSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		BlockSyscalls(
			"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
			"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
			"clone", "clone3", "fork", "vfork", "execveat",
			"kill", "tkill", "tgkill",
			"unlink", "unlinkat", "rename", "renameat", "renameat2",
			"mkdir", "mkdirat", "rmdir",
			"symlink", "symlinkat", "link", "linkat",
			"chmod", "fchmod", "fchmodat", "chown", "fchown", "lchown", "fchownat",
		).
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf", "perf_event_open", "userfaultfd",
		).
		KillSyscalls(
			"mount", "umount2", "pivot_root", "chroot",
			"setns", "unshare",
			"kexec_load", "kexec_file_load",
			"init_module", "finit_module", "delete_module",
			"reboot", "swapon", "swapoff",
			"sethostname", "setdomainname",
			"settimeofday", "adjtimex", "clock_adjtime",
			"acct", "personality", "ioperm", "iopl",
		)
}

// InterpreterProfile returns the deny-by-default profile applied to every
// submission process.
func InterpreterProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)
	b = forbiddenSyscalls(b)
	return b.Build()
}

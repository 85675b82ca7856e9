package analysis

import (
	"fmt"
	"strings"
)

// Policy decides which names a submission may use. The analyzer only walks
// the syntax tree; every allow/deny decision goes through a Policy, so the
// tables can be swapped without touching callers.
type Policy interface {
	Name() string

	// ForbiddenCall reports whether a bare name must not be called or referenced.
	ForbiddenCall(name string) bool

	// ForbiddenMethod reports whether name must not be reached as an
	// attribute (obj.name). module is the dotted module obj was imported as,
	// or "" when obj is not a module binding.
	ForbiddenMethod(module, name string) bool

	// ForbiddenModule reports whether a fully dotted module path may not be
	// imported.
	ForbiddenModule(module string) bool

	// ForbiddenAttribute reports whether attribute access to name is an
	// introspection escape hatch.
	ForbiddenAttribute(name string) bool
}

const (
	PolicyBlocklist = "blocklist"
	PolicyAllowlist = "allowlist"
)

// NewPolicy returns the named policy.
func NewPolicy(mode string) (Policy, error) {
	switch mode {
	case "", PolicyBlocklist:
		return NewBlocklistPolicy(), nil
	case PolicyAllowlist:
		return NewAllowlistPolicy(nil), nil
	default:
		return nil, fmt.Errorf("unknown analysis policy %q (want %s or %s)", mode, PolicyBlocklist, PolicyAllowlist)
	}
}

// Builtins that execute code, touch files, read stdin, or look names up dynamically.
var forbiddenCalls = []string{
	"eval", "exec", "execfile", "compile",
	"open", "file",
	"input", "raw_input",
	"__import__", "reload",
	"getattr", "setattr", "delattr", "hasattr",
	"globals", "locals", "vars", "dir",
	"help", "breakpoint",
	"exit", "quit",
	"memoryview",
}

// Attribute names that reach code execution, files or stdin on whatever
// object carries them (codecs.open, gzip.open, obj.eval).
var forbiddenMethods = []string{
	"eval", "exec", "execfile", "compile", "__import__",
	"open", "fdopen", "input", "raw_input", "breakpoint",
	"system", "popen", "spawnl", "spawnv", "execv", "execve", "fork",
}

// Module functions that share a forbidden method name but only build
// in-memory objects.
var allowedModuleMethods = map[string][]string{
	"re": {"compile"},
}

// Modules granting OS, process, file, network, or interpreter-internal access.
var forbiddenModules = []string{
	// process and OS
	"os", "sys", "subprocess", "shutil", "glob", "platform", "pwd", "grp",
	"resource", "syslog", "signal", "posix", "nt", "pty", "tty", "termios",
	"fcntl", "mmap", "crypt", "spwd", "_posixsubprocess", "_winapi", "winreg", "msvcrt",
	// threads and async
	"threading", "_thread", "thread", "multiprocessing", "concurrent", "asyncio",
	"select", "selectors", "asyncore", "asynchat",
	// network
	"socket", "socketserver", "ssl", "urllib", "urllib2", "urllib3", "requests",
	"http", "httplib", "ftplib", "smtplib", "smtpd", "poplib", "imaplib", "nntplib",
	"telnetlib", "xmlrpc", "webbrowser",
	// files and serialization
	"io", "_io", "pathlib", "tempfile", "fileinput", "zipfile", "tarfile", "shelve",
	"dbm", "sqlite3", "pickle", "cPickle", "marshal", "copy_reg", "copyreg",
	"gzip", "bz2", "lzma", "filecmp", "mailbox", "netrc", "mimetypes", "logging",
	"wave", "aifc", "sunau", "imghdr", "sndhdr", "posixpath", "ntpath", "genericpath",
	"zipapp", "pydoc", "_posixshmem",
	// native code
	"ctypes", "_ctypes", "cffi",
	// interpreter internals and dynamic loading
	"builtins", "__builtin__", "gc", "weakref", "inspect", "code", "codeop",
	"imp", "importlib", "pkgutil", "modulefinder", "runpy", "zipimport", "site",
	"sysconfig", "distutils", "ensurepip", "venv", "types", "opcode",
	"_imp", "_frozen_importlib", "_frozen_importlib_external",
	// debugging and introspection
	"timeit", "trace", "traceback", "pdb", "bdb", "faulthandler", "linecache",
	"tokenize", "dis",
	// crypto and secrets
	"hashlib", "hmac", "secrets",
}

// Attribute names used to climb from any object to builtins or frames.
var forbiddenAttributes = []string{
	"__class__", "__bases__", "__base__", "__subclasses__", "__mro__",
	"__globals__", "__builtins__", "__dict__", "__code__", "__closure__",
	"__func__", "__self__", "__module__", "__loader__", "__spec__",
	"__getattribute__", "__getattr__", "__setattr__", "__delattr__",
	"__reduce__", "__reduce_ex__", "__init_subclass__", "__import__",
	"f_globals", "f_locals", "f_builtins", "f_back", "f_code",
	"gi_frame", "gi_code", "cr_frame", "cr_code", "ag_frame",
	"tb_frame", "tb_next", "co_code", "co_consts",
}

// Modules an allowlist policy accepts when no explicit set is given.
var defaultAllowedModules = []string{
	"math", "cmath", "random", "datetime", "time", "calendar",
	"itertools", "functools", "operator", "collections", "heapq", "bisect",
	"array", "string", "re", "json", "statistics", "decimal", "fractions",
	"numbers", "enum", "dataclasses", "typing", "abc", "copy", "textwrap",
	"pprint", "unicodedata", "anytree",
}

// BlocklistPolicy rejects a fixed set of names and accepts everything else.
type BlocklistPolicy struct {
	calls         map[string]struct{}
	methods       map[string]struct{}
	moduleMethods map[string]map[string]struct{}
	modules       map[string]struct{}
	attributes    map[string]struct{}
}

// NewBlocklistPolicy returns the default policy.
func NewBlocklistPolicy() *BlocklistPolicy {
	moduleMethods := make(map[string]map[string]struct{}, len(allowedModuleMethods))
	for mod, names := range allowedModuleMethods {
		moduleMethods[mod] = toSet(names)
	}
	return &BlocklistPolicy{
		calls:         toSet(forbiddenCalls),
		methods:       toSet(forbiddenMethods),
		moduleMethods: moduleMethods,
		modules:       toSet(forbiddenModules),
		attributes:    toSet(forbiddenAttributes),
	}
}

func (p *BlocklistPolicy) Name() string { return PolicyBlocklist }

func (p *BlocklistPolicy) ForbiddenCall(name string) bool {
	_, ok := p.calls[name]
	return ok
}

func (p *BlocklistPolicy) ForbiddenMethod(module, name string) bool {
	if _, ok := p.methods[name]; !ok {
		return false
	}
	if _, ok := p.moduleMethods[module][name]; ok {
		return false
	}
	return true
}

// ForbiddenModule also rejects the C accelerator behind a blocked module
// (_socket for socket, _pickle for pickle).
func (p *BlocklistPolicy) ForbiddenModule(module string) bool {
	if _, ok := p.modules[module]; ok {
		return true
	}
	if twin, ok := strings.CutPrefix(module, "_"); ok && twin != "" {
		_, ok = p.modules[twin]
		return ok
	}
	return false
}

func (p *BlocklistPolicy) ForbiddenAttribute(name string) bool {
	_, ok := p.attributes[name]
	return ok
}

// AllowlistPolicy applies the blocklist to calls and attributes but only
// accepts imports whose top-level package is explicitly approved.
type AllowlistPolicy struct {
	*BlocklistPolicy
	allowed map[string]struct{}
}

// NewAllowlistPolicy returns an allowlist over modules; nil selects the
// default teaching set.
func NewAllowlistPolicy(modules []string) *AllowlistPolicy {
	if modules == nil {
		modules = defaultAllowedModules
	}
	return &AllowlistPolicy{
		BlocklistPolicy: NewBlocklistPolicy(),
		allowed:         toSet(modules),
	}
}

func (p *AllowlistPolicy) Name() string { return PolicyAllowlist }

func (p *AllowlistPolicy) ForbiddenModule(module string) bool {
	root, _, _ := strings.Cut(module, ".")
	_, ok := p.allowed[root]
	return !ok
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

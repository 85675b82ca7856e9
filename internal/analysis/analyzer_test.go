package analysis

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func analyze(t *testing.T, src string) Verdict {
	t.Helper()
	return New(nil, DefaultOptions()).Analyze(context.Background(), src)
}

func TestAnalyze_AllowsPlainCode(t *testing.T) {
	sources := []string{
		"print(2+2)",
		"import math\nprint(math.sqrt(16))",
		"from collections import Counter\nprint(Counter('hello'))",
		"import re\np = re.compile('a+')\nprint(p.match('aaa'))",
		"import re as regex\nprint(regex.compile('b').match('b'))",
		"class Box:\n    def __init__(self):\n        self.input = []\n        self.open = False\n",
		"name = 'ada'\nprint(f\"hi {name}\")",
		"xs = [3, 1, 2]\nprint(sorted(xs, key=abs))",
		"print('a', end='')",
		"d = {'a': 1}\nprint(d['a'])",
		"def fact(n):\n    return 1 if n <= 1 else n * fact(n - 1)\nprint(fact(5))",
		"class Node:\n    def __init__(self, v):\n        self.v = v\n",
		"",
	}

	for _, src := range sources {
		v := analyze(t, src)
		if !v.Allowed {
			t.Errorf("Analyze(%q) blocked: %v", src, v.Violations)
		}
		if len(v.Violations) != 0 {
			t.Errorf("Analyze(%q) violations = %v, want none", src, v.Violations)
		}
	}
}

func TestAnalyze_ForbiddenImports(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		module string
	}{
		{"direct", "import os\nos.system('ls')", "os"},
		{"dotted", "import os.path", "os"},
		{"aliased", "import subprocess as sp", "subprocess"},
		{"second in list", "import math, socket", "socket"},
		{"from import", "from os import path", "os"},
		{"from dotted", "from importlib.util import find_spec", "importlib"},
		{"wildcard", "from subprocess import *", "subprocess"},
		{"parenthesized", "from shutil import (rmtree,\n    copy)", "shutil"},
		{"nested in function", "def f():\n    import ctypes\n    return ctypes", "ctypes"},
		{"builtins module", "import builtins", "builtins"},
		{"socket accelerator", "import _socket\ns = _socket.socket(2, 1)", "_socket"},
		{"pickle accelerator", "from _pickle import loads", "_pickle"},
		{"ssl accelerator", "import _ssl as s", "_ssl"},
		{"shared memory", "import _posixshmem", "_posixshmem"},
		{"compressed file", "import gzip\ngzip.open('/tmp/x', 'wb')", "gzip"},
		{"code objects", "import types", "types"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := analyze(t, tt.src)
			if v.Allowed {
				t.Fatalf("Analyze(%q) allowed, want blocked", tt.src)
			}
			found := false
			for _, viol := range v.Violations {
				if viol.Kind == KindForbiddenImport && strings.Contains(viol.Detail, `"`+tt.module+`"`) {
					found = true
				}
			}
			if !found {
				t.Errorf("no forbidden-import for %q in %v", tt.module, v.Violations)
			}
		})
	}
}

func TestAnalyze_ForbiddenCalls(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"eval", "eval('1+1')"},
		{"exec", "exec('x = 1')"},
		{"open", "f = open('/etc/passwd')"},
		{"dunder import", "m = __import__('os')"},
		{"alias", "e = eval\ne('1')"},
		{"in list", "x = [eval][0]('1')"},
		{"as argument", "list(map(eval, ['1']))"},
		{"parenthesized", "(exec)('pass')"},
		{"getattr", "getattr(object, 'mro')"},
		{"method eval", "x.eval('1')"},
		{"from import name", "from math import eval"},
		{"nested call", "print(len(input()))"},
		{"codecs open", "import codecs\nprint(codecs.open('/etc/passwd').read())"},
		{"aliased module open", "import codecs as c\nc.open('/etc/passwd')"},
		{"method input", "import sys_like\nsys_like.input()"},
		{"compile off module", "import codecs\ncodecs.compile('1', 'f', 'eval')"},
		{"compile on object", "x.compile('1', 'f', 'exec')"},
		{"method dunder import", "x.__import__('os')"},
		{"method reference", "f = obj.eval\nf('1')"},
		{"module open reference", "import codecs\nopener = codecs.open"},
		{"method in container", "fs = [codecs.open]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := analyze(t, tt.src)
			if v.Allowed {
				t.Fatalf("Analyze(%q) allowed, want blocked", tt.src)
			}
			if !v.Has(KindForbiddenCall) {
				t.Errorf("Analyze(%q) kinds = %v, want forbidden-call", tt.src, v.Kinds())
			}
		})
	}
}

func TestAnalyze_Obfuscation(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"subclasses walk", "().__class__.__bases__[0].__subclasses__()"},
		{"function globals", "def f(): pass\nf.__globals__"},
		{"builtins name", "b = __builtins__"},
		{"string subscript", "d = {}\nd['eval']"},
		{"concatenated key", "d = {}\nd['ev' 'al']"},
		{"escaped key", "d = {}\nd['\\x65val']"},
		{"frame walk", "def g():\n    yield 1\ng().gi_frame.f_globals"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := analyze(t, tt.src)
			if v.Allowed {
				t.Fatalf("Analyze(%q) allowed, want blocked", tt.src)
			}
			if !v.Has(KindObfuscation) {
				t.Errorf("Analyze(%q) kinds = %v, want obfuscation-pattern", tt.src, v.Kinds())
			}
		})
	}
}

func TestAnalyze_SyntaxErrorFailsClosed(t *testing.T) {
	for _, src := range []string{"print(2+", "def f(:\n    pass", "x = = 1"} {
		v := analyze(t, src)
		if v.Allowed {
			t.Errorf("Analyze(%q) allowed, want blocked", src)
		}
		if !v.Has(KindSyntaxError) {
			t.Errorf("Analyze(%q) kinds = %v, want syntax-error", src, v.Kinds())
		}
	}
}

func TestAnalyze_SizeExceededBeforeParsing(t *testing.T) {
	a := New(nil, Options{MaxSourceBytes: 100})
	src := "import os\n" + strings.Repeat("x = 1\n", 50)

	v := a.Analyze(context.Background(), src)
	if v.Allowed {
		t.Fatal("oversized source allowed")
	}
	if len(v.Violations) != 1 || v.Violations[0].Kind != KindSizeExceeded {
		t.Errorf("violations = %v, want a single size-exceeded", v.Violations)
	}
}

func TestAnalyze_StructuralLimits(t *testing.T) {
	t.Run("depth", func(t *testing.T) {
		src := "x = " + strings.Repeat("(", 300) + "1" + strings.Repeat(")", 300)
		v := New(nil, Options{MaxSourceBytes: 1 << 20}).Analyze(context.Background(), src)
		if !v.Has(KindResourceAbuse) {
			t.Errorf("kinds = %v, want resource-abuse", v.Kinds())
		}
	})

	t.Run("node count", func(t *testing.T) {
		src := strings.Repeat("x = 1\n", 100)
		v := New(nil, Options{MaxNodes: 50}).Analyze(context.Background(), src)
		if !v.Has(KindResourceAbuse) {
			t.Errorf("kinds = %v, want resource-abuse", v.Kinds())
		}
	})

	t.Run("loop nesting", func(t *testing.T) {
		var b strings.Builder
		for i := 0; i < 6; i++ {
			b.WriteString(strings.Repeat("    ", i))
			b.WriteString("for i in range(2):\n")
		}
		b.WriteString(strings.Repeat("    ", 6) + "pass\n")

		v := analyze(t, b.String())
		if !v.Has(KindResourceAbuse) {
			t.Errorf("kinds = %v, want resource-abuse", v.Kinds())
		}
	})

	t.Run("loop nesting within cap", func(t *testing.T) {
		src := "for i in range(2):\n    for j in range(2):\n        while False:\n            pass\n"
		if v := analyze(t, src); !v.Allowed {
			t.Errorf("violations = %v, want none", v.Violations)
		}
	})
}

func TestAnalyze_CollectsAllViolations(t *testing.T) {
	v := analyze(t, "import os\nimport sys\neval('1')\n().__class__")

	want := []Kind{KindForbiddenImport, KindForbiddenCall, KindObfuscation}
	if got := v.Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
	if len(v.Violations) != 4 {
		t.Errorf("got %d violations, want 4: %v", len(v.Violations), v.Violations)
	}
}

func TestAnalyze_Position(t *testing.T) {
	v := analyze(t, "x = 1\neval('2')")
	if len(v.Violations) != 1 {
		t.Fatalf("violations = %v, want 1", v.Violations)
	}
	if v.Violations[0].Line != 2 || v.Violations[0].Column != 1 {
		t.Errorf("position = %d:%d, want 2:1", v.Violations[0].Line, v.Violations[0].Column)
	}
}

func TestAnalyze_Idempotent(t *testing.T) {
	a := New(nil, DefaultOptions())
	src := "import os\nx = ().__class__\nprint(eval('1'))"

	first := a.Analyze(context.Background(), src)
	second := a.Analyze(context.Background(), src)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("verdicts differ:\n%v\n%v", first, second)
	}
}

func TestAnalyze_ConcurrentUse(t *testing.T) {
	a := New(nil, DefaultOptions())
	want := a.Analyze(context.Background(), "import socket")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := a.Analyze(context.Background(), "import socket"); !reflect.DeepEqual(got, want) {
				t.Errorf("concurrent verdict = %v, want %v", got, want)
			}
		}()
	}
	wg.Wait()
}

func TestAnalyze_AllowlistPolicy(t *testing.T) {
	a := New(NewAllowlistPolicy(nil), DefaultOptions())

	tests := []struct {
		src     string
		allowed bool
	}{
		{"import math", true},
		{"from collections import deque", true},
		{"import collections.abc", true},
		{"import numpy", false},
		{"from xml import etree", false},
		{"eval('1')", false},
	}

	for _, tt := range tests {
		if got := a.Analyze(context.Background(), tt.src); got.Allowed != tt.allowed {
			t.Errorf("Analyze(%q).Allowed = %v, want %v (%v)", tt.src, got.Allowed, tt.allowed, got.Violations)
		}
	}
}

package analysis

import "testing"

func TestNewPolicy(t *testing.T) {
	tests := []struct {
		mode    string
		want    string
		wantErr bool
	}{
		{"", PolicyBlocklist, false},
		{"blocklist", PolicyBlocklist, false},
		{"allowlist", PolicyAllowlist, false},
		{"strict", "", true},
	}

	for _, tt := range tests {
		p, err := NewPolicy(tt.mode)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewPolicy(%q) error = %v, wantErr %v", tt.mode, err, tt.wantErr)
			continue
		}
		if err == nil && p.Name() != tt.want {
			t.Errorf("NewPolicy(%q).Name() = %q, want %q", tt.mode, p.Name(), tt.want)
		}
	}
}

func TestBlocklistPolicy(t *testing.T) {
	p := NewBlocklistPolicy()

	for _, name := range []string{"eval", "exec", "compile", "open", "input", "__import__", "getattr"} {
		if !p.ForbiddenCall(name) {
			t.Errorf("ForbiddenCall(%q) = false, want true", name)
		}
	}
	for _, name := range []string{"print", "len", "range", "sorted"} {
		if p.ForbiddenCall(name) {
			t.Errorf("ForbiddenCall(%q) = true, want false", name)
		}
	}
	for _, mod := range []string{"os", "subprocess", "socket", "ctypes", "importlib"} {
		if !p.ForbiddenModule(mod) {
			t.Errorf("ForbiddenModule(%q) = false, want true", mod)
		}
	}
	if p.ForbiddenModule("math") {
		t.Error("ForbiddenModule(math) = true, want false")
	}
	for _, mod := range []string{"_socket", "_ssl", "_signal", "_pickle", "_multiprocessing", "_posixshmem", "_sqlite3"} {
		if !p.ForbiddenModule(mod) {
			t.Errorf("ForbiddenModule(%q) = false, want true", mod)
		}
	}
	for _, mod := range []string{"_collections", "__future__", "_"} {
		if p.ForbiddenModule(mod) {
			t.Errorf("ForbiddenModule(%q) = true, want false", mod)
		}
	}
	if p.ForbiddenMethod("re", "compile") {
		t.Error("re.compile must stay callable")
	}
	for _, tt := range []struct{ module, name string }{
		{"", "compile"},
		{"codecs", "open"},
		{"gzip", "open"},
		{"", "input"},
		{"re", "eval"},
	} {
		if !p.ForbiddenMethod(tt.module, tt.name) {
			t.Errorf("ForbiddenMethod(%q, %q) = false, want true", tt.module, tt.name)
		}
	}
	if !p.ForbiddenAttribute("__subclasses__") {
		t.Error("ForbiddenAttribute(__subclasses__) = false, want true")
	}
}

func TestAllowlistPolicy_Modules(t *testing.T) {
	p := NewAllowlistPolicy([]string{"math", "collections"})

	tests := []struct {
		module string
		want   bool
	}{
		{"math", false},
		{"collections.abc", false},
		{"random", true},
		{"os", true},
	}
	for _, tt := range tests {
		if got := p.ForbiddenModule(tt.module); got != tt.want {
			t.Errorf("ForbiddenModule(%q) = %v, want %v", tt.module, got, tt.want)
		}
	}
	if !p.ForbiddenCall("eval") {
		t.Error("allowlist must keep the call blocklist")
	}
}

func TestStringLiteral(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{`'eval'`, "eval", true},
		{`"eval"`, "eval", true},
		{`"""eval"""`, "eval", true},
		{`r'\x65'`, `\x65`, true},
		{`'\x65val'`, "eval", true},
		{`u'\u0065val'`, "eval", true},
		{`'\145val'`, "eval", true},
		{`f'{x}'`, "", false},
		{`b'eval'`, "", false},
		{`'\x6'`, "", false},
	}

	for _, tt := range tests {
		got, ok := stringLiteral(tt.raw)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("stringLiteral(%s) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

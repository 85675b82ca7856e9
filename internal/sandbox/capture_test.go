package sandbox

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCappedBuffer(t *testing.T) {
	tests := []struct {
		name      string
		limit     int64
		writes    []string
		want      string
		truncated bool
	}{
		{"under cap", 10, []string{"abc", "def"}, "abcdef", false},
		{"exactly cap", 6, []string{"abc", "def"}, "abcdef", false},
		{"split write", 4, []string{"abc", "def"}, "abcd", true},
		{"after cap", 3, []string{"abc", "def", "ghi"}, "abc", true},
		{"empty write at cap", 3, []string{"abc", ""}, "abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newCappedBuffer(tt.limit)
			var total int
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				if err != nil {
					t.Fatalf("Write error: %v", err)
				}
				if n != len(w) {
					t.Errorf("Write returned %d, want %d", n, len(w))
				}
				total += len(w)
			}
			if b.String() != tt.want {
				t.Errorf("String() = %q, want %q", b.String(), tt.want)
			}
			if b.Truncated() != tt.truncated {
				t.Errorf("Truncated() = %v, want %v", b.Truncated(), tt.truncated)
			}
			if b.Total() != int64(total) {
				t.Errorf("Total() = %d, want %d", b.Total(), total)
			}
		})
	}
}

func TestCappedBuffer_LargeStream(t *testing.T) {
	b := newCappedBuffer(1024)
	chunk := []byte(strings.Repeat("x", 4096))
	for i := 0; i < 100; i++ {
		b.Write(chunk)
	}
	if len(b.String()) != 1024 {
		t.Errorf("kept %d bytes, want 1024", len(b.String()))
	}
	if !b.Truncated() {
		t.Error("expected truncated")
	}
}

func TestCappedBuffer_RuneBoundary(t *testing.T) {
	tests := []struct {
		name   string
		limit  int64
		writes []string
		want   string
	}{
		{"cut inside rune", 5, []string{"abc€"}, "abc"},
		{"rune ends at cap", 6, []string{"abc€d"}, "abc€"},
		{"earlier write ends mid rune", 4, []string{"abc\xe2", "\x82\xac"}, "abc"},
		{"four byte rune", 3, []string{"a😀"}, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newCappedBuffer(tt.limit)
			for _, w := range tt.writes {
				b.Write([]byte(w))
			}
			if b.String() != tt.want {
				t.Errorf("String() = %q, want %q", b.String(), tt.want)
			}
			if !utf8.ValidString(b.String()) {
				t.Errorf("String() = %q is not valid UTF-8", b.String())
			}
			if !b.Truncated() {
				t.Error("Truncated() = false, want true")
			}
		})
	}
}

func TestCappedBuffer_StopsAfterCut(t *testing.T) {
	b := newCappedBuffer(5)
	b.Write([]byte("abc€"))
	b.Write([]byte("z"))
	if b.String() != "abc" {
		t.Errorf("String() = %q, want %q", b.String(), "abc")
	}
}

func TestScrubWriter(t *testing.T) {
	const (
		scratch  = "/tmp/codeguard-1"
		codePath = "/tmp/codeguard-1/main.py"
	)
	text := `File "/tmp/codeguard-1/main.py", line 1; opened /tmp/codeguard-1/data`
	want := `File "<submission>", line 1; opened ./data`

	tests := []struct {
		name  string
		chunk int
	}{
		{"single write", len(text)},
		{"byte at a time", 1},
		{"split inside path", 11},
		{"split at scratch end", len(`File "/tmp/codeguard-1`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			w := newScrubWriter(&out, scratch, ".", codePath, SubmissionName)
			for i := 0; i < len(text); i += tt.chunk {
				end := min(i+tt.chunk, len(text))
				n, err := w.Write([]byte(text[i:end]))
				if err != nil || n != end-i {
					t.Fatalf("Write = %d, %v", n, err)
				}
			}
			if err := w.Flush(); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			if out.String() != want {
				t.Errorf("got %q, want %q", out.String(), want)
			}
		})
	}
}

func TestScrubWriter_TrailingPathFlushed(t *testing.T) {
	var out bytes.Buffer
	w := newScrubWriter(&out, "/tmp/codeguard-1/main.py", SubmissionName, "/tmp/codeguard-1", ".")
	w.Write([]byte("cwd=/tmp/codeguard-1"))
	w.Flush()
	if out.String() != "cwd=." {
		t.Errorf("got %q, want %q", out.String(), "cwd=.")
	}
}

func TestScrubWriter_FeedsCapAfterRewrite(t *testing.T) {
	codePath := "/tmp/codeguard-abcdef/main.py"
	b := newCappedBuffer(64)
	w := newScrubWriter(b, codePath, SubmissionName)
	for i := 0; i < 20; i++ {
		w.Write([]byte(codePath + "\n"))
	}
	w.Flush()
	if len(b.String()) != 64 {
		t.Errorf("kept %d bytes, want 64", len(b.String()))
	}
	if strings.Contains(b.String(), "codeguard-") {
		t.Errorf("path survived: %q", b.String())
	}
}

package sandbox

import (
	"bytes"
	"io"
	"unicode/utf8"
)

// cappedBuffer keeps the first limit bytes written to it and silently
// discards the rest, so a chatty child never blocks on a full pipe. A cut
// never splits a UTF-8 sequence.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	total     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.total += int64(len(p))
	if b.truncated {
		return len(p), nil
	}
	room := b.limit - int64(b.buf.Len())
	switch {
	case int64(len(p)) <= room:
		b.buf.Write(p)
	default:
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		b.trimPartialRune()
	}
	return len(p), nil
}

// trimPartialRune drops an incomplete multi-byte sequence left at the end
// of the buffer by the cut.
func (b *cappedBuffer) trimPartialRune() {
	data := b.buf.Bytes()
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if !utf8.FullRune(data[i:]) {
			b.buf.Truncate(i)
		}
		return
	}
}

func (b *cappedBuffer) String() string { return b.buf.String() }

func (b *cappedBuffer) Truncated() bool { return b.truncated }

// Total is the number of bytes written, kept or not.
func (b *cappedBuffer) Total() int64 { return b.total }

type replacement struct {
	old, new []byte
}

// scrubWriter rewrites host paths in a stream before it reaches dst, so
// the cap downstream counts the bytes the caller actually sees. A tail that
// could still grow into a match is held until the next Write or Flush.
type scrubWriter struct {
	dst     io.Writer
	rules   []replacement // longest first
	hold    int
	pending []byte
}

// newScrubWriter replaces each old/new pair in order of decreasing length.
func newScrubWriter(dst io.Writer, pairs ...string) *scrubWriter {
	w := &scrubWriter{dst: dst}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == "" {
			continue
		}
		r := replacement{old: []byte(pairs[i]), new: []byte(pairs[i+1])}
		at := len(w.rules)
		for j, have := range w.rules {
			if len(r.old) > len(have.old) {
				at = j
				break
			}
		}
		w.rules = append(w.rules[:at], append([]replacement{r}, w.rules[at:]...)...)
		if n := len(r.old) - 1; n > w.hold {
			w.hold = n
		}
	}
	return w
}

func (w *scrubWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	if err := w.drain(false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush writes whatever is still held back.
func (w *scrubWriter) Flush() error {
	return w.drain(true)
}

func (w *scrubWriter) drain(final bool) error {
	data := w.pending
	var out []byte
	for {
		at, rule := w.nextMatch(data)
		if at < 0 {
			break
		}
		if !final && w.couldGrow(data[at:], rule) {
			out = append(out, data[:at]...)
			w.pending = append([]byte(nil), data[at:]...)
			return w.emit(out)
		}
		out = append(out, data[:at]...)
		out = append(out, rule.new...)
		data = data[at+len(rule.old):]
	}

	keep := 0
	if !final {
		keep = min(len(data), w.hold)
	}
	out = append(out, data[:len(data)-keep]...)
	w.pending = append([]byte(nil), data[len(data)-keep:]...)
	return w.emit(out)
}

func (w *scrubWriter) emit(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := w.dst.Write(p)
	return err
}

// nextMatch finds the earliest complete match, preferring the longer rule
// at equal offsets.
func (w *scrubWriter) nextMatch(data []byte) (int, replacement) {
	best, bestRule := -1, replacement{}
	for _, r := range w.rules {
		if i := bytes.Index(data, r.old); i >= 0 && (best < 0 || i < best) {
			best, bestRule = i, r
		}
	}
	return best, bestRule
}

// couldGrow reports whether a longer rule might still match at the start of
// data once more bytes arrive.
func (w *scrubWriter) couldGrow(data []byte, matched replacement) bool {
	for _, r := range w.rules {
		if len(r.old) <= len(matched.old) {
			break
		}
		if len(data) < len(r.old) && bytes.HasPrefix(r.old, data) {
			return true
		}
	}
	return false
}

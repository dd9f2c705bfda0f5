package protocol

import (
	"bytes"
	"strings"
)

// Framer assembles newline-delimited frames from arbitrarily split byte
// chunks. A trailing partial line stays buffered until the next chunk
// completes it, so frame output is independent of how the transport chops the
// stream.
type Framer struct {
	buf []byte
}

// Push appends a chunk and returns the frames it completed, plus the chunk's
// cleaned text for raw logging. Frames exclude the line terminator; blank
// lines are dropped. Undecodable byte sequences are substituted, never fatal.
func (f *Framer) Push(chunk []byte) (frames []string, raw string) {
	raw = cleanChunkText(chunk)
	f.buf = append(f.buf, chunk...)

	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		frames = append(frames, strings.ToValidUTF8(string(line), "�"))
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}

	return frames, raw
}

// Reset drops any buffered partial line. Used to discard boot noise before
// the handshake is issued.
func (f *Framer) Reset() {
	f.buf = nil
}

// cleanChunkText decodes a chunk permissively for terminal display: invalid
// UTF-8 is substituted and control bytes other than newline and tab are
// stripped. A just-reset board emits plenty of both.
func cleanChunkText(chunk []byte) string {
	text := strings.ToValidUTF8(string(chunk), "�")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

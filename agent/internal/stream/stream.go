// Package stream turns raw child-process stdout/stderr bytes into clean
// terminal output chunks. Bytes are buffered per stream; complete lines are
// emitted as they appear, with CRLF normalised to LF, ANSI CSI sequences
// extracted into a separate field, and control characters other than TAB
// removed. Partial lines are flushed on a caller-driven cadence and whenever
// the buffer exceeds its bound.
package stream

import (
	"bytes"
	"strings"

	"github.com/onsembl/onsembl/shared/protocol"
)

const (
	// DefaultMaxChunk caps the data field of a single chunk. Longer lines
	// are split; the remainder becomes the next chunk.
	DefaultMaxChunk = 10000

	// DefaultMaxBuffer bounds the partial-line buffer. Exceeding it forces
	// a flush so a child that never prints a newline still streams.
	DefaultMaxBuffer = 8192

	// binaryProbeSize and binaryThreshold drive the binary-content
	// heuristic: any NUL byte, or at least 30% non-printable bytes in the
	// first kilobyte, flags the chunk so dashboards can render it safely.
	binaryProbeSize = 1024
	binaryThreshold = 0.30
)

// Chunk is one unit of processed output, ready to be wrapped in a
// terminal:output frame by the session.
type Chunk struct {
	Data      string
	ANSICodes string
	Stream    protocol.Stream
	IsBlank   bool
	IsBinary  bool
}

// EmitFunc receives chunks as the scanner produces them. It is called from
// whichever goroutine invoked Write or Flush; implementations must be quick.
type EmitFunc func(Chunk)

// Scanner accumulates bytes from one child stream and emits chunks.
// Not safe for concurrent use — each stream has exactly one reader goroutine.
type Scanner struct {
	stream    protocol.Stream
	emit      EmitFunc
	maxChunk  int
	maxBuffer int
	buf       []byte
}

// NewScanner creates a Scanner for the given stream with the default chunk
// and buffer bounds.
func NewScanner(s protocol.Stream, emit EmitFunc) *Scanner {
	return &Scanner{
		stream:    s,
		emit:      emit,
		maxChunk:  DefaultMaxChunk,
		maxBuffer: DefaultMaxBuffer,
	}
}

// SetMaxBuffer overrides the partial-line buffer bound (outputBufferSize).
func (s *Scanner) SetMaxBuffer(n int) {
	if n > 0 {
		s.maxBuffer = n
	}
}

// Write implements io.Writer so the scanner can sit directly behind the
// child's pipe copy loop. Complete lines are emitted immediately; a partial
// line larger than the buffer bound is force-flushed.
func (s *Scanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)

	for {
		nl := bytes.IndexByte(s.buf, '\n')
		if nl < 0 {
			break
		}
		line := s.buf[:nl]
		// CRLF → LF.
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		s.emitLine(line)
		s.buf = s.buf[nl+1:]
	}

	if len(s.buf) >= s.maxBuffer {
		s.Flush()
	}
	return len(p), nil
}

// Flush emits whatever partial line is buffered. Called on the output flush
// cadence and when the stream closes.
func (s *Scanner) Flush() {
	if len(s.buf) == 0 {
		return
	}
	s.emitLine(s.buf)
	s.buf = nil
}

// emitLine processes one logical line and emits one or more chunks.
func (s *Scanner) emitLine(line []byte) {
	binary := IsBinary(line)
	data, ansi := ExtractANSI(line)

	if len(data) == 0 && ansi == "" && !binary {
		// A blank line is still a line — dashboards preserve vertical
		// rhythm from it.
		s.emit(Chunk{Stream: s.stream, IsBlank: true})
		return
	}

	blank := strings.TrimSpace(data) == ""
	first := true
	for {
		chunk := Chunk{
			Stream:   s.stream,
			IsBlank:  blank && first,
			IsBinary: binary,
		}
		if len(data) > s.maxChunk {
			chunk.Data = data[:s.maxChunk]
			data = data[s.maxChunk:]
		} else {
			chunk.Data = data
			data = ""
		}
		if first {
			chunk.ANSICodes = ansi
		}
		s.emit(chunk)
		first = false
		if data == "" {
			return
		}
	}
}

// ExtractANSI splits a line into printable data and its ANSI CSI sequences.
// CSI sequences (ESC '[' parameters… final byte) are concatenated in order
// of appearance; other escape sequences and control characters except TAB
// are dropped. Bytes >= 0x80 pass through untouched (UTF-8).
func ExtractANSI(line []byte) (data string, ansi string) {
	var out, codes strings.Builder

	for i := 0; i < len(line); i++ {
		b := line[i]

		if b == 0x1b && i+1 < len(line) && line[i+1] == '[' {
			// CSI: ESC '[' param bytes (0x30–0x3F) intermediate bytes
			// (0x20–0x2F) final byte (0x40–0x7E).
			j := i + 2
			for j < len(line) && line[j] >= 0x30 && line[j] <= 0x3f {
				j++
			}
			for j < len(line) && line[j] >= 0x20 && line[j] <= 0x2f {
				j++
			}
			if j < len(line) && line[j] >= 0x40 && line[j] <= 0x7e {
				codes.Write(line[i : j+1])
				i = j
				continue
			}
			// Truncated sequence at end of line: drop the ESC and let the
			// remaining bytes be scrubbed below.
			continue
		}

		switch {
		case b == '\t':
			out.WriteByte(b)
		case b < 0x20 || b == 0x7f:
			// NUL and other control characters are removed.
		default:
			out.WriteByte(b)
		}
	}

	return out.String(), codes.String()
}

// IsBinary reports whether the line looks like binary content: any NUL byte,
// or >= 30% non-printable bytes within the first kilobyte.
func IsBinary(line []byte) bool {
	probe := line
	if len(probe) > binaryProbeSize {
		probe = probe[:binaryProbeSize]
	}
	if len(probe) == 0 {
		return false
	}

	nonPrintable := 0
	for _, b := range probe {
		if b == 0 {
			return true
		}
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' && b != 0x1b {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(probe)) >= binaryThreshold
}

package stream_test

import (
	"strings"
	"testing"

	"github.com/onsembl/onsembl/agent/internal/stream"
	"github.com/onsembl/onsembl/shared/protocol"
)

func collect(t *testing.T) (*stream.Scanner, *[]stream.Chunk) {
	t.Helper()
	var chunks []stream.Chunk
	s := stream.NewScanner(protocol.StreamStdout, func(c stream.Chunk) {
		chunks = append(chunks, c)
	})
	return s, &chunks
}

func TestCompleteLinesEmittedOnWrite(t *testing.T) {
	t.Parallel()

	s, chunks := collect(t)
	s.Write([]byte("first line\nsecond line\npartial"))

	if len(*chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 (partial line must stay buffered)", len(*chunks))
	}
	if (*chunks)[0].Data != "first line" || (*chunks)[1].Data != "second line" {
		t.Errorf("chunks = %+v", *chunks)
	}

	s.Flush()
	if len(*chunks) != 3 || (*chunks)[2].Data != "partial" {
		t.Errorf("after flush: %+v", *chunks)
	}
}

func TestCRLFNormalised(t *testing.T) {
	t.Parallel()

	s, chunks := collect(t)
	s.Write([]byte("windows line\r\n"))

	if len(*chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(*chunks))
	}
	if got := (*chunks)[0].Data; got != "windows line" {
		t.Errorf("Data = %q, want trailing CR stripped", got)
	}
}

func TestLinesAssembledAcrossWrites(t *testing.T) {
	t.Parallel()

	s, chunks := collect(t)
	s.Write([]byte("hel"))
	s.Write([]byte("lo wor"))
	s.Write([]byte("ld\n"))

	if len(*chunks) != 1 || (*chunks)[0].Data != "hello world" {
		t.Errorf("chunks = %+v, want one assembled line", *chunks)
	}
}

func TestANSICodesExtracted(t *testing.T) {
	t.Parallel()

	s, chunks := collect(t)
	s.Write([]byte("\x1b[1;32mgreen\x1b[0m text\n"))

	if len(*chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(*chunks))
	}
	c := (*chunks)[0]
	if c.Data != "green text" {
		t.Errorf("Data = %q, want ANSI stripped", c.Data)
	}
	if c.ANSICodes != "\x1b[1;32m\x1b[0m" {
		t.Errorf("ANSICodes = %q", c.ANSICodes)
	}
}

func TestControlCharactersScrubbedTabKept(t *testing.T) {
	t.Parallel()

	s, chunks := collect(t)
	s.Write([]byte("a\tb\x00c\x07d\n"))

	if got := (*chunks)[0].Data; got != "a\tbcd" {
		t.Errorf("Data = %q, want control chars removed and TAB kept", got)
	}
}

func TestBlankLinePreserved(t *testing.T) {
	t.Parallel()

	s, chunks := collect(t)
	s.Write([]byte("before\n\nafter\n"))

	if len(*chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(*chunks))
	}
	if !(*chunks)[1].IsBlank {
		t.Error("middle chunk not marked IsBlank")
	}
	if (*chunks)[0].IsBlank || (*chunks)[2].IsBlank {
		t.Error("non-blank lines marked IsBlank")
	}
}

func TestLongLineClampedIntoChunks(t *testing.T) {
	t.Parallel()

	s, chunks := collect(t)
	long := strings.Repeat("x", stream.DefaultMaxChunk+500)
	s.Write([]byte(long + "\n"))

	if len(*chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(*chunks))
	}
	if len((*chunks)[0].Data) != stream.DefaultMaxChunk {
		t.Errorf("first chunk %d bytes, want %d", len((*chunks)[0].Data), stream.DefaultMaxChunk)
	}
	if len((*chunks)[1].Data) != 500 {
		t.Errorf("remainder %d bytes, want 500", len((*chunks)[1].Data))
	}
	if (*chunks)[0].Data+(*chunks)[1].Data != long {
		t.Error("clamping lost bytes")
	}
}

func TestBufferOverflowForcesFlush(t *testing.T) {
	t.Parallel()

	var chunks []stream.Chunk
	s := stream.NewScanner(protocol.StreamStderr, func(c stream.Chunk) {
		chunks = append(chunks, c)
	})
	s.SetMaxBuffer(64)

	// No newline at all: a child writing an endless progress bar.
	s.Write([]byte(strings.Repeat("#", 100)))

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 forced flush", len(chunks))
	}
	if chunks[0].Stream != protocol.StreamStderr {
		t.Errorf("Stream = %q, want stderr", chunks[0].Stream)
	}
	if len(chunks[0].Data) != 100 {
		t.Errorf("flushed %d bytes, want 100", len(chunks[0].Data))
	}
}

func TestBinaryHeuristic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line []byte
		want bool
	}{
		{"plain text", []byte("hello world"), false},
		{"utf8 text", []byte("héllo wörld ✓"), false},
		{"nul byte", []byte("ab\x00cd"), true},
		{"mostly control", []byte("\x01\x02\x03\x04ab"), true},
		{"ansi not binary", []byte("\x1b[31mred\x1b[0m"), false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stream.IsBinary(tt.line); got != tt.want {
				t.Errorf("IsBinary(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestBinaryChunkFlagged(t *testing.T) {
	t.Parallel()

	s, chunks := collect(t)
	s.Write(append([]byte("data\x00with nul"), '\n'))

	if len(*chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(*chunks))
	}
	if !(*chunks)[0].IsBinary {
		t.Error("chunk with NUL byte not flagged IsBinary")
	}
	if strings.ContainsRune((*chunks)[0].Data, 0) {
		t.Error("NUL byte survived scrubbing")
	}
}

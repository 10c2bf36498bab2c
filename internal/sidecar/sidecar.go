// Package sidecar owns the OS pipe pair that carries newline-delimited JSON
// between a session router and its host.
//
// Inbound is host -> router, outbound is router -> host. Each side holds its own
// *os.File ends; the two views share no memory, only the pipes.
package sidecar

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultMaxLine bounds one envelope line.
const DefaultMaxLine = 64 * 1024 * 1024

var (
	ErrLineTooLong = errors.New("sidecar: line exceeds limit")
	ErrClosed      = errors.New("sidecar: pipe closed")
)

// HostEnds are the descriptors handed to the host.
type HostEnds struct {
	// Read yields router output (outbound pipe read end).
	Read *os.File
	// Write accepts host messages (inbound pipe write end).
	Write *os.File
}

// RouterEnds are the descriptors kept by the router.
type RouterEnds struct {
	In  *os.File
	Out *os.File
}

// Pipes is a freshly opened inbound/outbound pipe pair.
type Pipes struct {
	Host   HostEnds
	Router RouterEnds
}

// Open creates both pipes. On failure nothing is left open.
func Open() (*Pipes, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: open inbound pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		return nil, fmt.Errorf("sidecar: open outbound pipe: %w", err)
	}
	return &Pipes{
		Host: HostEnds{Read: outR, Write: inW},
		Router: RouterEnds{In: inR, Out: outW},
	}, nil
}

// Close closes every end. Used when session setup fails before hand-off.
func (p *Pipes) Close() error {
	return closeAll(p.Host.Read, p.Host.Write, p.Router.In, p.Router.Out)
}

// Fd returns the raw descriptor of f, or -1.
func Fd(f *os.File) int {
	if f == nil {
		return -1
	}
	return int(f.Fd())
}

func closeAll(files ...*os.File) error {
	var first error
	for _, f := range files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil && !errors.Is(err, os.ErrClosed) {
			first = err
		}
	}
	return first
}

// LineReader reads newline-terminated lines from the inbound pipe.
type LineReader struct {
	r       *bufio.Reader
	src     io.Closer
	maxLine int
}

func NewLineReader(src io.ReadCloser, maxLine int) *LineReader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &LineReader{r: bufio.NewReaderSize(src, 64*1024), src: src, maxLine: maxLine}
}

// ReadLine returns the next line without its terminator.
// A final unterminated line is returned before io.EOF.
func (l *LineReader) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := l.r.ReadSlice('\n')
		if len(line)+len(chunk) > l.maxLine {
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return trimEOL(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return trimEOL(line), nil
		default:
			return nil, err
		}
	}
}

func (l *LineReader) Close() error {
	return l.src.Close()
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

// LineWriter writes lines to the outbound pipe. Writes are buffered until Flush.
type LineWriter struct {
	mu  sync.Mutex
	w   *bufio.Writer
	dst io.Closer
}

func NewLineWriter(dst io.WriteCloser) *LineWriter {
	return &LineWriter{w: bufio.NewWriter(dst), dst: dst}
}

// WriteLine appends line plus a newline if it lacks one.
func (l *LineWriter) WriteLine(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return err
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		return l.w.WriteByte('\n')
	}
	return nil
}

func (l *LineWriter) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Flush()
}

func (l *LineWriter) Close() error {
	return l.dst.Close()
}

// Reader returns a line reader over the router inbound end.
func (r RouterEnds) Reader(maxLine int) *LineReader {
	return NewLineReader(r.In, maxLine)
}

// Writer returns a line writer over the router outbound end.
func (r RouterEnds) Writer() *LineWriter {
	return NewLineWriter(r.Out)
}

// Close closes the host-owned ends.
func (h HostEnds) Close() error {
	return closeAll(h.Read, h.Write)
}

// Close closes the router-owned ends.
func (r RouterEnds) Close() error {
	return closeAll(r.In, r.Out)
}

// Package streambridge turns a blocking, line-oriented reader (typically a
// child process pipe) into a pollable queue of lines.
//
// One goroutine per bridge performs the blocking reads; consumers poll with
// ReadLine or IsEmpty and never block.
package streambridge

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
)

// ErrEmpty is returned by ReadLine when no line is buffered.
var ErrEmpty = errors.New("stream is empty")

// Sink receives a copy of every line as it is read.
type Sink func(line string)

// Option configures a Bridge.
type Option func(*Bridge)

// WithSink echoes every line to sink from the reader goroutine.
func WithSink(sink Sink) Option {
	return func(b *Bridge) {
		b.sink = sink
	}
}

// Bridge buffers lines read from an io.Reader.
type Bridge struct {
	mu       sync.Mutex
	lines    []string
	detached bool
	err      error
	sink     Sink
	done     chan struct{}
}

// New starts reading r in the background.
func New(r io.Reader, opts ...Option) *Bridge {
	b := &Bridge{done: make(chan struct{})}
	for _, opt := range opts {
		opt(b)
	}
	go b.pump(bufio.NewReader(r))
	return b
}

func (b *Bridge) pump(r *bufio.Reader) {
	defer close(b.done)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			b.mu.Lock()
			if !b.detached {
				b.lines = append(b.lines, line)
			}
			b.mu.Unlock()
			if b.sink != nil {
				b.sink(line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				b.mu.Lock()
				b.err = err
				b.mu.Unlock()
			}
			return
		}
	}
}

// IsEmpty reports whether no line is currently buffered.
func (b *Bridge) IsEmpty() bool {
	return b.Len() == 0
}

// Len returns the number of buffered lines.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// ReadLine pops the oldest buffered line without its line terminator.
// It returns ErrEmpty instead of waiting when nothing is buffered.
func (b *Bridge) ReadLine() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return "", ErrEmpty
	}
	line := b.lines[0]
	b.lines[0] = ""
	b.lines = b.lines[1:]
	return line, nil
}

// Drain pops every buffered line in order.
func (b *Bridge) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.lines
	b.lines = nil
	return out
}

// Detach drops the buffered lines and stops buffering new ones. The sink
// still sees every line and the reader keeps draining the source.
func (b *Bridge) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = true
	b.lines = nil
}

// Done is closed once the underlying reader reached end of stream.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns the read error that stopped the bridge, if it was not a
// clean end of stream.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

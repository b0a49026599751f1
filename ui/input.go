package ui

import (
	"bufio"
	"context"
	"io"
	"sync"
)

type line struct {
	text string
	err  error
}

// LineSource reads lines from r in a background goroutine so that waiting
// for input can be abandoned through a context.
type LineSource struct {
	r      io.Reader
	before func()
	once   sync.Once
	lines  chan line
}

// NewLineSource returns a line source over r. before, if not nil, is called
// every time a new line is awaited (e.g. to print a prompt).
func NewLineSource(r io.Reader, before func()) *LineSource {
	return &LineSource{
		r:      r,
		before: before,
		lines:  make(chan line),
	}
}

func (s *LineSource) scan() {
	defer close(s.lines)
	scanner := bufio.NewScanner(s.r)
	for scanner.Scan() {
		s.lines <- line{text: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		s.lines <- line{err: err}
	}
}

// ReadLine returns the next line without its terminator, io.EOF at end of
// input, or ctx.Err() if ctx is done first.
func (s *LineSource) ReadLine(ctx context.Context) (string, error) {
	s.once.Do(func() { go s.scan() })

	if s.before != nil {
		s.before()
	}
	select {
	case l, ok := <-s.lines:
		if !ok {
			return "", io.EOF
		}
		return l.text, l.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

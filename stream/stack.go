// Package stream builds the per-entry filter pipelines of backup and restore
// sessions.
package stream

import (
	"errors"
	"io"
)

var (
	ErrEmptyStack = errors.New("empty stream stack")
)

// An ordered list of stream stages. The first stage is the innermost one
// (usually the data source), each pushed stage wraps the previous one.
type Stack struct {
	stages []interface{}
	closed bool
}

func NewStack(base interface{}) *Stack {
	return &Stack{stages: []interface{}{base}}
}

func (s *Stack) Push(stage interface{}) {
	s.stages = append(s.stages, stage)
}

// Outermost stage
func (s *Stack) Top() interface{} {
	if len(s.stages) == 0 {
		return nil
	}
	return s.stages[len(s.stages)-1]
}

// Outermost stage as a reader, or nil if it is not one
func (s *Stack) Reader() io.Reader {
	r, _ := s.Top().(io.Reader)
	return r
}

// Outermost stage as a writer, or nil if it is not one
func (s *Stack) Writer() io.Writer {
	w, _ := s.Top().(io.Writer)
	return w
}

func (s *Stack) Len() int {
	return len(s.stages)
}

// Close every stage implementing io.Closer, from the outermost to the
// innermost one. All stages are closed even if one fails; the first error is
// returned. Closing twice is a no-op.
func (s *Stack) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for i := len(s.stages) - 1; i >= 0; i-- {
		c, ok := s.stages[i].(io.Closer)
		if !ok {
			continue
		}

		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// A writer whose Close method closes the underlying writer stack
type stackWriter struct {
	s *Stack
}

func (w *stackWriter) Write(p []byte) (int, error) {
	return w.s.Writer().Write(p)
}

func (w *stackWriter) Close() error {
	return w.s.Close()
}

// Turn a stack whose outermost stage is a writer into a single io.WriteCloser
func (s *Stack) WriteCloser() (io.WriteCloser, error) {
	if s.Writer() == nil {
		return nil, ErrEmptyStack
	}
	return &stackWriter{s: s}, nil
}

package stream

import (
	"bytes"
	"io"
)

const encoderChunkSize = 32 * 1024

// Wraps dst into a writer-oriented encoder chain. Closing the returned writer
// must flush every encoder of the chain into dst.
type BuildFunc func(dst io.Writer) (io.WriteCloser, error)

// Encoder turns a writer-oriented encoder chain into a reader: each Read
// pulls a chunk from the source, pushes it through the chain, and serves
// whatever the chain produced. Everything happens in the calling goroutine.
type Encoder struct {
	src   io.Reader
	w     io.WriteCloser
	buf   bytes.Buffer
	chunk []byte
	done  bool
	err   error
}

func NewEncoder(src io.Reader, build BuildFunc) (*Encoder, error) {
	e := &Encoder{src: src, chunk: make([]byte, encoderChunkSize)}
	w, err := build(&e.buf)
	if err != nil {
		return nil, err
	}

	e.w = w
	return e, nil
}

func (e *Encoder) fill() {
	n, err := e.src.Read(e.chunk)
	if n > 0 {
		if _, werr := e.w.Write(e.chunk[:n]); werr != nil {
			e.err = werr
			return
		}
	}

	if err == io.EOF {
		e.done = true
		e.err = e.w.Close()
		return
	}

	if err != nil {
		e.err = err
	}
}

func (e *Encoder) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for e.buf.Len() == 0 {
		if e.err != nil {
			return 0, e.err
		}
		if e.done {
			return 0, io.EOF
		}
		e.fill()
	}

	return e.buf.Read(p)
}

// Release the encoder chain if the source was not fully consumed
func (e *Encoder) Close() error {
	if e.done {
		return nil
	}

	e.done = true
	return e.w.Close()
}

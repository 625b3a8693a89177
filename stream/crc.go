package stream

import (
	"hash"
	"io"

	"github.com/klauspost/crc32"
)

// Computes the IEEE CRC32 of the bytes read through it
type CRCReader struct {
	r io.Reader
	h hash.Hash32
	n int64
}

func NewCRCReader(r io.Reader) *CRCReader {
	return &CRCReader{r: r, h: crc32.NewIEEE()}
}

func (r *CRCReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.h.Write(p[:n])
		r.n += int64(n)
	}
	return n, err
}

func (r *CRCReader) Sum32() uint32 {
	return r.h.Sum32()
}

// Number of bytes read so far
func (r *CRCReader) Count() int64 {
	return r.n
}

// Computes the IEEE CRC32 of the bytes written through it, continuing from
// the checksum of the data already written to w
type CRCWriter struct {
	w   io.Writer
	crc uint32
	n   int64
}

func NewCRCWriter(w io.Writer, crc uint32) *CRCWriter {
	return &CRCWriter{w: w, crc: crc}
}

func (w *CRCWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		w.crc = crc32.Update(w.crc, crc32.IEEETable, p[:n])
		w.n += int64(n)
	}
	return n, err
}

func (w *CRCWriter) Sum32() uint32 {
	return w.crc
}

// Number of bytes written so far
func (w *CRCWriter) Count() int64 {
	return w.n
}

// CRC32 of the remaining content of r
func Checksum(r io.Reader) (uint32, error) {
	h := crc32.NewIEEE()
	_, err := io.Copy(h, r)
	if err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

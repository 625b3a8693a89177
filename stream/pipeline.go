package stream

import (
	"github.com/sloonz/floe/ratelimit"

	"errors"
	"io"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrNoRecipients = errors.New("no recipient to encrypt to")
	ErrNoIdentities = errors.New("no identity to decrypt with")

	CompressionLevel = zstd.SpeedDefault
)

// Encoding pipeline of a backup entry, read from its outermost stage
type BackupStack struct {
	*Stack
	crc *CRCReader
}

// CRC32 of the raw bytes read from the source so far
func (s *BackupStack) Crc32() uint32 {
	return s.crc.Sum32()
}

// Bytes read from the source so far
func (s *BackupStack) Size() int64 {
	return s.crc.Count()
}

func encryptChain(recipients []age.Recipient, compress bool) BuildFunc {
	return func(dst io.Writer) (io.WriteCloser, error) {
		aw, err := age.Encrypt(dst, recipients...)
		if err != nil {
			return nil, err
		}

		s := NewStack(aw)
		if compress {
			zw, err := zstd.NewWriter(aw, zstd.WithEncoderLevel(CompressionLevel), zstd.WithEncoderConcurrency(1))
			if err != nil {
				aw.Close()
				return nil, err
			}
			s.Push(zw)
		}

		return s.WriteCloser()
	}
}

// Build the pipeline source -> CRC -> [zstd] -> age -> rate limit. If src is
// an io.Closer, it is closed with the stack. limiter may be nil.
func NewBackupStack(src io.Reader, compress bool, recipients []age.Recipient, limiter *ratelimit.Limiter) (*BackupStack, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	s := NewStack(src)
	crc := NewCRCReader(src)
	s.Push(crc)

	enc, err := NewEncoder(crc, encryptChain(recipients, compress))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Push(enc)

	if limiter != nil {
		s.Push(limiter.Reader(enc))
	}

	return &BackupStack{Stack: s, crc: crc}, nil
}

// Decoding pipeline of a restored entry
type RestoreStack struct {
	*Stack
	crc     *CRCReader
	limiter *ratelimit.Limiter
}

func (s *RestoreStack) Crc32() uint32 {
	return s.crc.Sum32()
}

func (s *RestoreStack) Size() int64 {
	return s.crc.Count()
}

// Copy the decoded content into dst, throttled by the stack's limiter
func (s *RestoreStack) CopyTo(dst io.Writer) (int64, error) {
	if s.limiter != nil {
		dst = s.limiter.Writer(dst)
	}
	return io.Copy(dst, s.Reader())
}

// Build the pipeline source -> age -> [zstd] -> CRC. If src is an io.Closer,
// it is closed with the stack. limiter may be nil.
func NewRestoreStack(src io.Reader, compress bool, identities []age.Identity, limiter *ratelimit.Limiter) (*RestoreStack, error) {
	if len(identities) == 0 {
		return nil, ErrNoIdentities
	}

	s := NewStack(src)
	ar, err := age.Decrypt(src, identities...)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Push(ar)

	if compress {
		zr, err := zstd.NewReader(ar, zstd.WithDecoderConcurrency(1))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Push(zr.IOReadCloser())
	}

	crc := NewCRCReader(s.Reader())
	s.Push(crc)

	return &RestoreStack{Stack: s, crc: crc, limiter: limiter}, nil
}

// Package ratelimit throttles a byte stream to a target rate.
//
// The limiter works in whole seconds: it compares the number of seconds a
// perfectly limited transfer of the bytes processed so far would have taken
// with the number of seconds actually elapsed, and sleeps the difference.
// Fractions of a second are never rounded away, they carry over into the next
// computation because the byte count keeps growing, so the long-run average
// converges on the target rate.
package ratelimit

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

var (
	ErrInvalidRate = errors.New("rate limit must be positive")
)

// Timer is the time source of a Limiter
type Timer interface {
	// Whole seconds elapsed since the timer's origin
	Seconds() int64

	// Block for the given number of seconds
	Sleep(seconds int64)
}

type clockTimer struct {
	clock  clock.Clock
	origin time.Time
}

// NewTimer returns a Timer running on the given clock, with its origin at the
// clock's current time
func NewTimer(c clock.Clock) Timer {
	return &clockTimer{clock: c, origin: c.Now()}
}

func (t *clockTimer) Seconds() int64 {
	return int64(t.clock.Now().Sub(t.origin) / time.Second)
}

func (t *clockTimer) Sleep(seconds int64) {
	t.clock.Sleep(time.Duration(seconds) * time.Second)
}

// A Limiter tracks the bytes processed against the elapsed time of its timer.
// It is safe for use from multiple goroutines, though a backup session only
// ever uses it from one.
type Limiter struct {
	rate  int64
	timer Timer
	start int64

	m     sync.Mutex // protects total
	total int64
}

// New returns a limiter for `rate` bytes per second. If timer is nil, the
// wall clock is used.
func New(rate int64, timer Timer) (*Limiter, error) {
	if rate <= 0 {
		return nil, ErrInvalidRate
	}

	if timer == nil {
		timer = NewTimer(clock.New())
	}

	return &Limiter{rate: rate, timer: timer, start: timer.Seconds()}, nil
}

// Record that n more bytes have been handled. Never blocks.
func (l *Limiter) Process(n int64) {
	l.m.Lock()
	l.total += n
	l.m.Unlock()
}

// Seconds the caller would have to sleep to get back under the rate
func (l *Limiter) lag() int64 {
	l.m.Lock()
	budget := l.total / l.rate
	l.m.Unlock()

	return budget - (l.timer.Seconds() - l.start)
}

// Block until the elapsed time catches up with the time budget of the bytes
// processed so far
func (l *Limiter) Throttle() {
	if lag := l.lag(); lag > 0 {
		l.timer.Sleep(lag)
	}
}

func (l *Limiter) ProcessAndThrottle(n int64) {
	l.Process(n)
	l.Throttle()
}

// True if the elapsed time has caught up with the budget, i.e. Throttle would not sleep
func (l *Limiter) InControl() bool {
	return l.lag() <= 0
}

func (l *Limiter) OutOfControl() bool {
	return !l.InControl()
}

type limitedReader struct {
	r io.Reader
	l *Limiter
}

func (r *limitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.l.ProcessAndThrottle(int64(n))
	}
	return n, err
}

type limitedWriter struct {
	w io.Writer
	l *Limiter
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		w.l.ProcessAndThrottle(int64(n))
	}
	return n, err
}

// Wrap a reader so that every read is accounted and throttled
func (l *Limiter) Reader(r io.Reader) io.Reader {
	return &limitedReader{r: r, l: l}
}

// Wrap a writer so that every write is accounted and throttled
func (l *Limiter) Writer(w io.Writer) io.Writer {
	return &limitedWriter{w: w, l: l}
}

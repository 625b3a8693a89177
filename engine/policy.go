package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type ErrorResult int

const (
	// Propagate the error out of the task, leaving the session resumable
	Abort ErrorResult = iota

	// Run the failed operation again
	Retry

	// Mark the entry as failed and go on with the next one
	Fail
)

func (r ErrorResult) String() string {
	switch r {
	case Abort:
		return "abort"
	case Retry:
		return "retry"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("ErrorResult(%d)", int(r))
	}
}

// Classifies a failure. A nil ErrorFunc aborts on every failure.
type ErrorFunc func(ErrorEvent) ErrorResult

// Event dispatch shared by backup and restore tasks
type policy struct {
	onProgress ProgressFunc
	onError    ErrorFunc
	log        *logrus.Entry
}

func (p *policy) report(ev ProgressEvent) {
	if p.onProgress != nil {
		p.onProgress(ev)
	}
}

// Ask the host what to do about a failure. A panicking handler aborts.
func (p *policy) classify(ev ErrorEvent) (res ErrorResult) {
	if p.onError == nil {
		return Abort
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("error handler panicked on %s: %v", ev.Operation, r)
			res = Abort
		}
	}()

	res = p.onError(ev)
	if res == Fail && !ev.IsEntryOperation() {
		res = Abort
	}

	p.log.WithFields(logrus.Fields{
		"operation": ev.Operation,
		"result":    res.String(),
	}).Debugf("operation failed: %v", ev.Err)

	return res
}

// Run fn until it succeeds or the host stops retrying it
func (p *policy) withRetry(ev ErrorEvent, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}

		ev.Err = err
		if p.classify(ev) != Retry {
			return err
		}
	}
}

// Host policy bounding retries and failures: each failure is retried up to
// MaxRetries times, sleeping one more second before each retry; then entry
// operations are failed until MaxFailures failures, and everything else is
// aborted. Counters are reset on every progress event.
type LimitPolicy struct {
	MaxRetries  int
	MaxFailures int

	// Defaults to time.Sleep
	Sleep func(time.Duration)

	m        sync.Mutex
	retries  int
	failures int
}

func NewLimitPolicy(maxRetries, maxFailures int) *LimitPolicy {
	return &LimitPolicy{MaxRetries: maxRetries, MaxFailures: maxFailures}
}

func (p *LimitPolicy) OnError(ev ErrorEvent) ErrorResult {
	p.m.Lock()
	defer p.m.Unlock()

	if p.retries < p.MaxRetries {
		p.retries++
		sleep := p.Sleep
		if sleep == nil {
			sleep = time.Sleep
		}
		logrus.Warnf("%s failed, retrying (%d/%d): %v", ev.Operation, p.retries, p.MaxRetries, ev.Err)
		sleep(time.Duration(p.retries) * time.Second)
		return Retry
	}

	if ev.IsEntryOperation() && p.failures < p.MaxFailures {
		p.failures++
		p.retries = 0
		logrus.Warnf("skipping entry due to error (%d/%d): %v", p.failures, p.MaxFailures, ev.Err)
		return Fail
	}

	logrus.Errorf("%s failed, aborting: %v", ev.Operation, ev.Err)
	return Abort
}

func (p *LimitPolicy) OnProgress(ev ProgressEvent) {
	p.m.Lock()
	p.retries = 0
	p.failures = 0
	p.m.Unlock()
}

// Call every non-nil function for each event
func ChainProgress(fns ...ProgressFunc) ProgressFunc {
	return func(ev ProgressEvent) {
		for _, fn := range fns {
			if fn != nil {
				fn(ev)
			}
		}
	}
}

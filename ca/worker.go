package ca

import (
	"context"
	"errors"
	"time"
)

// ErrSigningTimeout is returned when no signing worker produced a
// certificate within the configured deadline. Only the in-flight call
// fails; the pool keeps serving.
var ErrSigningTimeout = errors.New("certificate signing timed out")

const (
	// DefaultWorkers is the signing pool size when none is configured.
	DefaultWorkers = 2
	// DefaultTimeout bounds a single certify call end to end.
	DefaultTimeout = 10 * time.Second
)

type signJob struct {
	req  Request
	resp chan signResult
}

type signResult struct {
	cert string
	err  error
}

// Signer fronts an Authority with a fixed pool of signing workers.
// Signing is CPU-bound; isolating it behind message passing keeps a
// slow or wedged signing call from stalling request handling, and its
// public surface matches the Authority so callers cannot tell the two
// apart.
type Signer struct {
	jobs    chan signJob
	timeout time.Duration
	done    chan struct{}
}

// NewSigner starts workers goroutines servicing certify requests
// against authority. A workers value below one falls back to
// DefaultWorkers; a non-positive timeout falls back to DefaultTimeout.
func NewSigner(authority *Authority, workers int, timeout time.Duration) *Signer {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Signer{
		jobs:    make(chan signJob),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go s.run(authority)
	}
	return s
}

func (s *Signer) run(authority *Authority) {
	for {
		select {
		case job := <-s.jobs:
			cert, err := authority.Certify(job.req)
			job.resp <- signResult{cert: cert, err: err}
		case <-s.done:
			return
		}
	}
}

// Certify submits a signing request to the pool and waits for the
// result, bounded by the pool timeout and the caller's context.
func (s *Signer) Certify(ctx context.Context, req Request) (string, error) {
	job := signJob{req: req, resp: make(chan signResult, 1)}
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.jobs <- job:
	case <-timer.C:
		return "", ErrSigningTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", ErrSigningTimeout
	}

	select {
	case res := <-job.resp:
		return res.cert, res.err
	case <-timer.C:
		return "", ErrSigningTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the worker pool. In-flight jobs complete; queued callers
// receive ErrSigningTimeout.
func (s *Signer) Close() {
	close(s.done)
}

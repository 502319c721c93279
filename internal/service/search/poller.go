package search

import (
	"context"
	"fmt"
	"time"

	"github.com/feichai0017/lecture-processor/internal/ai"
	"github.com/feichai0017/lecture-processor/internal/apperr"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Poller drives a run to a terminal status with a bounded number of checks.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	Sleep       SleepFunc
}

// RunFetcher returns the current state of the run being polled.
type RunFetcher func(ctx context.Context) (*ai.Run, error)

func NewPoller(interval time.Duration, maxAttempts int) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 120
	}
	return &Poller{Interval: interval, MaxAttempts: maxAttempts, Sleep: sleepContext}
}

// Poll checks the run until its status is terminal. It sleeps only between
// checks, so N attempts cost N-1 intervals. The returned count is the number
// of checks issued. Reaching MaxAttempts without a terminal status yields
// ErrTimeout; the remote run is left alone.
func (p *Poller) Poll(ctx context.Context, fetch RunFetcher) (*ai.Run, int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var last *ai.Run
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		run, err := fetch(ctx)
		if err != nil {
			return last, attempt, err
		}
		last = run
		if run.Status.IsTerminal() {
			return run, attempt, nil
		}
		if attempt < p.MaxAttempts {
			if err := sleep(ctx, p.Interval); err != nil {
				return last, attempt, err
			}
		}
	}

	status := ""
	if last != nil {
		status = string(last.Status)
	}
	return last, p.MaxAttempts, fmt.Errorf("%d polls, last status %q: %w", p.MaxAttempts, status, apperr.ErrTimeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

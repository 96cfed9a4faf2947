package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/fault"
)

// Defaults for WaitForActiveCount.
const (
	DefaultWaitTimeout  = 1800 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxPolls     = 3600
)

// WaitOptions bounds an agent wait. Zero fields take the defaults.
type WaitOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
	MaxPolls     int
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultWaitTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = DefaultMaxPolls
	}
	return o
}

// AgentCounter reports how many agents are in a given state.
type AgentCounter interface {
	CountAgents(ctx context.Context, state AgentState) (int, error)
}

// Waiter polls an AgentCounter until enough agents are active.
type Waiter struct {
	counter AgentCounter
	logger  zerolog.Logger
}

// NewWaiter creates a waiter over counter.
func NewWaiter(counter AgentCounter, logger zerolog.Logger) *Waiter {
	return &Waiter{
		counter: counter,
		logger:  logger.With().Str("component", "agent-waiter").Logger(),
	}
}

// WaitForActiveCount blocks until at least target agents are active. It
// fails with a timeout fault when the deadline passes or MaxPolls queries
// did not reach the target, whichever comes first. A session fault from the
// counter ends the wait immediately.
func (w *Waiter) WaitForActiveCount(ctx context.Context, target int, opts WaitOptions) error {
	opts = opts.withDefaults()
	if target <= 0 {
		return nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	last := -1
	for poll := 1; ; poll++ {
		current, err := w.counter.CountAgents(ctx, AgentActive)
		switch {
		case fault.IsSession(err):
			return err
		case err != nil:
			w.logger.Warn().Err(err).Int("poll", poll).Msg("Agent count query failed")
		default:
			if current != last {
				w.logger.Info().
					Int("active", current).
					Int("target", target).
					Msg("Waiting for active agents")
				last = current
			}
			if current >= target {
				return nil
			}
		}

		if poll >= opts.MaxPolls {
			return fault.Timeout(
				fmt.Sprintf("%d of %d agents active after %d polls", max(last, 0), target, poll), nil).
				WithOp("wait_agents").
				WithDetail("active", max(last, 0)).
				WithDetail("target", target)
		}

		select {
		case <-ctx.Done():
			elapsed := time.Since(start).Round(time.Millisecond)
			cancelled := errors.Is(ctx.Err(), context.Canceled)
			msg := fmt.Sprintf("%d of %d agents active after %s", max(last, 0), target, elapsed)
			if cancelled {
				msg = fmt.Sprintf("%d of %d agents active, wait cancelled after %s", max(last, 0), target, elapsed)
			}
			return fault.Timeout(msg, ctx.Err()).
				WithOp("wait_agents").
				WithDetail("active", max(last, 0)).
				WithDetail("target", target).
				WithDetail("elapsed_ms", elapsed.Milliseconds()).
				WithDetail("cancelled", cancelled)
		case <-ticker.C:
		}
	}
}

package rms

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/bridge"
	"github.com/fleetctl/odc/pkg/fault"
	"github.com/fleetctl/odc/pkg/session"
)

// Requester issues resource manager requests into a session and waits for
// them to complete.
type Requester struct {
	client   Client
	session  *session.Session
	admitter Admitter
	logger   zerolog.Logger
}

// RequesterOption configures a Requester.
type RequesterOption func(*Requester)

// WithAdmitter checks every submission against a before it is sent.
func WithAdmitter(a Admitter) RequesterOption {
	return func(r *Requester) {
		r.admitter = a
	}
}

// NewRequester creates a requester bound to sess.
func NewRequester(client Client, sess *session.Session, logger zerolog.Logger, opts ...RequesterOption) *Requester {
	r := &Requester{
		client:  client,
		session: sess,
		logger:  logger.With().Str("component", "rms").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit sends req and waits up to timeout for the resource manager to
// finish it. Any error message reported on the way fails the submission,
// but the wait continues until the request is done.
func (r *Requester) Submit(ctx context.Context, req SubmitRequest, timeout time.Duration) error {
	if err := req.Validate(); err != nil {
		return fault.Submission("invalid submission request", err).WithOp("submit")
	}

	id, err := r.session.Require()
	if err != nil {
		return err
	}

	if r.admitter != nil {
		if err := r.admitter.AdmitSubmission(ctx, req); err != nil {
			return err
		}
	}

	r.logger.Info().
		Str("session_id", id.String()).
		Str("rms", req.RMS).
		Int("instances", req.Instances).
		Int("slots", req.Slots).
		Msg("Submitting agents")

	c := newCollector(r.logger)
	err = bridge.Wait(ctx, "submit", timeout, func(done func()) error {
		return r.client.Submit(ctx, id, req, Handlers{
			OnMessage: c.message,
			OnDone: func() {
				r.logger.Debug().Msg("Agent submission done")
				done()
			},
		})
	})
	if err != nil {
		if fault.IsTimeout(err) {
			r.logger.Error().Err(err).Msg("Timed out waiting for agent submission")
			return err
		}
		return fault.Submission("failed to send submission", err).WithOp("submit")
	}

	if failures := c.failures(); len(failures) > 0 {
		return fault.Submission("resource manager reported errors "+fault.Join(failures), nil).
			WithOp("submit").
			WithDetail("messages", failures)
	}

	r.logger.Info().Msg("Agent submission done successfully")
	return nil
}

// Activate sends req and waits up to timeout for the topology to be
// activated. The update type is always UpdateActivate.
func (r *Requester) Activate(ctx context.Context, req ActivateRequest, timeout time.Duration) (*ActivationReport, error) {
	if req.TopologyPath == "" {
		return nil, fault.Activation("topology path is required", nil).WithOp("activate")
	}
	req.UpdateType = UpdateActivate

	id, err := r.session.Require()
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("session_id", id.String()).
		Str("topology", req.TopologyPath).
		Msg("Activating topology")

	c := newCollector(r.logger)
	err = bridge.Wait(ctx, "activate", timeout, func(done func()) error {
		return r.client.Activate(ctx, id, req, Handlers{
			OnMessage:  c.message,
			OnProgress: c.progressed,
			OnDone: func() {
				r.logger.Debug().Msg("Topology activation done")
				done()
			},
		})
	})
	if err != nil {
		if fault.IsTimeout(err) {
			r.logger.Error().Err(err).Msg("Timed out waiting for topology activation")
			return nil, err
		}
		return nil, fault.Activation("failed to send activation", err).WithOp("activate")
	}

	report := c.report()
	if failures := c.failures(); len(failures) > 0 {
		return report, fault.Activation("resource manager reported errors "+fault.Join(failures), nil).
			WithOp("activate").
			WithDetail("messages", failures).
			WithDetail("progress", report.Progress)
	}

	r.logger.Info().
		Int("activated", report.Progress.Completed).
		Int("errors", report.Progress.Errors).
		Int("total", report.Progress.Total).
		Msg("Topology activation done successfully")
	return report, nil
}

// collector accumulates the events of one request. Handlers may fire from
// the client's goroutines, even after the wait ended.
type collector struct {
	logger zerolog.Logger

	mu       sync.Mutex
	errors   []string
	messages []Message
	progress Progress
}

func newCollector(logger zerolog.Logger) *collector {
	return &collector{logger: logger}
}

func (c *collector) message(m Message) {
	if m.Severity == SeverityError {
		c.logger.Error().Str("server_msg", m.Text).Msg("Server reports error")
	} else {
		c.logger.Info().Str("server_msg", m.Text).Msg("Server reports")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	if m.Severity == SeverityError {
		c.errors = append(c.errors, m.Text)
	}
}

func (c *collector) progressed(p Progress) {
	if p.Finished() {
		c.logger.Info().
			Int("activated", p.Completed).
			Int("errors", p.Errors).
			Int("total", p.Total).
			Msg("Activated tasks")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = p
}

func (c *collector) failures() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.errors))
	copy(out, c.errors)
	return out
}

func (c *collector) report() *ActivationReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	return &ActivationReport{Progress: c.progress, Messages: msgs}
}

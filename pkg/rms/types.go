// Package rms talks to the cluster resource manager: it submits agents into
// a session and activates topologies onto them, waiting on each request with
// a deadline.
package rms

import (
	"context"
	"fmt"

	"github.com/fleetctl/odc/pkg/session"
)

// LocalhostRMS is the single-host resource manager plugin. It is the only
// plugin that needs no configuration file.
const LocalhostRMS = "localhost"

// Severity classifies a resource manager message.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// Message is a diagnostic line streamed by the resource manager.
type Message struct {
	Severity Severity `json:"severity"`
	Text     string   `json:"text"`
}

// Progress reports how far an activation got.
type Progress struct {
	Completed int `json:"completed"`
	Errors    int `json:"errors"`
	Total     int `json:"total"`
}

// Finished reports whether every task was either activated or failed.
func (p Progress) Finished() bool {
	return p.Total > 0 && p.Completed+p.Errors == p.Total
}

// Handlers are the event sinks of one request. The client may call them from
// any goroutine. OnDone is expected once; extra calls are tolerated.
type Handlers struct {
	OnMessage  func(Message)
	OnProgress func(Progress)
	OnDone     func()
}

// SubmitRequest asks the resource manager for agents.
type SubmitRequest struct {
	// RMS names the resource manager plugin, e.g. "localhost" or "slurm".
	RMS string `json:"rms"`

	// Instances is the number of agents to start.
	Instances int `json:"instances"`

	// Slots is the number of task slots per agent.
	Slots int `json:"slots"`

	// ConfigFile is the plugin configuration. Required unless RMS is localhost.
	ConfigFile string `json:"config_file,omitempty"`
}

// Total is the number of worker slots the request provides.
func (r SubmitRequest) Total() int {
	return r.Instances * r.Slots
}

// Validate checks the request before it is sent.
func (r SubmitRequest) Validate() error {
	if r.RMS == "" {
		return fmt.Errorf("resource manager plugin is required")
	}
	if r.Instances < 1 {
		return fmt.Errorf("instances must be at least 1, got %d", r.Instances)
	}
	if r.Slots < 1 {
		return fmt.Errorf("slots must be at least 1, got %d", r.Slots)
	}
	if r.RMS != LocalhostRMS && r.ConfigFile == "" {
		return fmt.Errorf("plugin %q requires a configuration file", r.RMS)
	}
	return nil
}

// UpdateType selects how a topology request changes the running topology.
type UpdateType string

// UpdateActivate activates a topology onto idle agents.
const UpdateActivate UpdateType = "activate"

// ActivateRequest asks the resource manager to start a topology.
type ActivateRequest struct {
	TopologyPath      string     `json:"topology_path"`
	DisableValidation bool       `json:"disable_validation"`
	UpdateType        UpdateType `json:"update_type"`
}

// ActivationReport summarizes a completed activation.
type ActivationReport struct {
	Progress Progress  `json:"progress"`
	Messages []Message `json:"messages,omitempty"`
}

// Client is the request side of the resource manager. Both calls return as
// soon as the request is issued; the outcome arrives through the handlers.
type Client interface {
	Submit(ctx context.Context, id session.ID, req SubmitRequest, h Handlers) error
	Activate(ctx context.Context, id session.ID, req ActivateRequest, h Handlers) error
}

// Admitter decides whether a submission may be sent.
type Admitter interface {
	AdmitSubmission(ctx context.Context, req SubmitRequest) error
}

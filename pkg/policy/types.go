package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"

	// SeverityError violations deny the submission.
	SeverityError Severity = "error"
)

// Policy is one Rego module contributing deny rules to the submission package.
type Policy struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Rego contains the policy source. It must declare package odc.submit.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Limits is the data document policies read as data.odc.limits.
type Limits struct {
	// MaxWorkers caps instances × slots of one submission. Zero disables the cap.
	MaxWorkers int `json:"max_workers"`

	// AllowedRMS lists the resource manager plugins accepted. Empty allows any.
	AllowedRMS []string `json:"allowed_rms"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxWorkers: 1024}
}

// Input is the document policies see as input.
type Input struct {
	Submission Submission `json:"submission"`
	Context    Context    `json:"context"`
}

// Submission describes the resource request being admitted.
type Submission struct {
	RMS        string `json:"rms"`
	Instances  int    `json:"instances"`
	Slots      int    `json:"slots"`
	Total      int    `json:"total"`
	ConfigFile string `json:"config_file,omitempty"`
}

// Context provides evaluation context.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// Violation is one deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating a submission.
type Decision struct {
	Allowed     bool          `json:"allowed"`
	Violations  []Violation   `json:"violations,omitempty"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Blocking returns the messages of the violations that deny admission.
func (d *Decision) Blocking() []string {
	var msgs []string
	for _, v := range d.Violations {
		if v.Severity == SeverityError {
			msgs = append(msgs, v.Message)
		}
	}
	return msgs
}

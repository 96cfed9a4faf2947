// Package fault classifies the failures the control plane can observe while
// driving the resource manager and the device runtime.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the classification of a control plane failure.
type Kind string

const (
	// KindParse indicates an unreadable or malformed topology description.
	KindParse Kind = "parse"

	// KindSession indicates a session lifecycle failure or an operation that
	// needs an active session while none exists.
	KindSession Kind = "session"

	// KindSubmission indicates the resource manager reported an error while
	// submitting agents.
	KindSubmission Kind = "submission"

	// KindActivation indicates the resource manager reported an error while
	// activating a topology.
	KindActivation Kind = "activation"

	// KindTimeout indicates a bounded wait ran out of time or polls.
	KindTimeout Kind = "timeout"

	// KindStateTransition indicates the device runtime failed a transition.
	KindStateTransition Kind = "state_transition"

	// KindAggregation indicates devices ended a transition in different states.
	KindAggregation Kind = "aggregation"

	// KindPolicy indicates a request was denied by the admission policy.
	KindPolicy Kind = "policy"

	// KindBusy indicates another command held the control service.
	KindBusy Kind = "busy"

	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error is a classified failure with context.
type Error struct {
	// Kind is the failure classification.
	Kind Kind `json:"kind"`

	// Op is the operation that failed, e.g. "submit" or "change_state".
	Op string `json:"op,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries diagnostic values such as the offending states.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("] ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithOp sets the failed operation.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithDetail adds a diagnostic value.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a classified error.
func New(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Parse creates a topology parse error.
func Parse(message string, err error) *Error { return New(KindParse, message, err) }

// Session creates a session error.
func Session(message string, err error) *Error { return New(KindSession, message, err) }

// Submission creates a submission error.
func Submission(message string, err error) *Error { return New(KindSubmission, message, err) }

// Activation creates an activation error.
func Activation(message string, err error) *Error { return New(KindActivation, message, err) }

// Timeout creates a timeout error.
func Timeout(message string, err error) *Error { return New(KindTimeout, message, err) }

// StateTransition creates a state transition error.
func StateTransition(message string, err error) *Error {
	return New(KindStateTransition, message, err)
}

// Aggregation creates an aggregation error.
func Aggregation(message string, err error) *Error { return New(KindAggregation, message, err) }

// Policy creates an admission policy error.
func Policy(message string, err error) *Error { return New(KindPolicy, message, err) }

// Busy creates a busy error.
func Busy(message string, err error) *Error { return New(KindBusy, message, err) }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err's chain carries a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// IsSession reports whether err is a session error.
func IsSession(err error) bool { return IsKind(err, KindSession) }

// GenericCode is the error code reported for every failure unless detailed
// codes are enabled.
const GenericCode = 123

var codes = map[Kind]int{
	KindParse:           201,
	KindSession:         202,
	KindSubmission:      203,
	KindActivation:      204,
	KindTimeout:         205,
	KindStateTransition: 206,
	KindAggregation:     207,
	KindPolicy:          208,
	KindBusy:            209,
}

// Code returns the detailed numeric code for a kind. Unknown kinds map to
// GenericCode.
func Code(kind Kind) int {
	if c, ok := codes[kind]; ok {
		return c
	}
	return GenericCode
}

// Join renders a set of messages as a stable, de-duplicated list.
func Join(msgs []string) string {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return fmt.Sprintf("[%s]", strings.Join(out, "; "))
}

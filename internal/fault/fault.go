// Package fault classifies pipeline errors into a closed set of kinds and
// maps each kind to a fixed scheduling policy. Components wrap their errors
// with a kind; the scheduler is the only consumer of the policy table.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a fault category with a fixed handling policy.
type Kind string

const (
	// KindInvalidInput means the source is unreadable, unsupported, or exceeds limits.
	KindInvalidInput Kind = "InvalidInput"
	// KindAuthFault means credentials are missing/expired or permission was denied.
	KindAuthFault Kind = "AuthFault"
	// KindTransientIO means an upload, download, or RPC flapped.
	KindTransientIO Kind = "TransientIO"
	// KindQuotaExceeded means an upstream rate or quota limit was hit.
	KindQuotaExceeded Kind = "QuotaExceeded"
	// KindModelOutputInvalid means the model response could not be parsed.
	KindModelOutputInvalid Kind = "ModelOutputInvalid"
	// KindQualityBelowThreshold means the quality gate returned a retry verdict.
	KindQualityBelowThreshold Kind = "QualityBelowThreshold"
	// KindStructuralInvariant means produced cues violate merger invariants after clipping.
	KindStructuralInvariant Kind = "StructuralInvariant"
	// KindDiskExhausted means a scratch write failed for space.
	KindDiskExhausted Kind = "DiskExhausted"
	// KindCancelled means the operator or a shutdown cancelled the work.
	KindCancelled Kind = "Cancelled"
	// KindUnknown is an unclassified error; treated as fatal.
	KindUnknown Kind = "Unknown"
)

// Error is a classified pipeline error. It carries the originating component
// and optional key/value context for the job record. Context must not
// contain secrets.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Context   map[string]string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with no underlying cause.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, component, message string, err error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, Err: err}
}

// WithContext attaches a context key/value pair and returns the error.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the Kind from an error chain. Context cancellation maps to
// KindCancelled; anything unclassified maps to KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// Decision is the scheduler action prescribed for a fault kind.
type Decision struct {
	// ConsumeAttempt reports whether the unit's attempt counter advances.
	ConsumeAttempt bool
	// Retry reports whether the unit should be retried (subject to budget).
	Retry bool
	// Pause reports whether the job should cool down before re-queueing,
	// without consuming an attempt.
	Pause bool
	// Fatal reports whether the job must transition to Failed.
	Fatal bool
	// Abandon reports whether the job must transition to Abandoned.
	Abandon bool
}

// policies is the fixed fault-kind → decision table.
var policies = map[Kind]Decision{
	KindInvalidInput:          {Fatal: true},
	KindAuthFault:             {Fatal: true},
	KindTransientIO:           {Retry: true},
	KindQuotaExceeded:         {Pause: true},
	KindModelOutputInvalid:    {ConsumeAttempt: true, Retry: true},
	KindQualityBelowThreshold: {ConsumeAttempt: true, Retry: true},
	KindStructuralInvariant:   {Fatal: true},
	KindDiskExhausted:         {Fatal: true},
	KindCancelled:             {Abandon: true},
	KindUnknown:               {Fatal: true},
}

// PolicyFor returns the decision for a fault kind. Unlisted kinds are fatal.
func PolicyFor(kind Kind) Decision {
	if d, ok := policies[kind]; ok {
		return d
	}
	return Decision{Fatal: true}
}

// Package failure defines the typed error taxonomy surfaced by the relay.
// Every failure carries the platform it happened on and a Kind that callers
// branch on without string matching.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindConnection            Kind = "connection"
	KindTargetNotFound        Kind = "target_not_found"
	KindInputNotFound         Kind = "input_not_found"
	KindSubmitNotFound        Kind = "submit_not_found"
	KindAttachmentUnsupported Kind = "attachment_unsupported"
	KindAdapter               Kind = "adapter"
	KindResponseTimeout       Kind = "response_timeout"
	KindUnstable              Kind = "unstable" // soft: logged, never returned
	KindExtractionEmpty       Kind = "extraction_empty"
	KindExpectationMismatch   Kind = "expectation_mismatch"
	KindLockTimeout           Kind = "lock_timeout"
	KindBlocked               Kind = "blocked"
	KindUnknownPlatform       Kind = "unknown_platform"
	KindInternal              Kind = "internal"
)

// Block reasons reported with KindBlocked.
const (
	ReasonAuth         = "auth"
	ReasonVerification = "verification"
	ReasonRateLimit    = "rate_limit"
)

// Error is the concrete error type for all relay failures.
type Error struct {
	Kind     Kind
	Platform string
	Msg      string
	// Reason narrows KindBlocked (auth, verification, rate_limit).
	Reason string
	Err    error
}

// New builds an Error with a formatted message.
func New(kind Kind, platform, format string, args ...any) *Error {
	return &Error{Kind: kind, Platform: platform, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, platform string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Platform: platform, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Blocked builds a KindBlocked error for the given reason.
func Blocked(platform, reason, marker string) *Error {
	return &Error{
		Kind:     KindBlocked,
		Platform: platform,
		Reason:   reason,
		Msg:      fmt.Sprintf("page shows a %s wall (matched %q)", reason, marker),
	}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	prefix := string(e.Kind)
	if e.Platform != "" {
		prefix = e.Platform + ": " + prefix
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so sentinel comparisons work:
// errors.Is(err, &failure.Error{Kind: failure.KindLockTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Platform == "" || t.Platform == e.Platform
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindInternal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries a failure of the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// WithPlatform stamps a platform on err when it is a *Error without one.
// Other errors are wrapped as KindInternal.
func WithPlatform(err error, platform string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Platform == "" {
			fe.Platform = platform
		}
		return err
	}
	return Wrap(KindInternal, platform, err, "unexpected failure")
}

// Package adapter defines the per-platform capability contract the session
// controller drives.
package adapter

import (
	"context"
	"errors"

	"chatrelay/internal/driver"
)

// ErrUnsupported is returned by adapters that cannot perform an operation
// on their platform, so callers never mistake it for a silent success.
var ErrUnsupported = errors.New("operation not supported by adapter")

// Attachment is a file handed to the target interface with the prompt.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Adapter operates on one bound tab.
type Adapter interface {
	// SetInput populates the input surface and reports whether it now
	// holds text.
	SetInput(ctx context.Context, text string) (bool, error)
	// TriggerSubmit starts generation and reports whether a plausible
	// submit action happened.
	TriggerSubmit(ctx context.Context) (bool, error)
	// UploadAttachment is best-effort; it returns ErrUnsupported when the
	// platform offers no attachment surface.
	UploadAttachment(ctx context.Context, att Attachment) error
	// CountTurns returns the number of rendered conversational turns.
	CountTurns(ctx context.Context) (int, error)
	// IsBusy reports whether generation is in progress.
	IsBusy(ctx context.Context) (bool, error)
	// ExtractText returns the most recent visible reply; found is false
	// when none is rendered.
	ExtractText(ctx context.Context) (text string, found bool, err error)
}

// InputProber is implemented by adapters that can tell whether the input
// surface is visible without touching it. The readiness probe uses it.
type InputProber interface {
	HasInput(ctx context.Context) (bool, error)
}

// Binder binds an adapter to a tab.
type Binder func(tab driver.Tab) Adapter

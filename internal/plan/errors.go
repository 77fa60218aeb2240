package plan

import "errors"

// ErrPromptRequired is the cause carried by the InputError for an empty prompt.
var ErrPromptRequired = errors.New("prompt is required")

// InputError reports a request rejected before any work was done.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return e.Err.Error() }
func (e *InputError) Unwrap() error { return e.Err }

// GenerationError wraps a generator failure. Nothing is persisted when it is
// returned.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

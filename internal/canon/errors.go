package canon

import "encoding/json"

// SerializedError is the durable, JSON-friendly shape of a step/task error.
// It captures the message, a stack trace if available, and a nested cause
// chain so hydration can reconstruct something close to the original error.
type SerializedError struct {
	Message        string           `json:"message"`
	Stack          string           `json:"stack,omitempty"`
	NonRecoverable bool             `json:"non_recoverable,omitempty"`
	Cause          *SerializedError `json:"cause,omitempty"`
}

// NonRecoverableError flags "do not retry regardless of retry policy" —
// used for input/output validation failures and other engine-detected
// invariant breaches. It wraps an underlying cause for display.
type NonRecoverableError struct {
	Message string
	Cause   error
}

func (e *NonRecoverableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *NonRecoverableError) Unwrap() error { return e.Cause }

// NewNonRecoverable wraps err (or constructs a bare message error) as a
// NonRecoverableError.
func NewNonRecoverable(message string, cause error) *NonRecoverableError {
	return &NonRecoverableError{Message: message, Cause: cause}
}

// IsNonRecoverable reports whether err (or any error in its chain) is a
// NonRecoverableError.
func IsNonRecoverable(err error) bool {
	for err != nil {
		if _, ok := err.(*NonRecoverableError); ok {
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// hydratedError is a plain reconstruction of a SerializedError, usable as
// a normal Go error with an accessible cause chain.
type hydratedError struct {
	message        string
	stack          string
	nonRecoverable bool
	cause          error
}

func (e *hydratedError) Error() string { return e.message }
func (e *hydratedError) Stack() string { return e.stack }
func (e *hydratedError) Unwrap() error { return e.cause }

// SerializeError captures err into a SerializedError, walking its cause
// chain via errors.Unwrap-style interfaces.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	se := &SerializedError{
		Message:        err.Error(),
		NonRecoverable: IsNonRecoverable(err),
	}
	if stacker, ok := err.(interface{ Stack() string }); ok {
		se.Stack = stacker.Stack()
	}
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		if cause := unwrapper.Unwrap(); cause != nil {
			se.Cause = SerializeError(cause)
		}
	}
	return se
}

// HydrateError reconstructs a plain error object from a SerializedError.
func HydrateError(se *SerializedError) error {
	if se == nil {
		return nil
	}
	he := &hydratedError{
		message:        se.Message,
		stack:          se.Stack,
		nonRecoverable: se.NonRecoverable,
	}
	if se.Cause != nil {
		he.cause = HydrateError(se.Cause)
	}
	if he.nonRecoverable {
		return &NonRecoverableError{Message: he.message, Cause: he.cause}
	}
	return he
}

// MarshalErrorJSON is a convenience for storing an error as Step/Task data.
func MarshalErrorJSON(err error) (json.RawMessage, error) {
	return json.Marshal(SerializeError(err))
}

// UnmarshalErrorJSON is the inverse of MarshalErrorJSON.
func UnmarshalErrorJSON(raw json.RawMessage) (error, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var se SerializedError
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil, err
	}
	return HydrateError(&se), nil
}

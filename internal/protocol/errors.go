package protocol

import (
	"errors"
	"fmt"
)

// ProtocolError indicates a message that is invalid for the current session
// state (e.g. audio before start_recording). The session is unaffected.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// DecodeError indicates a malformed audio payload. Recoverable; the session
// continues and only the offending message is dropped.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %s", e.Reason)
}

// EngineError indicates an inference failure. The owning session transitions
// to Errored and is closed; other sessions are unaffected.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error: %v", e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// ErrModelUnavailable is returned when a required model is not loaded.
var ErrModelUnavailable = errors.New("required model is not loaded")

// ErrBackpressure is returned when the inference queue is saturated and new
// audio is rejected rather than buffered without bound.
var ErrBackpressure = errors.New("inference queue saturated")

// ToErrorMessage maps an internal error to the structured error event sent to
// the client. Every error path yields a stable code; nothing is dropped
// silently.
func ToErrorMessage(err error) *ErrorMessage {
	var protoErr *ProtocolError
	var decErr *DecodeError
	var engErr *EngineError

	switch {
	case errors.As(err, &protoErr):
		return NewError(CodeProtocolError, "message not valid for current session state", protoErr.Reason)
	case errors.As(err, &decErr):
		return NewError(CodeInvalidAudioFormat, "audio payload could not be decoded", decErr.Reason)
	case errors.As(err, &engErr):
		return NewError(CodeSessionError, "recognition engine failure, session closed", engErr.Err.Error())
	case errors.Is(err, ErrModelUnavailable):
		return NewError(CodeModelUnavailable,
			"streaming ASR model not loaded, load it via POST /models/streaming_asr/load", err.Error())
	case errors.Is(err, ErrBackpressure):
		return NewError(CodeBackpressure, "server overloaded, audio chunk rejected", err.Error())
	default:
		return NewError(CodeInternalError, "internal server error", err.Error())
	}
}

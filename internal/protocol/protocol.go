package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Client message types
const (
	TypeStartRecording = "start_recording"
	TypeAudioChunk     = "audio_chunk"
	TypeStopRecording  = "stop_recording"
)

// Server message types
const (
	TypeRecognitionResult = "recognition_result"
	TypeStatus            = "status"
	TypeError             = "error"
)

// Status codes emitted with status messages
const (
	CodeSessionStarted = "SESSION_STARTED"
	CodeSessionStopped = "SESSION_STOPPED"
	CodeSessionTimeout = "SESSION_TIMEOUT"
)

// Error codes emitted with error messages
const (
	CodeProtocolError      = "PROTOCOL_ERROR"
	CodeInvalidAudioFormat = "INVALID_AUDIO_FORMAT"
	CodeModelUnavailable   = "MODEL_UNAVAILABLE"
	CodeSessionError       = "SESSION_ERROR"
	CodeConnectionTimeout  = "CONNECTION_TIMEOUT"
	CodeBackpressure       = "BACKPRESSURE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// ClientMessage represents a single inbound JSON control message.
// Audio payloads arrive base64-encoded in the Data field.
type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// ServerMessage is implemented by every outbound message so the transport
// writer can serialize any of them through one channel.
type ServerMessage interface {
	MessageType() string
}

// RecognitionResult carries a partial or final transcript fragment.
type RecognitionResult struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Timestamp  string  `json:"timestamp"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Status is an informational event (session lifecycle, timeouts).
type Status struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ErrorMessage is a structured error event with a stable machine-readable code.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func (r *RecognitionResult) MessageType() string { return TypeRecognitionResult }
func (s *Status) MessageType() string            { return TypeStatus }
func (e *ErrorMessage) MessageType() string      { return TypeError }

// NewRecognitionResult builds a recognition_result message stamped with the
// current time in RFC3339 format.
func NewRecognitionResult(text string, isFinal bool, confidence float64) *RecognitionResult {
	return &RecognitionResult{
		Type:       TypeRecognitionResult,
		Text:       text,
		IsFinal:    isFinal,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Confidence: confidence,
	}
}

// NewStatus builds a status message.
func NewStatus(code, message string) *Status {
	return &Status{Type: TypeStatus, Message: message, Code: code}
}

// NewError builds an error message.
func NewError(code, message, details string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Message: message, Code: code, Details: details}
}

// ParseClientMessage parses and validates a raw inbound frame. For audio_chunk
// messages the base64 payload is decoded and returned separately; an empty
// payload is valid and yields a nil byte slice.
func ParseClientMessage(raw []byte) (*ClientMessage, []byte, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, nil, &ProtocolError{Reason: fmt.Sprintf("invalid JSON message: %v", err)}
	}

	switch msg.Type {
	case TypeStartRecording, TypeStopRecording:
		return &msg, nil, nil
	case TypeAudioChunk:
		if msg.Data == "" {
			return &msg, nil, nil
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return nil, nil, &DecodeError{Reason: fmt.Sprintf("invalid base64 audio payload: %v", err)}
		}
		return &msg, payload, nil
	case "":
		return nil, nil, &ProtocolError{Reason: "message missing type field"}
	default:
		return nil, nil, &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}

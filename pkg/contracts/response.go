package contracts

import (
	"encoding/json"
	"fmt"
)

// GenericErrorMessage is the only error text a client ever sees for a failed request.
const GenericErrorMessage = "An error occurred. Please retry.."

// Answer is the user-facing part of a Response.
type Answer struct {
	AnswerString  string   `json:"answer_string"`
	IsFinal       bool     `json:"is_final"`
	DataPoints    []string `json:"data_points"`
	SpeakerLocale string   `json:"speaker_locale"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	ErrorStr string `json:"error_str"`
	Retry    bool   `json:"retry"`
}

// Response is published on the response bus. Interim updates carry IsFinal=false.
type Response struct {
	SessionID string     `json:"session_id"`
	DialogID  string     `json:"dialog_id"`
	UserID    string     `json:"user_id"`
	Answer    Answer     `json:"answer"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// Envelope wraps a Response with the W3C trace context of the request that produced it.
type Envelope struct {
	Payload      Response          `json:"payload"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// NewUpdate builds an interim progress Response echoing the task's ids.
func NewUpdate(t *Task, text string) *Response {
	return &Response{
		SessionID: t.SessionID,
		DialogID:  t.DialogID,
		UserID:    t.UserID,
		Answer: Answer{
			AnswerString:  text,
			DataPoints:    []string{},
			SpeakerLocale: t.Locale,
		},
	}
}

// NewFinal builds the terminal Response of a successful request.
func NewFinal(t *Task, text string, dataPoints []string) *Response {
	if dataPoints == nil {
		dataPoints = []string{}
	}
	r := NewUpdate(t, text)
	r.Answer.IsFinal = true
	r.Answer.DataPoints = dataPoints
	return r
}

// NewFailure builds the terminal Response of a failed request: empty answer, error set.
func NewFailure(t *Task, message string, retry bool) *Response {
	r := NewFinal(t, "", nil)
	r.Error = &ErrorInfo{ErrorStr: message, Retry: retry}
	return r
}

// Encode serializes the response inside an envelope.
func (r *Response) Encode(traceContext map[string]string) ([]byte, error) {
	data, err := json.Marshal(Envelope{Payload: *r, TraceContext: traceContext})
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a message from the response bus.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	return &env, nil
}

// EventType distinguishes the events a client receives.
type EventType string

const (
	EventUpdate EventType = "update"
	EventFinal  EventType = "final"
)

// Event is written to the client socket.
type Event struct {
	Type     EventType `json:"type"`
	Text     string    `json:"text,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// EventFor maps a bus Response to the client event that carries it.
func EventFor(r *Response) Event {
	if r.Answer.IsFinal {
		return Event{Type: EventFinal, Response: r}
	}
	return Event{Type: EventUpdate, Text: r.Answer.AnswerString}
}

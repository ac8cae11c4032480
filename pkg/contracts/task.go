// Package contracts holds the wire types exchanged between the gateway, the task queue,
// the orchestrator and the client.
package contracts

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aixgo-dev/conductor/pkg/fault"
)

// ErrMissingMessage is returned by Task.Validate when the task carries no user message.
var ErrMissingMessage = errors.New("task has no message")

// Task is one user request placed on the durable queue. It is never modified after enqueue.
type Task struct {
	SessionID          string         `json:"session_id"`
	DialogID           string         `json:"dialog_id"`
	UserID             string         `json:"user_id"`
	Message            string         `json:"message"`
	Authorization      string         `json:"authorization,omitempty"`
	Locale             string         `json:"locale,omitempty"`
	AdditionalMetadata map[string]any `json:"additional_metadata,omitempty"`
}

// DecodeTask parses a queue payload. It fails with a fault.TaskDecode error when the
// payload is not a JSON object or names no session, since such a task cannot be answered.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fault.Wrap(fault.TaskDecode, "contracts.DecodeTask", err)
	}
	if t.SessionID == "" {
		return nil, fault.New(fault.TaskDecode, "contracts.DecodeTask", "missing session_id")
	}
	return &t, nil
}

// Encode serializes the task for the queue.
func (t *Task) Encode() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return data, nil
}

// Validate checks the fields the orchestrator needs once the owning session is known.
func (t *Task) Validate() error {
	if t.Message == "" {
		return ErrMissingMessage
	}
	return nil
}

// ClientMessage is what a connected client sends over its socket. The gateway turns it
// into a Task by adding the session id from the connection.
type ClientMessage struct {
	DialogID           string         `json:"dialog_id,omitempty"`
	UserID             string         `json:"user_id,omitempty"`
	Message            string         `json:"message"`
	Authorization      string         `json:"authorization,omitempty"`
	Locale             string         `json:"locale,omitempty"`
	AdditionalMetadata map[string]any `json:"additional_metadata,omitempty"`
}

// ToTask binds the message to a session.
func (m ClientMessage) ToTask(sessionID string) *Task {
	return &Task{
		SessionID:          sessionID,
		DialogID:           m.DialogID,
		UserID:             m.UserID,
		Message:            m.Message,
		Authorization:      m.Authorization,
		Locale:             m.Locale,
		AdditionalMetadata: m.AdditionalMetadata,
	}
}

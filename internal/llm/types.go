// Package llm invokes agents on the upstream model platform. Two client kinds exist: a
// hosted client whose conversation threads live on the platform, and a chat client whose
// threads are local and which can run a tool-calling loop.
package llm

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/aixgo-dev/conductor/pkg/fault"
)

// Role is the author role of a chat turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one turn of a session's chat history.
type Message struct {
	// Seq is the 1-based position in the session history.
	Seq  int
	Role Role
	// Author names the agent that produced an agent turn.
	Author  string
	Content string
	// Origin is the id of the hosted thread that produced the turn, if any. Such a turn is
	// already present on that thread.
	Origin string
}

// Params are the runtime parameters of one invocation.
type Params struct {
	Model               string
	Temperature         float32
	TopP                float32
	MaxPromptTokens     int
	MaxCompletionTokens int
	ParallelToolCalls   bool
}

// Usage is the token accounting reported by the platform.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// FileRef points at a file generated by an agent, such as a chart image.
type FileRef struct {
	ID          string
	ContentType string
}

// Reply is the result of one invocation.
type Reply struct {
	Text  string
	Usage Usage
	// Files are the files attached to the agent's last message.
	Files []FileRef
	// Origin is copied into the history entry recorded for this reply.
	Origin string
}

// Thread is a conversation handle. Hosted threads are issued by the platform and may be
// shared by several agents of one session; local threads belong to one agent. A thread is
// used by one session at a time.
type Thread struct {
	ID     string
	Hosted bool

	// lastSeq is the highest history Seq mirrored onto a hosted thread.
	lastSeq int
}

// NewLocalThread returns a thread that exists only in this process.
func NewLocalThread() *Thread {
	return &Thread{ID: "local_" + uuid.NewString()}
}

// upstreamError classifies a platform failure.
func upstreamError(op string, err error) error {
	return fault.Wrap(fault.UpstreamInvocation, op, err)
}

// IsTransient reports whether an upstream failure is worth retrying by the client:
// rate limiting and server-side errors.
func IsTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}

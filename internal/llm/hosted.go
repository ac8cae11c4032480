package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// AssistantsAPI is the part of the go-openai client the hosted kind uses.
type AssistantsAPI interface {
	CreateAssistant(ctx context.Context, request openai.AssistantRequest) (openai.Assistant, error)
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error)
	GetFileContent(ctx context.Context, fileID string) (openai.RawResponse, error)
}

var _ AssistantsAPI = (*openai.Client)(nil)

// HostedClient runs agents as platform assistants on platform threads.
type HostedClient struct {
	api          AssistantsAPI
	pollInterval time.Duration
}

// HostedOption configures a HostedClient.
type HostedOption func(*HostedClient)

// WithPollInterval sets how often a pending run is checked.
func WithPollInterval(d time.Duration) HostedOption {
	return func(c *HostedClient) { c.pollInterval = d }
}

// NewHostedClient wraps an Assistants API client.
func NewHostedClient(api AssistantsAPI, opts ...HostedOption) *HostedClient {
	c := &HostedClient{api: api, pollInterval: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AgentSpec describes an assistant to register on the platform.
type AgentSpec struct {
	Name            string
	Description     string
	Instructions    string
	Model           string
	CodeInterpreter bool
}

// CreateAgent registers an assistant and returns its id.
func (c *HostedClient) CreateAgent(ctx context.Context, spec AgentSpec) (string, error) {
	req := openai.AssistantRequest{
		Model:        spec.Model,
		Name:         &spec.Name,
		Instructions: &spec.Instructions,
	}
	if spec.Description != "" {
		req.Description = &spec.Description
	}
	if spec.CodeInterpreter {
		req.Tools = []openai.AssistantTool{{Type: openai.AssistantToolTypeCodeInterpreter}}
	}
	a, err := c.api.CreateAssistant(ctx, req)
	if err != nil {
		return "", upstreamError("llm.CreateAgent", fmt.Errorf("create assistant %s: %w", spec.Name, err))
	}
	return a.ID, nil
}

// NewThread opens a platform thread.
func (c *HostedClient) NewThread(ctx context.Context) (*Thread, error) {
	th, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return nil, upstreamError("llm.NewThread", fmt.Errorf("create thread: %w", err))
	}
	return &Thread{ID: th.ID, Hosted: true}, nil
}

// Run mirrors the turns of history the thread has not seen, runs the assistant and
// returns its newest message. Agent turns produced on this same thread are skipped
// since the platform already recorded them.
func (c *HostedClient) Run(ctx context.Context, assistantID string, thread *Thread, history []Message, p Params) (*Reply, error) {
	const op = "llm.HostedClient.Run"
	if thread == nil || !thread.Hosted {
		return nil, fmt.Errorf("%s: hosted thread required", op)
	}

	for _, m := range history {
		if m.Seq <= thread.lastSeq || m.Origin == thread.ID {
			continue
		}
		req := openai.MessageRequest{Role: "user", Content: m.Content}
		if m.Role == RoleAgent {
			req.Role = "assistant"
		}
		if _, err := c.api.CreateMessage(ctx, thread.ID, req); err != nil {
			return nil, upstreamError(op, fmt.Errorf("post message %d: %w", m.Seq, err))
		}
	}
	for _, m := range history {
		if m.Seq > thread.lastSeq {
			thread.lastSeq = m.Seq
		}
	}

	runReq := openai.RunRequest{
		AssistantID:         assistantID,
		Model:               p.Model,
		MaxPromptTokens:     p.MaxPromptTokens,
		MaxCompletionTokens: p.MaxCompletionTokens,
	}
	if p.Temperature > 0 {
		runReq.Temperature = &p.Temperature
	}
	if p.TopP > 0 {
		runReq.TopP = &p.TopP
	}
	run, err := c.api.CreateRun(ctx, thread.ID, runReq)
	if err != nil {
		return nil, upstreamError(op, fmt.Errorf("create run: %w", err))
	}

	run, err = c.wait(ctx, thread.ID, run)
	if err != nil {
		return nil, err
	}

	reply, err := c.lastAgentMessage(ctx, thread.ID, run.ID)
	if err != nil {
		return nil, err
	}
	reply.Usage = Usage{PromptTokens: run.Usage.PromptTokens, CompletionTokens: run.Usage.CompletionTokens}
	reply.Origin = thread.ID
	return reply, nil
}

func (c *HostedClient) wait(ctx context.Context, threadID string, run openai.Run) (openai.Run, error) {
	const op = "llm.HostedClient.wait"
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		switch run.Status {
		case openai.RunStatusCompleted:
			return run, nil
		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired:
			msg := string(run.Status)
			if run.LastError != nil {
				msg += ": " + run.LastError.Message
			}
			return run, upstreamError(op, fmt.Errorf("run %s %s", run.ID, msg))
		case openai.RunStatusRequiresAction:
			return run, upstreamError(op, fmt.Errorf("run %s requires tool outputs, which hosted agents do not provide", run.ID))
		}

		select {
		case <-ctx.Done():
			return run, upstreamError(op, ctx.Err())
		case <-ticker.C:
		}

		var err error
		run, err = c.api.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return run, upstreamError(op, fmt.Errorf("retrieve run: %w", err))
		}
	}
}

func (c *HostedClient) lastAgentMessage(ctx context.Context, threadID, runID string) (*Reply, error) {
	limit, order := 1, "desc"
	list, err := c.api.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return nil, upstreamError("llm.HostedClient.lastAgentMessage", fmt.Errorf("list messages: %w", err))
	}

	reply := &Reply{}
	for _, m := range list.Messages {
		if m.Role != "assistant" {
			continue
		}
		var texts []string
		for _, part := range m.Content {
			switch {
			case part.Text != nil:
				texts = append(texts, part.Text.Value)
			case part.ImageFile != nil:
				reply.Files = append(reply.Files, FileRef{ID: part.ImageFile.FileID, ContentType: "image/png"})
			}
		}
		reply.Text = strings.Join(texts, "\n")
		break
	}
	return reply, nil
}

// Download fetches the content of a generated file.
func (c *HostedClient) Download(ctx context.Context, ref FileRef) ([]byte, error) {
	raw, err := c.api.GetFileContent(ctx, ref.ID)
	if err != nil {
		return nil, upstreamError("llm.HostedClient.Download", fmt.Errorf("get file %s: %w", ref.ID, err))
	}
	defer raw.Close()

	data, err := io.ReadAll(raw)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", ref.ID, err)
	}
	return data, nil
}

package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/conductor/pkg/fault"
)

func history(turns ...string) []Message {
	out := make([]Message, len(turns))
	for i, t := range turns {
		out[i] = Message{Seq: i + 1, Role: RoleUser, Content: t}
	}
	return out
}

func TestChatRunPlainAnswer(t *testing.T) {
	api := &fakeChat{responses: []openai.ChatCompletionResponse{textResponse("all green")}}
	c := NewChatClient(api)

	h := history("show me build status")
	h = append(h, Message{Seq: 2, Role: RoleAgent, Author: "PLANNER_AGENT", Content: "plan"})
	reply, err := c.Run(context.Background(), "be brief", h, Params{Model: "gpt-4o", Temperature: 0.2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "all green", reply.Text)
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 5}, reply.Usage)

	req := api.requests[0]
	require.Len(t, req.Messages, 3)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, req.Messages[2].Role)
	assert.Empty(t, req.Tools)
}

func TestChatRunToolLoop(t *testing.T) {
	api := &fakeChat{responses: []openai.ChatCompletionResponse{
		toolCallResponse("call_1", "wit_list", `{"query":"open bugs"}`),
		textResponse("3 open bugs"),
	}}
	tools := &fakeTools{specs: []ToolSpec{{Name: "wit_list", Description: "list work items"}}}

	reply, err := NewChatClient(api).Run(context.Background(), "", history("bugs?"), Params{Model: "m", ParallelToolCalls: true}, tools)
	require.NoError(t, err)
	assert.Equal(t, "3 open bugs", reply.Text)
	assert.Equal(t, []string{"wit_list"}, tools.calls)
	assert.Equal(t, 17, reply.Usage.PromptTokens)

	require.Len(t, api.requests, 2)
	require.Len(t, api.requests[0].Tools, 1)
	assert.Equal(t, "wit_list", api.requests[0].Tools[0].Function.Name)
	assert.Equal(t, true, api.requests[0].ParallelToolCalls)

	second := api.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, openai.ChatMessageRoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Equal(t, "wit_list result for open bugs", last.Content)
}

func TestChatRunToolFailureIsReportedToModel(t *testing.T) {
	api := &fakeChat{responses: []openai.ChatCompletionResponse{
		toolCallResponse("call_1", "wit_list", `{}`),
		textResponse("could not reach the tracker"),
	}}
	tools := &fakeTools{fail: true}

	reply, err := NewChatClient(api).Run(context.Background(), "", history("bugs?"), Params{}, tools)
	require.NoError(t, err)
	assert.Equal(t, "could not reach the tracker", reply.Text)
	msgs := api.requests[1].Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, "provider down")
}

func TestChatRunToolLoopLimit(t *testing.T) {
	api := &fakeChat{}
	for i := 0; i < defaultMaxToolRounds; i++ {
		api.responses = append(api.responses, toolCallResponse("c", "wit_list", `{}`))
	}
	_, err := NewChatClient(api).Run(context.Background(), "", history("loop"), Params{}, &fakeTools{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolLoop)
	assert.True(t, fault.Is(err, fault.UpstreamInvocation))
}

func TestChatRunUpstreamError(t *testing.T) {
	api := &fakeChat{errs: []error{&openai.APIError{HTTPStatusCode: 503, Message: "unavailable"}}}
	_, err := NewChatClient(api).Run(context.Background(), "", history("hi"), Params{}, nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.UpstreamInvocation))
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(&openai.APIError{HTTPStatusCode: 400}))
}

func TestHostedRunMirrorsOnlyUnseenTurns(t *testing.T) {
	api := &fakeAssistants{
		statuses: []openai.RunStatus{openai.RunStatusInProgress, openai.RunStatusCompleted},
		reply: openai.Message{Role: "assistant", Content: []openai.MessageContent{
			{Type: "text", Text: &openai.MessageText{Value: "chart attached"}},
			{Type: "image_file", ImageFile: &openai.ImageFile{FileID: "file_1"}},
		}},
	}
	c := NewHostedClient(api, WithPollInterval(time.Millisecond))
	ctx := context.Background()

	id, err := c.CreateAgent(ctx, AgentSpec{Name: "viz", Model: "gpt-4o", CodeInterpreter: true})
	require.NoError(t, err)
	assert.Equal(t, "asst_viz", id)

	thread, err := c.NewThread(ctx)
	require.NoError(t, err)

	h := history("plot builds")
	reply, err := c.Run(ctx, id, thread, h, Params{Model: "gpt-4o", Temperature: 0.3})
	require.NoError(t, err)
	assert.Equal(t, "chart attached", reply.Text)
	assert.Equal(t, []FileRef{{ID: "file_1", ContentType: "image/png"}}, reply.Files)
	assert.Equal(t, Usage{PromptTokens: 20, CompletionTokens: 8}, reply.Usage)
	assert.Equal(t, thread.ID, reply.Origin)
	require.Len(t, api.posted, 1)
	require.NotNil(t, api.runs[0].Temperature)

	// The reply is recorded with its origin; only the new user turn is posted next time.
	h = append(h,
		Message{Seq: 2, Role: RoleAgent, Content: reply.Text, Origin: reply.Origin},
		Message{Seq: 3, Role: RoleAgent, Content: "from a chat agent"},
		Message{Seq: 4, Role: RoleUser, Content: "thanks"},
	)
	_, err = c.Run(ctx, id, thread, h, Params{})
	require.NoError(t, err)
	require.Len(t, api.posted, 3)
	assert.Equal(t, "assistant", api.posted[1].Role)
	assert.Equal(t, "from a chat agent", api.posted[1].Content)
	assert.Equal(t, "thanks", api.posted[2].Content)
}

func TestHostedRunFailure(t *testing.T) {
	api := &fakeAssistants{statuses: []openai.RunStatus{openai.RunStatusFailed}, lastErrMsg: "rate limited"}
	c := NewHostedClient(api, WithPollInterval(time.Millisecond))
	thread, err := c.NewThread(context.Background())
	require.NoError(t, err)

	_, err = c.Run(context.Background(), "asst", thread, history("hi"), Params{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.UpstreamInvocation))
	assert.Contains(t, err.Error(), "rate limited")
}

func TestHostedRunNeedsHostedThread(t *testing.T) {
	c := NewHostedClient(&fakeAssistants{})
	_, err := c.Run(context.Background(), "asst", NewLocalThread(), history("hi"), Params{})
	assert.Error(t, err)
}

func TestDownload(t *testing.T) {
	c := NewHostedClient(&fakeAssistants{files: map[string]string{"file_1": "PNGDATA"}})

	data, err := c.Download(context.Background(), FileRef{ID: "file_1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("PNGDATA"), data)

	_, err = c.Download(context.Background(), FileRef{ID: "missing"})
	assert.True(t, fault.Is(err, fault.UpstreamInvocation))
}

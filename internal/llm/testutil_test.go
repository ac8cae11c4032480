package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
)

// fakeChat replays queued chat completion responses and records requests.
type fakeChat struct {
	mu        sync.Mutex
	responses []openai.ChatCompletionResponse
	errs      []error
	requests  []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := req
	cp.Messages = append([]openai.ChatCompletionMessage(nil), req.Messages...)
	f.requests = append(f.requests, cp)

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return openai.ChatCompletionResponse{}, err
		}
	}
	if len(f.responses) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("no more responses")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func textResponse(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text}}},
		Usage:   openai.Usage{PromptTokens: 10, CompletionTokens: 5},
	}
}

func toolCallResponse(id, name, args string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       id,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: name, Arguments: args},
			}},
		}}},
		Usage: openai.Usage{PromptTokens: 7, CompletionTokens: 3},
	}
}

type fakeTools struct {
	specs []ToolSpec
	calls []string
	fail  bool
}

func (f *fakeTools) Specs() []ToolSpec { return f.specs }

func (f *fakeTools) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	f.calls = append(f.calls, name)
	if f.fail {
		return "", errors.New("provider down")
	}
	q, _ := args["query"].(string)
	return name + " result for " + q, nil
}

// fakeAssistants is an in-memory stand-in for the Assistants API.
type fakeAssistants struct {
	mu         sync.Mutex
	posted     []openai.MessageRequest
	runs       []openai.RunRequest
	statuses   []openai.RunStatus
	reply      openai.Message
	files      map[string]string
	lastErrMsg string
}

func (f *fakeAssistants) CreateAssistant(ctx context.Context, req openai.AssistantRequest) (openai.Assistant, error) {
	return openai.Assistant{ID: "asst_" + *req.Name}, nil
}

func (f *fakeAssistants) CreateThread(ctx context.Context, req openai.ThreadRequest) (openai.Thread, error) {
	return openai.Thread{ID: "thread_1"}, nil
}

func (f *fakeAssistants) CreateMessage(ctx context.Context, threadID string, req openai.MessageRequest) (openai.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, req)
	return openai.Message{ID: "msg"}, nil
}

func (f *fakeAssistants) CreateRun(ctx context.Context, threadID string, req openai.RunRequest) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req)
	return openai.Run{ID: "run_1", Status: openai.RunStatusQueued}, nil
}

func (f *fakeAssistants) RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := openai.RunStatusCompleted
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	run := openai.Run{ID: runID, Status: status, Usage: openai.Usage{PromptTokens: 20, CompletionTokens: 8}}
	if f.lastErrMsg != "" {
		run.LastError = &openai.RunLastError{Message: f.lastErrMsg}
	}
	return run, nil
}

func (f *fakeAssistants) ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error) {
	return openai.MessagesList{Messages: []openai.Message{f.reply}}, nil
}

func (f *fakeAssistants) GetFileContent(ctx context.Context, fileID string) (openai.RawResponse, error) {
	content, ok := f.files[fileID]
	if !ok {
		return openai.RawResponse{}, errors.New("file not found")
	}
	return openai.RawResponse{ReadCloser: io.NopCloser(strings.NewReader(content))}, nil
}

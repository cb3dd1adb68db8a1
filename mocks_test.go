package voltmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

type fakeAgent struct {
	id       string
	name     string
	desc     string
	generate func(ctx context.Context, message string) (string, error)
}

func (a fakeAgent) ID() string          { return a.id }
func (a fakeAgent) Name() string        { return a.name }
func (a fakeAgent) Description() string { return a.desc }

func (a fakeAgent) Generate(ctx context.Context, message string) (string, error) {
	if a.generate != nil {
		return a.generate(ctx, message)
	}
	return fmt.Sprintf("%s says: %s", a.name, message), nil
}

type fakeWorkflow struct {
	id     string
	name   string
	desc   string
	run    func(ctx context.Context, input json.RawMessage) (any, error)
	resume func(ctx context.Context, executionID string, resumeData json.RawMessage, stepID string) (any, error)
}

func (w fakeWorkflow) ID() string          { return w.id }
func (w fakeWorkflow) Name() string        { return w.name }
func (w fakeWorkflow) Description() string { return w.desc }

func (w fakeWorkflow) Run(ctx context.Context, input json.RawMessage) (any, error) {
	if w.run != nil {
		return w.run(ctx, input)
	}
	return map[string]string{"status": "completed"}, nil
}

func (w fakeWorkflow) Resume(ctx context.Context, executionID string, resumeData json.RawMessage, stepID string) (any, error) {
	if w.resume != nil {
		return w.resume(ctx, executionID, resumeData, stepID)
	}
	return map[string]string{"status": "resumed", "executionId": executionID}, nil
}

type fakeTool struct {
	name    string
	desc    string
	schema  json.RawMessage
	execute func(ctx context.Context, args json.RawMessage) (any, error)
}

func (t fakeTool) Name() string                 { return t.name }
func (t fakeTool) Description() string          { return t.desc }
func (t fakeTool) InputSchema() json.RawMessage { return t.schema }

func (t fakeTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if t.execute != nil {
		return t.execute(ctx, args)
	}
	return "ok", nil
}

type fakeRegistry struct {
	agents    []Agent
	workflows []Workflow
	tools     []Tool
	err       error
}

func (r fakeRegistry) AllAgents() ([]Agent, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.agents, nil
}

func (r fakeRegistry) AllWorkflows() ([]Workflow, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.workflows, nil
}

func (r fakeRegistry) AllTools() ([]Tool, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.tools, nil
}

type fakePromptHandler struct {
	prompts []Prompt
	err     error
}

func (h fakePromptHandler) ListPrompts(context.Context) ([]Prompt, error) {
	return h.prompts, h.err
}

func (h fakePromptHandler) GetPrompt(_ context.Context, name string, _ map[string]string) (GetPromptResult, error) {
	if h.err != nil {
		return GetPromptResult{}, h.err
	}
	for _, p := range h.prompts {
		if p.Name == name {
			return GetPromptResult{
				Messages: []PromptMessage{{
					Role:    RoleAssistant,
					Content: Content{Type: ContentTypeText, Text: "prompt " + name},
				}},
			}, nil
		}
	}
	return GetPromptResult{}, errors.New("prompt not found")
}

type fakeResourceHandler struct {
	resources []Resource
	templates []ResourceTemplate

	mu         sync.Mutex
	subscribed []string
}

func (h *fakeResourceHandler) ListResources(context.Context) ([]Resource, error) {
	return h.resources, nil
}

func (h *fakeResourceHandler) ReadResource(_ context.Context, uri string) (ReadResourceResult, error) {
	for _, r := range h.resources {
		if r.URI == uri {
			return ReadResourceResult{
				Contents: []ResourceContents{{URI: uri, MimeType: r.MimeType, Text: "contents of " + uri}},
			}, nil
		}
	}
	return ReadResourceResult{}, errors.New("resource not found")
}

func (h *fakeResourceHandler) ListResourceTemplates(context.Context) ([]ResourceTemplate, error) {
	return h.templates, nil
}

func (h *fakeResourceHandler) SubscribeResource(_ context.Context, uri string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribed = append(h.subscribed, uri)
	return nil
}

func (h *fakeResourceHandler) UnsubscribeResource(_ context.Context, uri string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subscribed {
		if s == uri {
			h.subscribed = append(h.subscribed[:i], h.subscribed[i+1:]...)
			return nil
		}
	}
	return errors.New("not subscribed")
}

type fakeLogHandler struct {
	mu    sync.Mutex
	level LogLevel
}

func (h *fakeLogHandler) SetLogLevel(level LogLevel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.level = level
}

func (h *fakeLogHandler) Level() LogLevel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level
}

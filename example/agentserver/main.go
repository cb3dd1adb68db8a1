package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/VoltAgent/voltmcp"
	"github.com/google/uuid"
)

func main() {
	cfg, err := voltmcp.FromEnv()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	// Serve HTTP alongside stdio so both can be exercised from one process.
	cfg.Streamable = true
	cfg.SSE = true

	srv := voltmcp.New(cfg,
		voltmcp.WithStaticPrompts(voltmcp.StaticPrompt{
			Prompt: voltmcp.Prompt{
				Name:        "summarize",
				Description: "Summarize a piece of text",
			},
			Messages: []voltmcp.PromptMessage{{
				Role: voltmcp.RoleUser,
				Content: voltmcp.Content{
					Type: voltmcp.ContentTypeText,
					Text: "Summarize the following text in two sentences.",
				},
			}},
		}),
	)

	reg := &memoryRegistry{}
	reg.addAgent(echoAgent{})
	reg.addTool(upperTool{})
	reg.addWorkflow(newApprovalWorkflow())

	if err := srv.Initialize(voltmcp.Deps{Registry: reg}); err != nil {
		log.Fatalf("Initialize error: %v", err)
	}

	if err := srv.StartConfigured(context.Background(), voltmcp.StartOptions{}); err != nil {
		log.Fatalf("Start error: %v", err)
	}
	fmt.Fprintln(os.Stderr, "Server started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Fprintln(os.Stderr, "Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Close(ctx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}

// memoryRegistry is a host-side registry holding its callables in memory.
type memoryRegistry struct {
	mu        sync.RWMutex
	agents    []voltmcp.Agent
	workflows []voltmcp.Workflow
	tools     []voltmcp.Tool
}

func (r *memoryRegistry) addAgent(a voltmcp.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, a)
}

func (r *memoryRegistry) addWorkflow(w voltmcp.Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows = append(r.workflows, w)
}

func (r *memoryRegistry) addTool(t voltmcp.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append(r.tools, t)
}

func (r *memoryRegistry) AllAgents() ([]voltmcp.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]voltmcp.Agent(nil), r.agents...), nil
}

func (r *memoryRegistry) AllWorkflows() ([]voltmcp.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]voltmcp.Workflow(nil), r.workflows...), nil
}

func (r *memoryRegistry) AllTools() ([]voltmcp.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]voltmcp.Tool(nil), r.tools...), nil
}

// echoAgent repeats whatever it is told.
type echoAgent struct{}

func (echoAgent) ID() string          { return "echo" }
func (echoAgent) Name() string        { return "Echo" }
func (echoAgent) Description() string { return "Repeats the message back to the caller" }

func (echoAgent) Generate(_ context.Context, message string) (string, error) {
	return "You said: " + message, nil
}

// upperTool uppercases its text argument.
type upperTool struct{}

func (upperTool) Name() string        { return "uppercase" }
func (upperTool) Description() string { return "Uppercases the given text" }

func (upperTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "text": {"type": "string", "description": "Text to uppercase"}
  },
  "required": ["text"]
}`)
}

func (upperTool) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return strings.ToUpper(in.Text), nil
}

// approvalWorkflow suspends on its first call and completes when resumed.
type approvalWorkflow struct {
	mu      sync.Mutex
	pending map[string]json.RawMessage
}

func newApprovalWorkflow() *approvalWorkflow {
	return &approvalWorkflow{pending: make(map[string]json.RawMessage)}
}

func (w *approvalWorkflow) ID() string   { return "approval" }
func (w *approvalWorkflow) Name() string { return "Approval" }

func (w *approvalWorkflow) Description() string {
	return "Holds an item until it is approved or rejected"
}

func (w *approvalWorkflow) Run(_ context.Context, input json.RawMessage) (any, error) {
	execID := uuid.NewString()
	w.mu.Lock()
	w.pending[execID] = input
	w.mu.Unlock()
	return map[string]string{
		"status":      "suspended",
		"executionId": execID,
	}, nil
}

func (w *approvalWorkflow) Resume(_ context.Context, executionID string, resumeData json.RawMessage, _ string) (any, error) {
	w.mu.Lock()
	input, ok := w.pending[executionID]
	delete(w.pending, executionID)
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no suspended execution with id %s", executionID)
	}
	return map[string]any{
		"status":   "completed",
		"input":    string(input),
		"decision": string(resumeData),
	}, nil
}

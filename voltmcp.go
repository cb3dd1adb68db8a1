package voltmcp

import (
	"context"
	"encoding/json"
)

// TransportKind identifies one of the transport bindings the server can expose.
type TransportKind string

// Transport kinds supported by the server. TransportInProcess is never started;
// it identifies catalogs built for direct host-side invocation via
// Server.ListTools and Server.ExecuteTool.
const (
	TransportStdio      TransportKind = "stdio"
	TransportStreamable TransportKind = "streamable"
	TransportSSE        TransportKind = "sse"
	TransportInProcess  TransportKind = "inProcess"
)

// Registry provides the dynamically registered agents, workflows and tools of the
// host application. The server never caches its contents beyond a single catalog
// build, so implementations are free to mutate their sets at any time; a build
// only needs a consistent point-in-time snapshot.
type Registry interface {
	// AllAgents returns every agent currently registered with the host.
	AllAgents() ([]Agent, error)

	// AllWorkflows returns every workflow currently registered with the host.
	AllWorkflows() ([]Workflow, error)

	// AllTools returns every standalone tool currently registered with the host.
	AllTools() ([]Tool, error)
}

// Agent is a host-side conversational agent exposed to clients as a callable entry.
type Agent interface {
	// ID returns the stable identifier of the agent. May be empty, in which case
	// the agent's name is used as its identity.
	ID() string

	// Name returns the human-readable name of the agent.
	Name() string

	// Description returns a description used in the entry's protocol-facing definition.
	Description() string

	// Generate runs the agent against the given message and returns its response.
	Generate(ctx context.Context, message string) (string, error)
}

// Workflow is a host-side workflow exposed to clients as two callable entries,
// one that starts a run and one that resumes a suspended execution.
type Workflow interface {
	// ID returns the stable identifier of the workflow. May be empty, in which
	// case the workflow's name is used as its identity.
	ID() string

	// Name returns the human-readable name of the workflow.
	Name() string

	// Description returns a description used in the entries' protocol-facing definitions.
	Description() string

	// Run starts a new execution of the workflow with the given input.
	Run(ctx context.Context, input json.RawMessage) (any, error)

	// Resume continues a suspended execution identified by executionID. stepID
	// optionally names the step to resume from; resumeData is handed to that step.
	Resume(ctx context.Context, executionID string, resumeData json.RawMessage, stepID string) (any, error)
}

// Tool is a host-side tool exposed to clients as a pass-through callable entry.
type Tool interface {
	// Name returns the unique identifier of the tool.
	Name() string

	// Description returns a description used in the entry's protocol-facing definition.
	Description() string

	// InputSchema returns the JSON schema describing the tool's arguments.
	// A nil schema is exposed as an unconstrained object.
	InputSchema() json.RawMessage

	// Execute runs the tool with the given JSON-encoded arguments.
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// PromptHandler serves the prompts method surface. Injecting a non-nil handler
// upgrades the prompts capability flag.
type PromptHandler interface {
	// ListPrompts returns the prompts available to clients.
	ListPrompts(ctx context.Context) ([]Prompt, error)

	// GetPrompt resolves a prompt template by name with the given arguments.
	// Returns an error if the prompt is unknown or the arguments are invalid.
	GetPrompt(ctx context.Context, name string, arguments map[string]string) (GetPromptResult, error)
}

// ResourceHandler serves the resources method surface. Injecting a non-nil
// handler upgrades the resources capability flag.
type ResourceHandler interface {
	// ListResources returns the resources available to clients.
	ListResources(ctx context.Context) ([]Resource, error)

	// ReadResource retrieves the contents of a resource by URI.
	ReadResource(ctx context.Context, uri string) (ReadResourceResult, error)

	// ListResourceTemplates returns the available resource templates.
	ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error)

	// SubscribeResource subscribes the calling session to updates of a resource.
	SubscribeResource(ctx context.Context, uri string) error

	// UnsubscribeResource removes a subscription made with SubscribeResource.
	UnsubscribeResource(ctx context.Context, uri string) error
}

// LogHandler receives logging/setLevel requests. Injecting a non-nil handler
// upgrades the logging capability flag.
type LogHandler interface {
	// SetLogLevel configures the minimum severity level for emitted log messages.
	SetLogLevel(level LogLevel)
}

// ElicitationHandler lets the host request additional input from a connected
// client. Injecting a non-nil handler upgrades the elicitation capability flag.
type ElicitationHandler interface {
	// Elicit asks the client for input matching the requested schema.
	Elicit(ctx context.Context, message string, requestedSchema json.RawMessage) (json.RawMessage, error)
}

// Deps carries the collaborators wired into the server by Initialize. All fields
// are optional except Registry; a nil optional collaborator leaves the
// corresponding capability flag and static fallback behavior in place.
type Deps struct {
	Registry    Registry
	Prompts     PromptHandler
	Resources   ResourceHandler
	Logging     LogHandler
	Elicitation ElicitationHandler
}

// StaticPrompt pairs a prompt definition with the messages served for it when no
// PromptHandler collaborator is injected.
type StaticPrompt struct {
	Prompt
	Messages []PromptMessage
}

// StaticResource pairs a resource definition with the contents served for it
// when no ResourceHandler collaborator is injected.
type StaticResource struct {
	Resource
	Contents []ResourceContents
}

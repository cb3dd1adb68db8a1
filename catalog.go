package voltmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/invopop/jsonschema"
)

// FilterContext is the request-scoped metadata handed to the filter pipeline
// when a catalog is built. It is created once per inbound connection on the
// stdio transport and once per session on the HTTP transports.
type FilterContext struct {
	// Transport identifies which transport binding the catalog is built for.
	Transport TransportKind

	// Overrides carries optional caller-supplied values the host's filters may
	// interpret. The server itself never inspects them.
	Overrides map[string]any
}

// AgentFilter decides which agents are visible in a catalog. The returned slice
// replaces the input; a nil filter passes everything through.
type AgentFilter func(fc FilterContext, agents []Agent) []Agent

// ToolFilter decides which tools are visible in a catalog.
type ToolFilter func(fc FilterContext, tools []Tool) []Tool

// WorkflowFilter decides which workflows are visible in a catalog.
type WorkflowFilter func(fc FilterContext, workflows []Workflow) []Workflow

// Filters bundles the per-kind filter pipeline stages. Nil stages pass through.
type Filters struct {
	Agents    AgentFilter
	Tools     ToolFilter
	Workflows WorkflowFilter
}

type origin string

const (
	originTool           origin = "tool"
	originAgent          origin = "agent"
	originWorkflow       origin = "workflow"
	originWorkflowResume origin = "workflow-resume"
)

// callableEntry is one externally invocable unit in a catalog snapshot. Entries
// are never mutated after construction and are owned exclusively by the
// dispatcher that built them.
type callableEntry struct {
	name    string
	origin  origin
	def     ToolDefinition
	execute func(ctx context.Context, args json.RawMessage) (any, error)
}

// catalog is the full set of callable entries visible to one connection or
// session. Immutable once built, so it requires no synchronization.
type catalog struct {
	entries map[string]*callableEntry
	order   []string
}

func (c *catalog) lookup(name string) (*callableEntry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

func (c *catalog) definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(c.order))
	for _, name := range c.order {
		defs = append(defs, c.entries[name].def)
	}
	return defs
}

func (c *catalog) add(e *callableEntry) {
	c.entries[e.name] = e
	c.order = append(c.order, e.name)
}

// catalogBuilder merges configured and dynamically registered callables into a
// flat, name-collision-free catalog. One builder instance is shared by all
// transports; build itself is stateless.
type catalogBuilder struct {
	registry  Registry
	agents    []Agent
	workflows []Workflow
	tools     []Tool
	filters   Filters
	logger    *slog.Logger
}

// build assembles a fresh catalog snapshot for the given filter context. Errors
// from the registry collaborator propagate unchanged and are fatal to catalog
// construction for this request; an empty merged set yields an empty catalog.
func (b *catalogBuilder) build(fc FilterContext) (*catalog, error) {
	agents, workflows, tools, err := b.merged()
	if err != nil {
		return nil, err
	}

	if b.filters.Agents != nil {
		agents = b.filters.Agents(fc, agents)
	}
	if b.filters.Workflows != nil {
		workflows = b.filters.Workflows(fc, workflows)
	}
	if b.filters.Tools != nil {
		tools = b.filters.Tools(fc, tools)
	}

	c := &catalog{entries: make(map[string]*callableEntry)}

	for _, agent := range agents {
		c.add(agentEntry(agent, c.assignName("agent_"+identityOf(agent.ID(), agent.Name()), "agent")))
	}
	for _, wf := range workflows {
		key := identityOf(wf.ID(), wf.Name())
		c.add(workflowRunEntry(wf, c.assignName("workflow_"+key, "workflow")))
		c.add(workflowResumeEntry(wf, c.assignName("workflow_"+key+"_resume", "workflow_resume")))
	}
	for _, tool := range tools {
		c.add(toolEntry(tool, c.assignName(tool.Name(), "voltagent_tool")))
	}

	b.logger.Debug("catalog built",
		slog.String("transport", string(fc.Transport)),
		slog.Int("entries", len(c.order)))

	return c, nil
}

// merged combines dynamic and static callables by a stable identity key,
// preferring the first-seen entry on conflict. Dynamic entries are merged first.
func (b *catalogBuilder) merged() ([]Agent, []Workflow, []Tool, error) {
	var (
		dynAgents    []Agent
		dynWorkflows []Workflow
		dynTools     []Tool
		err          error
	)
	if b.registry != nil {
		if dynAgents, err = b.registry.AllAgents(); err != nil {
			return nil, nil, nil, fmt.Errorf("list registered agents: %w", err)
		}
		if dynWorkflows, err = b.registry.AllWorkflows(); err != nil {
			return nil, nil, nil, fmt.Errorf("list registered workflows: %w", err)
		}
		if dynTools, err = b.registry.AllTools(); err != nil {
			return nil, nil, nil, fmt.Errorf("list registered tools: %w", err)
		}
	}

	agents := make([]Agent, 0, len(dynAgents)+len(b.agents))
	seen := make(map[string]struct{})
	// Concat instead of append: appending the static entries to the registry's
	// return value could write into its backing array's spare capacity.
	for _, a := range slices.Concat(dynAgents, b.agents) {
		key := identityOf(a.ID(), a.Name())
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		agents = append(agents, a)
	}

	workflows := make([]Workflow, 0, len(dynWorkflows)+len(b.workflows))
	seen = make(map[string]struct{})
	for _, w := range slices.Concat(dynWorkflows, b.workflows) {
		key := identityOf(w.ID(), w.Name())
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		workflows = append(workflows, w)
	}

	tools := make([]Tool, 0, len(dynTools)+len(b.tools))
	seen = make(map[string]struct{})
	for _, t := range slices.Concat(dynTools, b.tools) {
		if _, ok := seen[t.Name()]; ok {
			continue
		}
		seen[t.Name()] = struct{}{}
		tools = append(tools, t)
	}

	return agents, workflows, tools, nil
}

func identityOf(id, name string) string {
	if id != "" {
		return id
	}
	return name
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// assignName sanitizes base and resolves collisions within this snapshot by
// appending an incrementing counter until the name is unique.
func (c *catalog) assignName(base, fallback string) string {
	name := invalidNameChars.ReplaceAllString(base, "_")
	if name == "" {
		name = fallback
	}
	if _, taken := c.entries[name]; !taken {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if _, taken := c.entries[candidate]; !taken {
			return candidate
		}
	}
}

type agentCallArgs struct {
	Message string `json:"message" jsonschema:"required" jsonschema_description:"Message to send to the agent"`
}

type workflowRunArgs struct {
	Input any `json:"input,omitempty" jsonschema_description:"Input payload handed to the workflow"`
}

type workflowResumeArgs struct {
	ExecutionID string `json:"executionId" jsonschema:"required" jsonschema_description:"Identifier of the suspended workflow execution"`
	ResumeData  any    `json:"resumeData,omitempty" jsonschema_description:"Data handed to the suspended step"`
	StepID      string `json:"stepId,omitempty" jsonschema_description:"Identifier of the step to resume from"`
}

// Synthesized input schemas are reflected once; entries share the raw bytes.
var (
	agentArgsSchema          = reflectSchema(agentCallArgs{})
	workflowRunArgsSchema    = reflectSchema(workflowRunArgs{})
	workflowResumeArgsSchema = reflectSchema(workflowResumeArgs{})
	emptyObjectSchema        = json.RawMessage(`{"type":"object"}`)
)

func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(v)
	s.Version = ""
	bs, err := json.Marshal(s)
	if err != nil {
		return emptyObjectSchema
	}
	return bs
}

func agentEntry(agent Agent, name string) *callableEntry {
	description := agent.Description()
	if description == "" {
		description = fmt.Sprintf("Generate a response from the %s agent", agent.Name())
	}
	return &callableEntry{
		name:   name,
		origin: originAgent,
		def: ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: agentArgsSchema,
		},
		execute: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in agentCallArgs
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid agent arguments: %w", err)
				}
			}
			if in.Message == "" {
				return nil, fmt.Errorf("missing required argument: message")
			}
			return agent.Generate(ctx, in.Message)
		},
	}
}

func workflowRunEntry(wf Workflow, name string) *callableEntry {
	description := wf.Description()
	if description == "" {
		description = fmt.Sprintf("Run the %s workflow", wf.Name())
	}
	return &callableEntry{
		name:   name,
		origin: originWorkflow,
		def: ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: workflowRunArgsSchema,
		},
		execute: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Input json.RawMessage `json:"input"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid workflow arguments: %w", err)
				}
			}
			return wf.Run(ctx, in.Input)
		},
	}
}

func workflowResumeEntry(wf Workflow, name string) *callableEntry {
	return &callableEntry{
		name:   name,
		origin: originWorkflowResume,
		def: ToolDefinition{
			Name:        name,
			Description: fmt.Sprintf("Resume a suspended execution of the %s workflow", wf.Name()),
			InputSchema: workflowResumeArgsSchema,
		},
		execute: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				ExecutionID string          `json:"executionId"`
				ResumeData  json.RawMessage `json:"resumeData"`
				StepID      string          `json:"stepId"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid workflow resume arguments: %w", err)
				}
			}
			if in.ExecutionID == "" {
				return nil, fmt.Errorf("missing required argument: executionId")
			}
			return wf.Resume(ctx, in.ExecutionID, in.ResumeData, in.StepID)
		},
	}
}

func toolEntry(tool Tool, name string) *callableEntry {
	schema := tool.InputSchema()
	if schema == nil {
		schema = emptyObjectSchema
	}
	return &callableEntry{
		name:   name,
		origin: originTool,
		def: ToolDefinition{
			Name:        name,
			Description: tool.Description(),
			InputSchema: schema,
		},
		execute: func(ctx context.Context, args json.RawMessage) (any, error) {
			return tool.Execute(ctx, args)
		},
	}
}

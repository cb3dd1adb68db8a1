package voltmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// dispatchState tracks the lifecycle of a dispatcher.
// uninitialized -> negotiated -> serving -> closed. Transports that negotiate
// implicitly at connect time (stdio, SSE) construct dispatchers directly in the
// negotiated state; the streamable HTTP transport negotiates explicitly via an
// initialize request.
type dispatchState int

const (
	stateUninitialized dispatchState = iota
	stateNegotiated
	stateServing
	stateClosed
)

// dispatcher is the protocol-agnostic request handler bound to one logical
// connection. It wraps an immutable catalog snapshot and routes protocol
// methods against it. It is stateless across calls except for the lifecycle
// state and the bound catalog; all mutation happens inside the invoked
// collaborators.
type dispatcher struct {
	logger *slog.Logger

	info         Info
	instructions string
	capabilities ServerCapabilities
	catalog      *catalog

	prompts    PromptHandler
	resources  ResourceHandler
	logHandler LogHandler

	staticPrompts   []StaticPrompt
	staticResources []StaticResource
	staticTemplates []ResourceTemplate

	mu    sync.Mutex
	state dispatchState
}

type dispatcherOptions struct {
	logger       *slog.Logger
	info         Info
	instructions string
	capabilities ServerCapabilities
	catalog      *catalog

	prompts    PromptHandler
	resources  ResourceHandler
	logHandler LogHandler

	staticPrompts   []StaticPrompt
	staticResources []StaticResource
	staticTemplates []ResourceTemplate

	// preNegotiated marks transports whose connect handshake stands in for the
	// explicit initialize request.
	preNegotiated bool
}

func newDispatcher(opts dispatcherOptions) *dispatcher {
	d := &dispatcher{
		logger:          opts.logger,
		info:            opts.info,
		instructions:    opts.instructions,
		capabilities:    opts.capabilities,
		catalog:         opts.catalog,
		prompts:         opts.prompts,
		resources:       opts.resources,
		logHandler:      opts.logHandler,
		staticPrompts:   opts.staticPrompts,
		staticResources: opts.staticResources,
		staticTemplates: opts.staticTemplates,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if opts.preNegotiated {
		d.state = stateNegotiated
	}
	return d
}

// Close transitions the dispatcher to its terminal state. Idempotent. No
// further routing is accepted afterwards.
func (d *dispatcher) Close() {
	d.mu.Lock()
	d.state = stateClosed
	d.mu.Unlock()
}

// Closed reports whether the dispatcher reached its terminal state.
func (d *dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateClosed
}

// Handle routes one protocol message and returns the response to send back, or
// nil when no response is due (notifications, or a closed dispatcher).
// Malformed requests and collaborator errors become protocol-level error
// results; they never close the connection. A collaborator panic is the only
// condition that closes the dispatcher.
func (d *dispatcher) Handle(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	if state == stateClosed {
		d.logger.Debug("dropping message on closed dispatcher", slog.String("method", msg.Method))
		return nil
	}

	if msg.JSONRPC != JSONRPCVersion {
		if msg.ID == "" {
			return nil
		}
		return errorResponse(msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: "invalid json-rpc version",
		})
	}

	switch msg.Method {
	case methodNotificationsInitialized, methodNotificationsCancelled:
		return nil
	case "":
		// Response from the client, nothing expects one.
		return nil
	}

	if msg.ID == "" {
		// Notification-shaped message for a request method; answering it would
		// emit a response with no id, which JSON-RPC forbids.
		d.logger.Debug("dropping id-less request", slog.String("method", msg.Method))
		return nil
	}

	switch msg.Method {
	case methodPing:
		return resultResponse(msg.ID, struct{}{})
	case methodInitialize:
		return d.handleInitialize(msg)
	}

	if state == stateUninitialized {
		return errorResponse(msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: ErrInitializationRequired.Error(),
		})
	}

	var (
		result any
		err    error
	)

	switch msg.Method {
	case MethodToolsList:
		result, err = d.listTools(msg)
	case MethodToolsCall:
		result, err = d.callTool(ctx, msg)
	case MethodPromptsList:
		result, err = d.listPrompts(ctx, msg)
	case MethodPromptsGet:
		result, err = d.getPrompt(ctx, msg)
	case MethodResourcesList:
		result, err = d.listResources(ctx, msg)
	case MethodResourcesRead:
		result, err = d.readResource(ctx, msg)
	case MethodResourcesTemplatesList:
		result, err = d.listResourceTemplates(ctx, msg)
	case MethodResourcesSubscribe:
		result, err = d.subscribeResource(ctx, msg)
	case MethodResourcesUnsubscribe:
		result, err = d.unsubscribeResource(ctx, msg)
	case MethodLoggingSetLevel:
		result, err = d.setLogLevel(msg)
	default:
		return errorResponse(msg.ID, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		})
	}

	d.mu.Lock()
	if d.state == stateNegotiated {
		d.state = stateServing
	}
	closed := d.state == stateClosed
	d.mu.Unlock()
	if closed {
		// A collaborator panicked during routing; the response is abandoned.
		return nil
	}

	if err != nil {
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: err.Error(),
			}
		}
		d.logger.Info("request failed",
			slog.String("method", msg.Method),
			slog.String("err", jsonErr.Message))
		return errorResponse(msg.ID, jsonErr)
	}

	return resultResponse(msg.ID, result)
}

func (d *dispatcher) handleInitialize(msg JSONRPCMessage) *JSONRPCMessage {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorResponse(msg.ID, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Sprintf("failed to unmarshal params: %s", err),
			})
		}
	}

	version := params.ProtocolVersion
	if !slices.Contains(supportedProtocolVersions, version) {
		return errorResponse(msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("unsupported protocol version: %q (supported: %v)", version, supportedProtocolVersions),
		})
	}

	d.mu.Lock()
	if d.state == stateUninitialized {
		d.state = stateNegotiated
	}
	d.mu.Unlock()

	d.logger.Debug("session negotiated",
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("protocolVersion", version))

	return resultResponse(msg.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities:    d.capabilities,
		ServerInfo:      d.info,
		Instructions:    d.instructions,
	})
}

func (d *dispatcher) listTools(msg JSONRPCMessage) (ListToolsResult, error) {
	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListToolsResult{}, invalidParams(err)
		}
	}
	return ListToolsResult{Tools: d.catalog.definitions()}, nil
}

func (d *dispatcher) callTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, invalidParams(err)
	}
	if params.Name == "" {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: "missing required field: name",
		}
	}

	entry, ok := d.catalog.lookup(params.Name)
	if !ok {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
		}
	}

	result, err := d.executeEntry(ctx, entry, params.Arguments)
	if err != nil {
		// Collaborator failures become error results inside the protocol
		// envelope so the connection stays usable.
		return CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: err.Error()}},
			IsError: true,
		}, nil
	}

	return toCallToolResult(result)
}

// executeEntry invokes an entry's execute contract, converting a collaborator
// panic into an error and closing the dispatcher so the owning transport tears
// the connection down without taking the process with it.
func (d *dispatcher) executeEntry(ctx context.Context, entry *callableEntry, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic during tool execution",
				slog.String("tool", entry.name),
				slog.Any("panic", r))
			d.Close()
			err = fmt.Errorf("fatal error executing %s", entry.name)
		}
	}()
	return entry.execute(ctx, args)
}

// toCallToolResult wraps a collaborator result into the protocol's envelope.
// CallToolResult values pass through; strings become text content; anything
// else is JSON-encoded into text content.
func toCallToolResult(result any) (CallToolResult, error) {
	switch v := result.(type) {
	case CallToolResult:
		return v, nil
	case *CallToolResult:
		return *v, nil
	case string:
		return CallToolResult{Content: []Content{{Type: ContentTypeText, Text: v}}}, nil
	case nil:
		return CallToolResult{Content: []Content{}}, nil
	default:
		bs, err := json.Marshal(v)
		if err != nil {
			return CallToolResult{}, JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Sprintf("failed to encode tool result: %s", err),
			}
		}
		return CallToolResult{Content: []Content{{Type: ContentTypeText, Text: string(bs)}}}, nil
	}
}

func (d *dispatcher) listPrompts(ctx context.Context, msg JSONRPCMessage) (ListPromptsResult, error) {
	var params ListPromptsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListPromptsResult{}, invalidParams(err)
		}
	}

	if d.prompts != nil && d.capabilities.Prompts != nil {
		ps, err := d.prompts.ListPrompts(ctx)
		if err != nil {
			return ListPromptsResult{}, fmt.Errorf("failed to list prompts: %w", err)
		}
		return ListPromptsResult{Prompts: ps}, nil
	}

	ps := make([]Prompt, 0, len(d.staticPrompts))
	for _, sp := range d.staticPrompts {
		ps = append(ps, sp.Prompt)
	}
	return ListPromptsResult{Prompts: ps}, nil
}

func (d *dispatcher) getPrompt(ctx context.Context, msg JSONRPCMessage) (GetPromptResult, error) {
	var params GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return GetPromptResult{}, invalidParams(err)
	}

	if d.prompts != nil && d.capabilities.Prompts != nil {
		res, err := d.prompts.GetPrompt(ctx, params.Name, params.Arguments)
		if err != nil {
			return GetPromptResult{}, fmt.Errorf("failed to get prompt: %w", err)
		}
		return res, nil
	}

	for _, sp := range d.staticPrompts {
		if sp.Name == params.Name {
			return GetPromptResult{Messages: sp.Messages, Description: sp.Description}, nil
		}
	}
	return GetPromptResult{}, JSONRPCError{
		Code:    jsonRPCInvalidParamsCode,
		Message: fmt.Sprintf("unknown prompt: %s", params.Name),
	}
}

func (d *dispatcher) listResources(ctx context.Context, msg JSONRPCMessage) (ListResourcesResult, error) {
	var params ListResourcesParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListResourcesResult{}, invalidParams(err)
		}
	}

	if d.resources != nil && d.capabilities.Resources != nil {
		rs, err := d.resources.ListResources(ctx)
		if err != nil {
			return ListResourcesResult{}, fmt.Errorf("failed to list resources: %w", err)
		}
		return ListResourcesResult{Resources: rs}, nil
	}

	rs := make([]Resource, 0, len(d.staticResources))
	for _, sr := range d.staticResources {
		rs = append(rs, sr.Resource)
	}
	return ListResourcesResult{Resources: rs}, nil
}

func (d *dispatcher) readResource(ctx context.Context, msg JSONRPCMessage) (ReadResourceResult, error) {
	var params ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return ReadResourceResult{}, invalidParams(err)
	}

	if d.resources != nil && d.capabilities.Resources != nil {
		res, err := d.resources.ReadResource(ctx, params.URI)
		if err != nil {
			return ReadResourceResult{}, fmt.Errorf("failed to read resource: %w", err)
		}
		return res, nil
	}

	for _, sr := range d.staticResources {
		if sr.URI == params.URI {
			return ReadResourceResult{Contents: sr.Contents}, nil
		}
	}
	return ReadResourceResult{}, JSONRPCError{
		Code:    jsonRPCInvalidParamsCode,
		Message: fmt.Sprintf("unknown resource: %s", params.URI),
	}
}

func (d *dispatcher) listResourceTemplates(ctx context.Context, msg JSONRPCMessage) (ListResourceTemplatesResult, error) {
	var params ListResourceTemplatesParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListResourceTemplatesResult{}, invalidParams(err)
		}
	}

	if d.resources != nil && d.capabilities.Resources != nil {
		ts, err := d.resources.ListResourceTemplates(ctx)
		if err != nil {
			return ListResourceTemplatesResult{}, fmt.Errorf("failed to list resource templates: %w", err)
		}
		return ListResourceTemplatesResult{Templates: ts}, nil
	}

	return ListResourceTemplatesResult{Templates: d.staticTemplates}, nil
}

func (d *dispatcher) subscribeResource(ctx context.Context, msg JSONRPCMessage) (struct{}, error) {
	var params SubscribeResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return struct{}{}, invalidParams(err)
	}
	if d.resources != nil && d.capabilities.Resources != nil {
		if err := d.resources.SubscribeResource(ctx, params.URI); err != nil {
			return struct{}{}, fmt.Errorf("failed to subscribe resource: %w", err)
		}
	}
	return struct{}{}, nil
}

func (d *dispatcher) unsubscribeResource(ctx context.Context, msg JSONRPCMessage) (struct{}, error) {
	var params UnsubscribeResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return struct{}{}, invalidParams(err)
	}
	if d.resources != nil && d.capabilities.Resources != nil {
		if err := d.resources.UnsubscribeResource(ctx, params.URI); err != nil {
			return struct{}{}, fmt.Errorf("failed to unsubscribe resource: %w", err)
		}
	}
	return struct{}{}, nil
}

func (d *dispatcher) setLogLevel(msg JSONRPCMessage) (struct{}, error) {
	var params SetLogLevelParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return struct{}{}, invalidParams(err)
	}
	if d.logHandler == nil || d.capabilities.Logging == nil {
		return struct{}{}, nil
	}
	if !validLogLevel(params.Level) {
		return struct{}{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("invalid log level: %s", params.Level),
		}
	}
	d.logHandler.SetLogLevel(params.Level)
	return struct{}{}, nil
}

func invalidParams(err error) JSONRPCError {
	return JSONRPCError{
		Code:    jsonRPCInvalidParamsCode,
		Message: fmt.Sprintf("failed to unmarshal params: %s", err),
	}
}

func resultResponse(id MustString, result any) *JSONRPCMessage {
	bs, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Sprintf("failed to encode result: %s", err),
		})
	}
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  bs,
	}
}

func errorResponse(id MustString, jsonErr JSONRPCError) *JSONRPCMessage {
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &jsonErr,
	}
}

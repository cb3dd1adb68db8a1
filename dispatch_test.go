package voltmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, opts dispatcherOptions) *dispatcher {
	t.Helper()
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.info == (Info{}) {
		opts.info = Info{Name: "test-server", Version: "0.0.1"}
	}
	if opts.capabilities.Tools == nil {
		opts.capabilities.Tools = &ToolsCapability{}
	}
	if opts.catalog == nil {
		c, err := newTestBuilder(nil).build(FilterContext{Transport: TransportStdio})
		require.NoError(t, err)
		opts.catalog = c
	}
	return newDispatcher(opts)
}

func request(id MustString, method string, params any) JSONRPCMessage {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			panic(err)
		}
		msg.Params = bs
	}
	return msg
}

func TestDispatcherInitialize(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{
		instructions: "use the tools politely",
	})

	resp := d.Handle(context.Background(), request("1", methodInitialize, initializeParams{
		ProtocolVersion: "2025-03-26",
		ClientInfo:      Info{Name: "test-client", Version: "1.0"},
	}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result initializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
	assert.Equal(t, "test-server", result.ServerInfo.Name)
	assert.Equal(t, "use the tools politely", result.Instructions)
	assert.NotNil(t, result.Capabilities.Tools)
}

func TestDispatcherInitializeUnsupportedVersion(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{})

	resp := d.Handle(context.Background(), request("1", methodInitialize, initializeParams{
		ProtocolVersion: "1999-01-01",
	}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonRPCInvalidParamsCode, resp.Error.Code)

	// A failed handshake leaves the dispatcher uninitialized.
	resp = d.Handle(context.Background(), request("2", MethodToolsList, nil))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonRPCInvalidRequestCode, resp.Error.Code)
}

func TestDispatcherRequiresInitialization(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{})

	resp := d.Handle(context.Background(), request("1", MethodToolsCall, CallToolParams{Name: "anything"}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonRPCInvalidRequestCode, resp.Error.Code)
	assert.Equal(t, ErrInitializationRequired.Error(), resp.Error.Message)
}

func TestDispatcherPingBeforeInitialize(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{})

	resp := d.Handle(context.Background(), request("1", methodPing, nil))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

func TestDispatcherNotificationsProduceNoResponse(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{preNegotiated: true})

	assert.Nil(t, d.Handle(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	}))
	assert.Nil(t, d.Handle(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsCancelled,
	}))
}

func TestDispatcherIDLessRequestProducesNoResponse(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{preNegotiated: true})

	// A request method sent notification-style has no id to address a
	// response to, so none may be emitted.
	assert.Nil(t, d.Handle(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodToolsList,
	}))
	assert.Nil(t, d.Handle(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodPing,
	}))

	// The same holds before initialization: no id-less error response.
	u := newTestDispatcher(t, dispatcherOptions{})
	assert.Nil(t, u.Handle(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodToolsCall,
	}))
}

func TestDispatcherListTools(t *testing.T) {
	c, err := newTestBuilder(fakeRegistry{
		agents: []Agent{fakeAgent{id: "helper", name: "Helper"}},
		tools:  []Tool{fakeTool{name: "lookup"}},
	}).build(FilterContext{Transport: TransportStdio})
	require.NoError(t, err)

	d := newTestDispatcher(t, dispatcherOptions{catalog: c, preNegotiated: true})

	resp := d.Handle(context.Background(), request("1", MethodToolsList, nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "agent_helper", result.Tools[0].Name)
	assert.Equal(t, "lookup", result.Tools[1].Name)
}

func TestDispatcherCallTool(t *testing.T) {
	c, err := newTestBuilder(fakeRegistry{
		agents: []Agent{fakeAgent{id: "echo", name: "Echo"}},
	}).build(FilterContext{Transport: TransportStdio})
	require.NoError(t, err)

	d := newTestDispatcher(t, dispatcherOptions{catalog: c, preNegotiated: true})

	resp := d.Handle(context.Background(), request("1", MethodToolsCall, CallToolParams{
		Name:      "agent_echo",
		Arguments: json.RawMessage(`{"message":"hi"}`),
	}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, ContentTypeText, result.Content[0].Type)
	assert.Equal(t, "Echo says: hi", result.Content[0].Text)
}

func TestDispatcherCallUnknownTool(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{preNegotiated: true})

	resp := d.Handle(context.Background(), request("1", MethodToolsCall, CallToolParams{Name: "missing"}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonRPCInvalidParamsCode, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "unknown tool: missing")

	// The connection stays usable after a failed call.
	resp = d.Handle(context.Background(), request("2", MethodToolsList, nil))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.False(t, d.Closed())
}

func TestDispatcherCallToolExecuteError(t *testing.T) {
	c, err := newTestBuilder(fakeRegistry{
		tools: []Tool{fakeTool{
			name: "flaky",
			execute: func(context.Context, json.RawMessage) (any, error) {
				return nil, fmt.Errorf("backend unavailable")
			},
		}},
	}).build(FilterContext{Transport: TransportStdio})
	require.NoError(t, err)

	d := newTestDispatcher(t, dispatcherOptions{catalog: c, preNegotiated: true})

	resp := d.Handle(context.Background(), request("1", MethodToolsCall, CallToolParams{Name: "flaky"}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	// Execute failures surface inside the protocol envelope, not as JSON-RPC
	// errors.
	var result CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "backend unavailable")
	assert.False(t, d.Closed())
}

func TestDispatcherCallToolPanicClosesDispatcher(t *testing.T) {
	c, err := newTestBuilder(fakeRegistry{
		tools: []Tool{fakeTool{
			name: "explosive",
			execute: func(context.Context, json.RawMessage) (any, error) {
				panic("boom")
			},
		}},
	}).build(FilterContext{Transport: TransportStdio})
	require.NoError(t, err)

	d := newTestDispatcher(t, dispatcherOptions{catalog: c, preNegotiated: true})

	resp := d.Handle(context.Background(), request("1", MethodToolsCall, CallToolParams{Name: "explosive"}))
	assert.Nil(t, resp)
	assert.True(t, d.Closed())

	// Further messages are dropped.
	assert.Nil(t, d.Handle(context.Background(), request("2", MethodToolsList, nil)))
}

func TestDispatcherCallToolResultShapes(t *testing.T) {
	c, err := newTestBuilder(fakeRegistry{
		tools: []Tool{
			fakeTool{name: "structured", execute: func(context.Context, json.RawMessage) (any, error) {
				return map[string]int{"count": 3}, nil
			}},
			fakeTool{name: "passthrough", execute: func(context.Context, json.RawMessage) (any, error) {
				return CallToolResult{Content: []Content{{Type: ContentTypeText, Text: "raw"}}}, nil
			}},
			fakeTool{name: "empty", execute: func(context.Context, json.RawMessage) (any, error) {
				return nil, nil
			}},
		},
	}).build(FilterContext{Transport: TransportStdio})
	require.NoError(t, err)

	d := newTestDispatcher(t, dispatcherOptions{catalog: c, preNegotiated: true})

	call := func(name string) CallToolResult {
		resp := d.Handle(context.Background(), request("1", MethodToolsCall, CallToolParams{Name: name}))
		require.NotNil(t, resp)
		require.Nil(t, resp.Error)
		var result CallToolResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		return result
	}

	result := call("structured")
	require.Len(t, result.Content, 1)
	assert.JSONEq(t, `{"count":3}`, result.Content[0].Text)

	result = call("passthrough")
	require.Len(t, result.Content, 1)
	assert.Equal(t, "raw", result.Content[0].Text)

	result = call("empty")
	assert.Empty(t, result.Content)
	assert.False(t, result.IsError)
}

func TestDispatcherMalformedParams(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{preNegotiated: true})

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      "1",
		Method:  MethodToolsCall,
		Params:  json.RawMessage(`{"name":42}`),
	}
	resp := d.Handle(context.Background(), msg)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonRPCInvalidParamsCode, resp.Error.Code)
	assert.False(t, d.Closed())
}

func TestDispatcherUnknownMethod(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{preNegotiated: true})

	resp := d.Handle(context.Background(), request("1", "tools/unheard-of", nil))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonRPCMethodNotFoundCode, resp.Error.Code)
}

func TestDispatcherStaticPrompts(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{
		preNegotiated: true,
		staticPrompts: []StaticPrompt{{
			Prompt: Prompt{Name: "greeting", Description: "Say hello"},
			Messages: []PromptMessage{{
				Role:    RoleAssistant,
				Content: Content{Type: ContentTypeText, Text: "Hello!"},
			}},
		}},
	})

	resp := d.Handle(context.Background(), request("1", MethodPromptsList, nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	var listResult ListPromptsResult
	require.NoError(t, json.Unmarshal(resp.Result, &listResult))
	require.Len(t, listResult.Prompts, 1)
	assert.Equal(t, "greeting", listResult.Prompts[0].Name)

	resp = d.Handle(context.Background(), request("2", MethodPromptsGet, GetPromptParams{Name: "greeting"}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	var getResult GetPromptResult
	require.NoError(t, json.Unmarshal(resp.Result, &getResult))
	require.Len(t, getResult.Messages, 1)
	assert.Equal(t, "Hello!", getResult.Messages[0].Content.Text)

	resp = d.Handle(context.Background(), request("3", MethodPromptsGet, GetPromptParams{Name: "missing"}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonRPCInvalidParamsCode, resp.Error.Code)
}

func TestDispatcherDelegatesPrompts(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{
		preNegotiated: true,
		capabilities: ServerCapabilities{
			Tools:   &ToolsCapability{},
			Prompts: &PromptsCapability{},
		},
		prompts: fakePromptHandler{prompts: []Prompt{{Name: "dynamic"}}},
		staticPrompts: []StaticPrompt{{
			Prompt: Prompt{Name: "static"},
		}},
	})

	resp := d.Handle(context.Background(), request("1", MethodPromptsList, nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	var result ListPromptsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Prompts, 1)
	assert.Equal(t, "dynamic", result.Prompts[0].Name)
}

func TestDispatcherStaticResources(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{
		preNegotiated: true,
		staticResources: []StaticResource{{
			Resource: Resource{URI: "memo://notes", Name: "notes", MimeType: "text/plain"},
			Contents: []ResourceContents{{URI: "memo://notes", Text: "remember the milk"}},
		}},
		staticTemplates: []ResourceTemplate{{
			URITemplate: "memo://{topic}",
			Name:        "memos",
		}},
	})

	resp := d.Handle(context.Background(), request("1", MethodResourcesList, nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	var listResult ListResourcesResult
	require.NoError(t, json.Unmarshal(resp.Result, &listResult))
	require.Len(t, listResult.Resources, 1)
	assert.Equal(t, "memo://notes", listResult.Resources[0].URI)

	resp = d.Handle(context.Background(), request("2", MethodResourcesRead, ReadResourceParams{URI: "memo://notes"}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	var readResult ReadResourceResult
	require.NoError(t, json.Unmarshal(resp.Result, &readResult))
	require.Len(t, readResult.Contents, 1)
	assert.Equal(t, "remember the milk", readResult.Contents[0].Text)

	resp = d.Handle(context.Background(), request("3", MethodResourcesTemplatesList, nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	var tmplResult ListResourceTemplatesResult
	require.NoError(t, json.Unmarshal(resp.Result, &tmplResult))
	require.Len(t, tmplResult.Templates, 1)
	assert.Equal(t, "memo://{topic}", tmplResult.Templates[0].URITemplate)

	resp = d.Handle(context.Background(), request("4", MethodResourcesRead, ReadResourceParams{URI: "memo://missing"}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonRPCInvalidParamsCode, resp.Error.Code)
}

func TestDispatcherResourceSubscription(t *testing.T) {
	handler := &fakeResourceHandler{
		resources: []Resource{{URI: "db://users", Name: "users"}},
	}
	d := newTestDispatcher(t, dispatcherOptions{
		preNegotiated: true,
		capabilities: ServerCapabilities{
			Tools:     &ToolsCapability{},
			Resources: &ResourcesCapability{Subscribe: true},
		},
		resources: handler,
	})

	resp := d.Handle(context.Background(), request("1", MethodResourcesSubscribe, SubscribeResourceParams{URI: "db://users"}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"db://users"}, handler.subscribed)

	resp = d.Handle(context.Background(), request("2", MethodResourcesUnsubscribe, UnsubscribeResourceParams{URI: "db://users"}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Empty(t, handler.subscribed)
}

func TestDispatcherSubscribeWithoutHandler(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{preNegotiated: true})

	// Without a resource handler subscribe succeeds as a no-op.
	resp := d.Handle(context.Background(), request("1", MethodResourcesSubscribe, SubscribeResourceParams{URI: "db://users"}))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestDispatcherSetLogLevel(t *testing.T) {
	handler := &fakeLogHandler{}
	d := newTestDispatcher(t, dispatcherOptions{
		preNegotiated: true,
		capabilities: ServerCapabilities{
			Tools:   &ToolsCapability{},
			Logging: &LoggingCapability{},
		},
		logHandler: handler,
	})

	resp := d.Handle(context.Background(), request("1", MethodLoggingSetLevel, SetLogLevelParams{Level: LogLevelWarning}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Equal(t, LogLevelWarning, handler.Level())

	resp = d.Handle(context.Background(), request("2", MethodLoggingSetLevel, SetLogLevelParams{Level: "loud"}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonRPCInvalidParamsCode, resp.Error.Code)
	assert.Equal(t, LogLevelWarning, handler.Level())
}

func TestDispatcherSetLogLevelWithoutHandler(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{preNegotiated: true})

	resp := d.Handle(context.Background(), request("1", MethodLoggingSetLevel, SetLogLevelParams{Level: LogLevelDebug}))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestDispatcherInvalidJSONRPCVersion(t *testing.T) {
	d := newTestDispatcher(t, dispatcherOptions{preNegotiated: true})

	resp := d.Handle(context.Background(), JSONRPCMessage{
		JSONRPC: "1.0",
		ID:      "1",
		Method:  MethodToolsList,
	})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonRPCInvalidRequestCode, resp.Error.Code)
}

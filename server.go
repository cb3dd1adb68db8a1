package voltmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
)

// Option represents the options for the server.
type Option func(*Server)

// Server exposes a host application's agents, tools and workflows over the MCP
// protocol. It owns the session registry shared by the stateful transports and
// supervises per-transport start/stop.
//
// Construct with New, wire collaborators with Initialize, then start transports
// individually or all at once with StartConfigured.
type Server struct {
	cfg          Config
	info         Info
	instructions string
	logger       *slog.Logger

	filters   Filters
	agents    []Agent
	workflows []Workflow
	tools     []Tool

	staticPrompts   []StaticPrompt
	staticResources []StaticResource
	staticTemplates []ResourceTemplate

	registry *sessionRegistry

	mu           sync.Mutex
	deps         Deps
	initialized  bool
	closed       bool
	capabilities ServerCapabilities
	transports   map[TransportKind]*activeTransport
	streamable   *streamableTransport
	sse          *sseTransport
}

// activeTransport tracks one running transport kind and how to stop it.
type activeTransport struct {
	stop func(ctx context.Context) error
}

// StartOptions carries per-start parameters for a transport kind. Fields that
// do not apply to the started kind are ignored.
type StartOptions struct {
	// Reader and Writer override the stdio transport's stream ends. They
	// default to os.Stdin and os.Stdout.
	Reader io.Reader
	Writer io.Writer

	// Addr overrides the configured listen address for the HTTP transports.
	Addr string

	// FilterOverrides is passed through to the filter pipeline for every
	// catalog built by the started transport.
	FilterOverrides map[string]any

	// OnSessionClosed, if set, runs after a session of the started transport is
	// torn down.
	OnSessionClosed func(sessionID string)
}

// Metadata is a point-in-time, defensively copied view of the server identity,
// capability flags, and configured callables.
type Metadata struct {
	Name         string
	Version      string
	Description  string
	Capabilities ServerCapabilities
	Transports   map[TransportKind]bool
	Agents       []string
	Workflows    []string
	Tools        []string
}

// New creates a server from the given configuration.
func New(cfg Config, options ...Option) *Server {
	cfg = cfg.normalize()
	s := &Server{
		cfg:          cfg,
		info:         Info{Name: cfg.Name, Version: cfg.Version},
		instructions: cfg.Instructions,
		logger:       slog.Default(),
		transports:   make(map[TransportKind]*activeTransport),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(
		slog.String("package", "voltmcp"),
		slog.String("component", "server"),
	)
	s.registry = newSessionRegistry(s.logger)
	s.capabilities = s.computeCapabilities()
	return s
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithInstructions sets the usage text included in initialize results,
// overriding the configured value.
func WithInstructions(instructions string) Option {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithAgents configures statically provided agents, merged with the registry's
// dynamic set at catalog-build time.
func WithAgents(agents ...Agent) Option {
	return func(s *Server) {
		s.agents = append(s.agents, agents...)
	}
}

// WithWorkflows configures statically provided workflows.
func WithWorkflows(workflows ...Workflow) Option {
	return func(s *Server) {
		s.workflows = append(s.workflows, workflows...)
	}
}

// WithTools configures statically provided tools.
func WithTools(tools ...Tool) Option {
	return func(s *Server) {
		s.tools = append(s.tools, tools...)
	}
}

// WithAgentFilter sets the agent stage of the filter pipeline.
func WithAgentFilter(f AgentFilter) Option {
	return func(s *Server) {
		s.filters.Agents = f
	}
}

// WithToolFilter sets the tool stage of the filter pipeline.
func WithToolFilter(f ToolFilter) Option {
	return func(s *Server) {
		s.filters.Tools = f
	}
}

// WithWorkflowFilter sets the workflow stage of the filter pipeline.
func WithWorkflowFilter(f WorkflowFilter) Option {
	return func(s *Server) {
		s.filters.Workflows = f
	}
}

// WithStaticPrompts configures the fallback prompt table served when no
// PromptHandler collaborator is injected.
func WithStaticPrompts(prompts ...StaticPrompt) Option {
	return func(s *Server) {
		s.staticPrompts = append(s.staticPrompts, prompts...)
	}
}

// WithStaticResources configures the fallback resource table served when no
// ResourceHandler collaborator is injected.
func WithStaticResources(resources ...StaticResource) Option {
	return func(s *Server) {
		s.staticResources = append(s.staticResources, resources...)
	}
}

// WithStaticResourceTemplates configures the fallback resource template table.
func WithStaticResourceTemplates(templates ...ResourceTemplate) Option {
	return func(s *Server) {
		s.staticTemplates = append(s.staticTemplates, templates...)
	}
}

// Initialize wires the collaborators into the server. It must be called before
// any transport is started. Capability flags are upgraded for every non-nil
// optional collaborator; flags never regress.
func (s *Server) Initialize(deps Deps) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.initialized {
		return errors.New("server already initialized")
	}

	s.deps = deps
	s.initialized = true
	s.capabilities = s.computeCapabilities()

	return nil
}

// computeCapabilities derives the advertised capability set from the declared
// configuration flags, upgraded by the presence of injected collaborators.
// Callers hold s.mu or run before the server is shared.
func (s *Server) computeCapabilities() ServerCapabilities {
	caps := ServerCapabilities{
		Tools: &ToolsCapability{},
	}
	if s.cfg.Prompts || s.deps.Prompts != nil {
		caps.Prompts = &PromptsCapability{}
	}
	if s.cfg.Resources || s.deps.Resources != nil {
		caps.Resources = &ResourcesCapability{}
		if s.deps.Resources != nil {
			caps.Resources.Subscribe = true
		}
	}
	if s.cfg.Logging || s.deps.Logging != nil {
		caps.Logging = &LoggingCapability{}
	}
	if s.cfg.Elicitation || s.deps.Elicitation != nil {
		caps.Elicitation = &ElicitationCapability{}
	}
	return caps
}

// Metadata returns a defensive copy of the server identity, capability flags
// and summaries of the configured callables. Safe to call at any time,
// including before Initialize.
func (s *Server) Metadata() Metadata {
	s.mu.Lock()
	caps := s.capabilities
	s.mu.Unlock()

	md := Metadata{
		Name:         s.info.Name,
		Version:      s.info.Version,
		Description:  s.cfg.Description,
		Capabilities: caps,
		Transports: map[TransportKind]bool{
			TransportStdio:      s.cfg.Stdio,
			TransportStreamable: s.cfg.Streamable,
			TransportSSE:        s.cfg.SSE,
		},
	}

	agents, workflows, tools, err := s.builder().merged()
	if err != nil {
		// Summaries are best-effort; identity and flags are still valid.
		s.logger.Warn("failed to summarize registry contents", slog.String("err", err.Error()))
	}
	for _, a := range agents {
		md.Agents = append(md.Agents, a.Name())
	}
	for _, w := range workflows {
		md.Workflows = append(md.Workflows, w.Name())
	}
	for _, t := range tools {
		md.Tools = append(md.Tools, t.Name())
	}
	return md
}

// ListTools builds a catalog snapshot for direct host-side use and returns the
// definitions of every callable entry, bypassing the transport layer.
func (s *Server) ListTools(_ context.Context, overrides map[string]any) ([]ToolDefinition, error) {
	c, err := s.buildCatalog(FilterContext{Transport: TransportInProcess, Overrides: overrides})
	if err != nil {
		return nil, err
	}
	return c.definitions(), nil
}

// ExecuteTool invokes one callable entry by name against a fresh catalog
// snapshot, bypassing the transport layer.
func (s *Server) ExecuteTool(ctx context.Context, name string, args json.RawMessage, overrides map[string]any) (CallToolResult, error) {
	c, err := s.buildCatalog(FilterContext{Transport: TransportInProcess, Overrides: overrides})
	if err != nil {
		return CallToolResult{}, err
	}
	entry, ok := c.lookup(name)
	if !ok {
		return CallToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	result, err := entry.execute(ctx, args)
	if err != nil {
		return CallToolResult{}, err
	}
	return toCallToolResult(result)
}

func (s *Server) builder() *catalogBuilder {
	s.mu.Lock()
	registry := s.deps.Registry
	s.mu.Unlock()

	return &catalogBuilder{
		registry:  registry,
		agents:    s.agents,
		workflows: s.workflows,
		tools:     s.tools,
		filters:   s.filters,
		logger:    s.logger,
	}
}

func (s *Server) buildCatalog(fc FilterContext) (*catalog, error) {
	return s.builder().build(fc)
}

// dispatcherFactory returns the constructor the transport adapters use to bind
// a dispatcher to a fresh catalog snapshot.
func (s *Server) dispatcherFactory(preNegotiated bool) func(fc FilterContext) (*dispatcher, error) {
	return func(fc FilterContext) (*dispatcher, error) {
		c, err := s.buildCatalog(fc)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		deps := s.deps
		caps := s.capabilities
		s.mu.Unlock()

		return newDispatcher(dispatcherOptions{
			logger:          s.logger.With(slog.String("transport", string(fc.Transport))),
			info:            s.info,
			instructions:    s.instructions,
			capabilities:    caps,
			catalog:         c,
			prompts:         deps.Prompts,
			resources:       deps.Resources,
			logHandler:      deps.Logging,
			staticPrompts:   s.staticPrompts,
			staticResources: s.staticResources,
			staticTemplates: s.staticTemplates,
			preNegotiated:   preNegotiated,
		}), nil
	}
}

// StreamableHandler returns the http.Handler for the streamable HTTP transport
// so the host can mount it into its own HTTP server. The handler is shared with
// the self-managed listener started by Start.
func (s *Server) StreamableHandler() http.Handler {
	return s.streamableTransport()
}

// SSEHandler returns the http.Handler that establishes SSE event streams.
func (s *Server) SSEHandler() http.Handler {
	return s.sseTransport().handleSSE()
}

// SSEMessageHandler returns the http.Handler for the SSE POST side channel.
func (s *Server) SSEMessageHandler() http.Handler {
	return s.sseTransport().handleMessage()
}

// BindSSEBridge registers an externally bridged SSE session under the given id.
// closeBridge controls whether session teardown also closes the bridge.
func (s *Server) BindSSEBridge(sessionID string, bridge SSEBridge, closeBridge bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	s.mu.Unlock()

	return s.sseTransport().bindBridge(sessionID, bridge, closeBridge)
}

// CloseSession tears down one session by id. Removing an unknown or
// already-removed id is a no-op.
func (s *Server) CloseSession(sessionID string) {
	s.registry.remove(sessionID)
}

func (s *Server) streamableTransport() *streamableTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamable == nil {
		s.streamable = newStreamableTransport(
			s.registry,
			s.dispatcherFactory(false),
			s.logger.With(slog.String("component", "streamable")),
		)
	}
	return s.streamable
}

func (s *Server) sseTransport() *sseTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sse == nil {
		s.sse = newSSETransport(
			s.registry,
			s.dispatcherFactory(true),
			s.cfg.SSEMessagePath,
			s.logger.With(slog.String("component", "sse")),
		)
	}
	return s.sse
}

// StartConfigured starts every transport enabled in the configuration. The
// enabled kinds start concurrently; failures are aggregated rather than
// failing fast, so one misconfigured transport does not prevent the others
// from starting.
func (s *Server) StartConfigured(ctx context.Context, opts StartOptions) error {
	var kinds []TransportKind
	if s.cfg.Stdio {
		kinds = append(kinds, TransportStdio)
	}
	if s.cfg.Streamable {
		kinds = append(kinds, TransportStreamable)
	}
	if s.cfg.SSE {
		kinds = append(kinds, TransportSSE)
	}

	errs := make([]error, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Start(ctx, kind, opts); err != nil {
				errs[i] = fmt.Errorf("start %s transport: %w", kind, err)
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Start brings one transport kind up. Starting an already-running transport of
// the same kind is a no-op.
func (s *Server) Start(ctx context.Context, kind TransportKind, opts StartOptions) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if _, running := s.transports[kind]; running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var (
		stop func(ctx context.Context) error
		err  error
	)
	switch kind {
	case TransportStdio:
		stop, err = s.startStdio(opts)
	case TransportStreamable:
		stop, err = s.startStreamable(opts)
	case TransportSSE:
		stop, err = s.startSSE(opts)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTransport, kind)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, running := s.transports[kind]; running {
		// Lost the race against a concurrent Start for the same kind.
		s.mu.Unlock()
		_ = stop(context.Background())
		return nil
	}
	s.transports[kind] = &activeTransport{stop: stop}
	s.mu.Unlock()

	s.logger.Info("transport started", slog.String("transport", string(kind)))
	return nil
}

func (s *Server) startStdio(opts StartOptions) (func(ctx context.Context) error, error) {
	reader := opts.Reader
	if reader == nil {
		reader = os.Stdin
	}
	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}

	// The stdio transport binds exactly one dispatcher for its lifetime; the
	// catalog is built once at bind time.
	disp, err := s.dispatcherFactory(true)(FilterContext{
		Transport: TransportStdio,
		Overrides: opts.FilterOverrides,
	})
	if err != nil {
		return nil, err
	}

	t := newStdioTransport(reader, writer, disp, s.logger.With(slog.String("component", "stdio")))
	go t.run()

	return t.stop, nil
}

func (s *Server) startStreamable(opts StartOptions) (func(ctx context.Context) error, error) {
	t := s.streamableTransport()
	t.configure(opts.FilterOverrides, opts.OnSessionClosed)

	addr := opts.Addr
	if addr == "" {
		addr = s.cfg.StreamableAddr
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.StreamablePath, t)

	stop, err := s.serveHTTP(addr, mux)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		defer s.registry.removeKind(TransportStreamable)
		return stop(ctx)
	}, nil
}

func (s *Server) startSSE(opts StartOptions) (func(ctx context.Context) error, error) {
	t := s.sseTransport()
	t.setOverrides(opts.FilterOverrides)

	addr := opts.Addr
	if addr == "" {
		addr = s.cfg.SSEAddr
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.SSEPath, t.handleSSE())
	mux.Handle(s.cfg.SSEMessagePath, t.handleMessage())

	stop, err := s.serveHTTP(addr, mux)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		defer s.registry.removeKind(TransportSSE)
		return stop(ctx)
	}, nil
}

// serveHTTP starts a self-managed listener. Listening happens synchronously so
// configuration errors (bad address, port in use) surface to the caller.
func (s *Server) serveHTTP(addr string, handler http.Handler) (func(ctx context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: handler}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server exited", slog.String("err", err.Error()))
		}
	}()

	return srv.Shutdown, nil
}

// Stop brings one transport kind down and tears down its sessions. Stop is
// best-effort: failures from the underlying transport are logged, not raised,
// so shutting down one transport can never block shutdown of the others. Only
// an unknown transport kind is reported as an error.
func (s *Server) Stop(ctx context.Context, kind TransportKind) error {
	switch kind {
	case TransportStdio, TransportStreamable, TransportSSE:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTransport, kind)
	}

	s.mu.Lock()
	t, running := s.transports[kind]
	delete(s.transports, kind)
	s.mu.Unlock()

	if !running {
		// Bridged sessions can exist without a running listener.
		s.registry.removeKind(kind)
		return nil
	}

	if err := t.stop(ctx); err != nil {
		s.logger.Warn("failed to stop transport",
			slog.String("transport", string(kind)),
			slog.String("err", err.Error()))
	}
	s.registry.removeKind(kind)

	s.logger.Info("transport stopped", slog.String("transport", string(kind)))
	return nil
}

// Running reports whether a transport kind is currently started.
func (s *Server) Running(kind TransportKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.transports[kind]
	return running
}

// Close stops every transport, closes every open session, and releases every
// held connection. Safe to call more than once and even if no transport was
// ever started; a second call is a no-op.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, kind := range []TransportKind{TransportStdio, TransportStreamable, TransportSSE} {
		if err := s.Stop(ctx, kind); err != nil {
			s.logger.Warn("failed to stop transport during close",
				slog.String("transport", string(kind)),
				slog.String("err", err.Error()))
		}
	}

	s.registry.removeAll()
	s.logger.Info("server closed")
	return nil
}

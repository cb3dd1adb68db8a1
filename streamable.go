package voltmcp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
)

// mcpSessionIDHeader carries the opaque session token the client must echo on
// every request after a successful initialize.
const mcpSessionIDHeader = "Mcp-Session-Id"

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	acceptedMedias = []contenttype.MediaType{jsonMediaType}
)

// streamableTransport terminates the per-request HTTP binding. Requests are
// stateless except that a successful initialize establishes a session id which
// routes every subsequent request to the dispatcher bound at handshake time.
type streamableTransport struct {
	logger   *slog.Logger
	registry *sessionRegistry

	// newDispatcher builds a dispatcher against a fresh catalog snapshot for
	// the given filter context.
	newDispatcher func(fc FilterContext) (*dispatcher, error)

	// mu guards the start-time configuration below. The handler may already be
	// mounted in a host HTTP server and serving when Start configures it.
	mu              sync.Mutex
	overrides       map[string]any
	onSessionClosed func(sessionID string)
}

func newStreamableTransport(
	registry *sessionRegistry,
	newDispatcher func(fc FilterContext) (*dispatcher, error),
	logger *slog.Logger,
) *streamableTransport {
	return &streamableTransport{
		logger:        logger,
		registry:      registry,
		newDispatcher: newDispatcher,
	}
}

// configure sets the per-start session options. Safe to call while the handler
// is serving; sessions initialized afterwards observe the new values.
func (t *streamableTransport) configure(overrides map[string]any, onClosed func(sessionID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides = overrides
	t.onSessionClosed = onClosed
}

func (t *streamableTransport) sessionConfig() (map[string]any, func(sessionID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overrides, t.onSessionClosed
}

func (t *streamableTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (t *streamableTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, acceptedMedias); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow application/json")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "batch requests are not supported")
		return
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		t.handleInitialize(w, r, msg)
		return
	}

	entry, ok := t.registry.lookupKind(sessID, TransportStreamable)
	if !ok {
		writeJSONError(w, http.StatusNotFound, ErrSessionNotFound.Error())
		return
	}

	resp := entry.dispatcher.Handle(r.Context(), msg)
	if resp == nil {
		// Notification: nothing to send back.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set(mcpSessionIDHeader, sessID)
	writeJSONResponse(w, resp)
}

// handleInitialize serves the one request shape allowed without a session id.
// A valid initialize creates a dispatcher bound to a fresh catalog, registers
// it under a server-generated id, and returns that id in the response header.
func (t *streamableTransport) handleInitialize(w http.ResponseWriter, r *http.Request, msg JSONRPCMessage) {
	if msg.Method != methodInitialize {
		writeJSONError(w, http.StatusBadRequest, ErrInitializationRequired.Error())
		return
	}

	overrides, onClosed := t.sessionConfig()

	disp, err := t.newDispatcher(FilterContext{
		Transport: TransportStreamable,
		Overrides: overrides,
	})
	if err != nil {
		t.logger.Error("failed to build session dispatcher", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		return
	}

	resp := disp.Handle(r.Context(), msg)
	if resp == nil || resp.Error != nil {
		// Handshake rejected; no session comes into existence.
		if resp != nil {
			writeJSONResponse(w, resp)
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid initialize request")
		return
	}

	sessID := uuid.NewString()
	entry := &sessionEntry{
		id:         sessID,
		kind:       TransportStreamable,
		dispatcher: disp,
		onClosed:   onClosed,
	}
	if err := t.registry.register(entry); err != nil {
		t.logger.Error("failed to register session", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		return
	}

	t.logger.Debug("session initialized", slog.String("sessionID", sessID))

	w.Header().Set(mcpSessionIDHeader, sessID)
	writeJSONResponse(w, resp)
}

func (t *streamableTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
		return
	}
	if !t.registry.removeOfKind(sessID, TransportStreamable) {
		writeJSONError(w, http.StatusNotFound, ErrSessionNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSONResponse(w http.ResponseWriter, msg *JSONRPCMessage) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(msg)
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. This is transport-level, not JSON-RPC framing.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

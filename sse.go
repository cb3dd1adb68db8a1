package voltmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEBridge drives the event-stream half of an externally bridged SSE session.
// The adapter routes messages to a bridged session exactly as it does for an
// owned one, but never closes the bridge on teardown unless the session was
// registered as owning it.
type SSEBridge interface {
	// Send delivers one server-to-client message over the bridge.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Close releases the bridge. Only called by the adapter for sessions
	// registered as owning their connection.
	Close() error
}

// sseTransport terminates the legacy event-stream transport: one long-lived
// outbound SSE stream per session paired with an inbound HTTP POST side
// channel, correlated by a sessionID query parameter.
type sseTransport struct {
	logger   *slog.Logger
	registry *sessionRegistry

	newDispatcher func(fc FilterContext) (*dispatcher, error)

	// messageURL is the endpoint advertised to clients for the side channel.
	messageURL string

	// mu guards overrides. The handlers may already be mounted in a host HTTP
	// server and serving when Start configures the transport.
	mu        sync.Mutex
	overrides map[string]any
}

func newSSETransport(
	registry *sessionRegistry,
	newDispatcher func(fc FilterContext) (*dispatcher, error),
	messageURL string,
	logger *slog.Logger,
) *sseTransport {
	return &sseTransport{
		logger:        logger,
		registry:      registry,
		newDispatcher: newDispatcher,
		messageURL:    messageURL,
	}
}

// setOverrides sets the per-start filter overrides. Safe to call while the
// handlers are serving; sessions established afterwards observe the new values.
func (t *sseTransport) setOverrides(overrides map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides = overrides
}

func (t *sseTransport) sessionOverrides() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overrides
}

// handleSSE returns an http.Handler for establishing SSE connections over GET
// requests. The session's dispatcher and catalog are built immediately at
// stream-open time, not deferred to the first message. The connection remains
// open until the client disconnects or the session is removed.
func (t *sseTransport) handleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			t.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		disp, err := t.newDispatcher(FilterContext{
			Transport: TransportSSE,
			Overrides: t.sessionOverrides(),
		})
		if err != nil {
			t.logger.Error("failed to build session dispatcher", slog.String("err", err.Error()))
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}

		sessID := uuid.NewString()
		conn := newSSEConn(sessID, sess, t.logger)

		entry := &sessionEntry{
			id:             sessID,
			kind:           TransportSSE,
			dispatcher:     disp,
			send:           conn.Send,
			ownsConnection: true,
			closeConn:      conn.Close,
		}
		if err := t.registry.register(entry); err != nil {
			t.logger.Error("failed to register session", slog.String("err", err.Error()))
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}

		// Tell the client where to POST side-channel messages for this session.
		endpoint := fmt.Sprintf("%s?sessionID=%s", t.messageURL, sessID)
		msg := sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData(endpoint)
		if err := conn.sendRaw(&msg); err != nil {
			t.logger.Error("failed to write SSE endpoint", slog.String("err", err.Error()))
			t.registry.remove(sessID)
			return
		}

		t.logger.Debug("sse session established", slog.String("sessionID", sessID))

		// Block so the connection stays open until teardown.
		select {
		case <-r.Context().Done():
			t.registry.remove(sessID)
		case <-conn.done:
		}
	})
}

// handleMessage returns an http.Handler for the POST side channel. Messages are
// routed to the dispatcher registered under the sessionID query parameter;
// responses travel back over the session's event stream.
func (t *sseTransport) handleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			writeJSONError(w, http.StatusBadRequest, "missing sessionID query parameter")
			return
		}

		entry, ok := t.registry.lookupKind(sessID, TransportSSE)
		if !ok {
			writeJSONError(w, http.StatusNotFound, ErrUnknownSession.Error())
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to decode message")
			return
		}

		// Dispatch runs detached from the POST request so a slow execute call
		// does not hold the side channel open. Responses for sessions removed
		// in the meantime are dropped by the entry's send.
		go func() {
			resp := entry.dispatcher.Handle(context.Background(), msg)
			if resp == nil {
				return
			}
			if err := entry.send(context.Background(), *resp); err != nil {
				t.logger.Debug("dropping response for closed session",
					slog.String("sessionID", sessID),
					slog.String("err", err.Error()))
			}
		}()

		w.WriteHeader(http.StatusAccepted)
	})
}

// bindBridge registers an externally bridged session under the given id. The
// dispatcher and catalog are built immediately, mirroring stream-open time for
// owned connections. closeBridge controls whether teardown closes the bridge.
func (t *sseTransport) bindBridge(sessID string, bridge SSEBridge, closeBridge bool) error {
	disp, err := t.newDispatcher(FilterContext{
		Transport: TransportSSE,
		Overrides: t.sessionOverrides(),
	})
	if err != nil {
		return err
	}

	return t.registry.register(&sessionEntry{
		id:             sessID,
		kind:           TransportSSE,
		dispatcher:     disp,
		send:           bridge.Send,
		ownsConnection: closeBridge,
		closeConn:      bridge.Close,
		external:       true,
	})
}

// sseConn wraps an owned *sse.Session. Sends are serialized with a mutex since
// the underlying session is not safe for concurrent writes.
type sseConn struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newSSEConn(id string, sess *sse.Session, logger *slog.Logger) *sseConn {
	return &sseConn{
		id:     id,
		sess:   sess,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (c *sseConn) Send(_ context.Context, msg JSONRPCMessage) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{Type: sse.Type("message")}
	sseMsg.AppendData(string(bs))

	return c.sendRaw(sseMsg)
}

func (c *sseConn) sendRaw(msg *sse.Message) error {
	select {
	case <-c.done:
		return fmt.Errorf("session %s is closed", c.id)
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := c.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

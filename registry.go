package voltmcp

import (
	"context"
	"log/slog"
	"sync"
)

// sessionEntry binds an opaque session id to its transport handle and
// dispatcher. Entries are created on successful handshake and removed exactly
// once; an id never comes back after removal.
type sessionEntry struct {
	id   string
	kind TransportKind

	dispatcher *dispatcher

	// send delivers a server-to-client message for transports with an outbound
	// channel separate from the request (SSE). Nil for the streamable transport,
	// where responses ride the HTTP response itself.
	send func(ctx context.Context, msg JSONRPCMessage) error

	// ownsConnection reports whether teardown should close the underlying
	// connection. Bridged SSE sessions set this false so the adapter never
	// closes a connection it does not own.
	ownsConnection bool
	closeConn      func() error

	// external marks sessions whose event-stream half is driven by an injected
	// bridge rather than an owned connection.
	external bool

	// onClosed, when set, runs after teardown completes.
	onClosed func(id string)
}

// sessionRegistry maps session ids to their entries for the stateful
// transports. It is the one structure mutated from multiple connection-handling
// goroutines; a single mutex guards the map. Removal is idempotent: of any
// number of concurrent removals for the same id, exactly one performs the
// teardown side effects and the rest observe the entry is already gone.
type sessionRegistry struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

func newSessionRegistry(logger *slog.Logger) *sessionRegistry {
	return &sessionRegistry{
		logger:  logger,
		entries: make(map[string]*sessionEntry),
	}
}

func (r *sessionRegistry) register(e *sessionEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.id]; ok {
		return ErrSessionExists
	}
	r.entries[e.id] = e
	return nil
}

func (r *sessionRegistry) lookup(id string) (*sessionEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// lookupKind resolves an id only within one transport's sessions. Ids are
// scoped to the transport that minted them; an id presented to a different
// transport does not resolve.
func (r *sessionRegistry) lookupKind(id string, kind TransportKind) (*sessionEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.kind != kind {
		return nil, false
	}
	return e, true
}

// removeOfKind removes an entry only when it belongs to the given transport,
// with the same exactly-once teardown semantics as remove.
func (r *sessionRegistry) removeOfKind(id string, kind TransportKind) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && e.kind != kind {
		r.mu.Unlock()
		return false
	}
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.teardown(e)
	return true
}

// remove deletes the entry and performs its teardown side effects. Removing an
// absent or already-removed id is a no-op. Returns whether this call performed
// the teardown.
func (r *sessionRegistry) remove(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.teardown(e)
	return true
}

// removeKind tears down every session belonging to one transport kind.
func (r *sessionRegistry) removeKind(kind TransportKind) {
	r.mu.Lock()
	var removed []*sessionEntry
	for id, e := range r.entries {
		if e.kind == kind {
			removed = append(removed, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range removed {
		r.teardown(e)
	}
}

// removeAll tears down every session.
func (r *sessionRegistry) removeAll() {
	r.mu.Lock()
	removed := make([]*sessionEntry, 0, len(r.entries))
	for id, e := range r.entries {
		removed = append(removed, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, e := range removed {
		r.teardown(e)
	}
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// teardown releases a removed entry: the dispatcher first, so no request can be
// routed to a half-torn-down session, then the connection if owned.
func (r *sessionRegistry) teardown(e *sessionEntry) {
	e.dispatcher.Close()

	if e.ownsConnection && e.closeConn != nil {
		if err := e.closeConn(); err != nil {
			r.logger.Warn("failed to close session connection",
				slog.String("sessionID", e.id),
				slog.String("err", err.Error()))
		}
	}

	if e.onClosed != nil {
		e.onClosed(e.id)
	}

	r.logger.Debug("session removed",
		slog.String("sessionID", e.id),
		slog.String("transport", string(e.kind)))
}

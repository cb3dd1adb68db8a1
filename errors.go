package voltmcp

import "errors"

var (
	// ErrNotInitialized is returned when a transport is started before
	// Server.Initialize has wired the collaborators.
	ErrNotInitialized = errors.New("server dependencies not initialized")

	// ErrServerClosed is returned when an operation is attempted on a server
	// that has been closed.
	ErrServerClosed = errors.New("server closed")

	// ErrUnknownTransport is returned when an unrecognized transport kind is
	// requested from the lifecycle surface.
	ErrUnknownTransport = errors.New("unknown transport kind")

	// ErrUnknownTool is returned by ExecuteTool when no callable entry with the
	// requested name exists in the catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInitializationRequired is returned by the streamable HTTP transport
	// when a request without a session id is not an initialize request.
	ErrInitializationRequired = errors.New("initialization required")

	// ErrSessionNotFound is returned by the streamable HTTP transport when a
	// request carries a session id with no active session.
	ErrSessionNotFound = errors.New("no active session for id")

	// ErrUnknownSession is returned by the SSE transport when a side-channel
	// message carries an unrecognized session id.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionExists is returned when registering a session under an id that
	// is already active.
	ErrSessionExists = errors.New("session id already registered")
)

package voltmcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// stdioTransport terminates a single long-lived byte stream carrying
// newline-delimited JSON-RPC messages. Exactly one dispatcher is bound for the
// adapter's lifetime; capability negotiation happens implicitly at bind time,
// and dispatch is synchronous per connection so responses are emitted in
// request order.
type stdioTransport struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	disp *dispatcher

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed chan struct{}
}

func newStdioTransport(reader io.Reader, writer io.Writer, disp *dispatcher, logger *slog.Logger) *stdioTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &stdioTransport{
		reader: reader,
		writer: writer,
		logger: logger,
		disp:   disp,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// run processes the stream until EOF, a read error, or stop. It is meant to be
// called on its own goroutine.
func (t *stdioTransport) run() {
	defer close(t.closed)
	defer t.cancel()

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(t.reader)
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		lines := make(chan lineWithErr, 1)

		// Reads happen on their own goroutine so a pending read never keeps the
		// transport from observing stop.
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				lines <- lineWithErr{err: err}
				return
			}
			lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
		}()

		var lwe lineWithErr
		select {
		case <-t.done:
			return
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if !errors.Is(lwe.err, io.EOF) {
				t.logger.Error("failed to read message", slog.String("err", lwe.err.Error()))
			}
			return
		}

		if lwe.line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
			t.logger.Warn("failed to unmarshal message", slog.String("err", err.Error()))
			t.write(errorResponse("", JSONRPCError{
				Code:    jsonRPCParseErrorCode,
				Message: "invalid json",
			}))
			continue
		}

		if resp := t.disp.Handle(t.ctx, msg); resp != nil {
			t.write(resp)
		}

		if t.disp.Closed() {
			return
		}
	}
}

func (t *stdioTransport) write(msg *JSONRPCMessage) {
	bs, err := json.Marshal(msg)
	if err != nil {
		t.logger.Error("failed to marshal response", slog.String("err", err.Error()))
		return
	}
	// Append newline to maintain message framing protocol
	bs = append(bs, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(bs); err != nil {
		t.logger.Error("failed to write response", slog.String("err", err.Error()))
	}
}

// stop closes the stream-side loop and the bound dispatcher. In-flight dispatch
// is not forcibly cancelled beyond context cancellation; stop returns once the
// loop exits or ctx expires.
func (t *stdioTransport) stop(ctx context.Context) error {
	close(t.done)
	t.cancel()
	t.disp.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return nil
	}
}

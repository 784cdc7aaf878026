package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer for MCP communication using
// newline-delimited JSON-RPC messages over stdin/stdout or similar io.Reader/io.Writer pairs.
// It provides a single persistent session and handles bidirectional message passing through
// internal channels.
//
// The writer receives nothing but JSON-RPC messages, one per line, written by a single goroutine.
// Diagnostics go to the configured logger, which must not write to the same stream.
//
// Malformed input lines never end the session. When the id of a broken request can be recovered,
// a parse error is sent back for it, otherwise the line is logged and dropped.
type StdIO struct {
	sess   stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id          string
	reader      io.Reader
	writer      io.Writer
	logger      *slog.Logger
	maxLineSize int

	writeMessages chan stdIOMessage
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type stdIOLine struct {
	line    []byte
	tooLong bool
	err     error
}

const defaultStdIOMaxLineSize = 4 << 20

var errSessionClosed = errors.New("session is closed")

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
// The instance is initialized with default logging and required internal communication
// channels.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess: stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			maxLineSize:   defaultStdIOMaxLineSize,
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			readClosed:    make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "stdio"),
		)
	}
}

// WithStdIOMaxLineSize sets the largest input line accepted as a message. Longer lines are
// answered with a parse error when their id can be recovered, and skipped otherwise.
func WithStdIOMaxLineSize(size int) StdIOOption {
	return func(s *StdIO) {
		if size > 0 {
			s.sess.maxLineSize = size
		}
	}
}

// Sessions implements the ServerTransport interface by providing an iterator that yields
// a single persistent session. This session remains active throughout the lifetime of
// the StdIO instance.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		// StdIO only supports a single session, so we yield it and wait until it's done.
		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the session loop to end.
func (s StdIO) Shutdown(ctx context.Context) error {
	// Wait for Sessions loop to breaks.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

func (s stdIOSession) ID() string {
	return s.id
}

func (s stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so only the writer goroutine touches the output stream.
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to queue message: %w", ctx.Err())
	case <-s.done:
		return errSessionClosed
	case s.writeMessages <- ioMsg:
	}

	// Wait for the resulting error channel to receive the error.
	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for write result: %w", ctx.Err())
	case <-s.done:
		return errSessionClosed
	}
}

func (s stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.readClosed)

		lines := make(chan stdIOLine)

		// The reader goroutine may stay blocked in Read after the session is stopped. It exits on
		// the next line or when the reader is closed.
		go s.readLines(lines)

		for {
			var l stdIOLine
			select {
			case <-s.done:
				return
			case l = <-lines:
			}

			if l.err != nil {
				if !errors.Is(l.err, io.EOF) && !errors.Is(l.err, io.ErrClosedPipe) {
					s.logger.Error("failed to read message", "err", l.err)
				}
				return
			}

			msg, ok := s.decodeLine(l)
			if !ok {
				continue
			}

			// We stop iteration if yield returns false
			if !yield(msg) {
				return
			}
		}
	}
}

func (s stdIOSession) Stop() {
	close(s.done)
	<-s.readClosed
	<-s.writeClosed
}

func (s stdIOSession) readLines(lines chan<- stdIOLine) {
	reader := bufio.NewReader(s.reader)
	for {
		line, tooLong, err := readLine(reader, s.maxLineSize)
		// A final line without a trailing newline still counts.
		if len(line) > 0 || tooLong {
			select {
			case <-s.done:
				return
			case lines <- stdIOLine{line: line, tooLong: tooLong}:
			}
		}
		if err != nil {
			select {
			case <-s.done:
			case lines <- stdIOLine{err: err}:
			}
			return
		}
	}
}

// decodeLine turns one input line into a message. It reports false when the line carries nothing to
// dispatch, after answering it with a parse error if that's possible.
func (s stdIOSession) decodeLine(l stdIOLine) (JSONRPCMessage, bool) {
	if l.tooLong {
		id := recoverRequestID(l.line)
		s.logger.Warn("dropping oversized message",
			slog.Int("maxSize", s.maxLineSize),
			slog.String("id", id.String()))
		s.sendDecodeError(id, JSONRPCParseErrorCode, "parse error: message too large")
		return JSONRPCMessage{}, false
	}

	if isBlank(l.line) {
		return JSONRPCMessage{}, false
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(l.line, &msg); err != nil {
		id := recoverRequestID(l.line)
		s.logger.Warn("failed to unmarshal message",
			slog.String("err", err.Error()),
			slog.String("id", id.String()))

		// Well-formed JSON that doesn't fit the message shape is an invalid request, not a parse error.
		code, message := JSONRPCParseErrorCode, "parse error"
		if json.Valid(l.line) {
			code, message = JSONRPCInvalidRequestCode, "invalid request"
		}
		s.sendDecodeError(id, code, message)
		return JSONRPCMessage{}, false
	}

	return msg, true
}

func (s stdIOSession) sendDecodeError(id RequestID, code int, message string) {
	if id.IsZero() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultServerSendTimeout)
	defer cancel()

	if err := s.Send(ctx, newErrorMessage(id, code, message)); err != nil {
		s.logger.Error("failed to send decode error", slog.String("err", err.Error()))
	}
}

func (s stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process writing the message queue until the session is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

// readLine reads up to and excluding the next '\n'. Lines longer than maxSize are consumed to their end,
// but only their first maxSize bytes are returned and tooLong is set.
func readLine(r *bufio.Reader, maxSize int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > maxSize {
			if room := maxSize - len(line); room > 0 {
				line = append(line, chunk[:room]...)
			}
			tooLong = true
		} else {
			line = append(line, chunk...)
		}

		switch {
		case err == nil:
			if !tooLong {
				line = line[:len(line)-1]
			}
			return trimCR(line), tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return trimCR(line), tooLong, err
		}
	}
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

func isBlank(line []byte) bool {
	for _, b := range line {
		if b != ' ' && b != '\t' && b != '\r' && b != '\n' {
			return false
		}
	}
	return true
}

package mcp

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer for MCP
// communication, framing JSON-RPC messages as newline-delimited JSON over an
// io.Reader/io.Writer pair such as stdin/stdout. It provides a single
// persistent session and can serve as either ServerTransport or
// ClientTransport.
//
// Inbound bytes are drained through an internally owned frame buffer, so a
// message may arrive split across any number of chunks and one chunk may
// carry any number of messages. Outbound messages are serialized through a
// write queue so concurrent sends never interleave on the wire.
//
// Instances must be created with NewStdIO; the session is released by
// stopping it (server side) or via the session's Stop (client side).
type StdIO struct {
	sess   stdIOSession
	closed chan struct{}
}

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type stdIOChunk struct {
	data []byte
	err  error
}

// NewStdIO creates a new StdIO instance configured with the provided reader
// and writer.
func NewStdIO(reader io.Reader, writer io.Writer) StdIO {
	return StdIO{
		sess: stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default().With(slog.String("component", "stdio")),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			readClosed:    make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
}

// Sessions implements the ServerTransport interface by yielding the single
// persistent session. The session remains active for the lifetime of the
// StdIO instance.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		// StdIO only supports a single session, so yield it and wait until it's done.
		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the
// session loop to exit.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface by starting the
// write queue and handing out the persistent session.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	go s.sess.processWriteMessages()
	return s.sess, nil
}

func (s stdIOSession) ID() string {
	return s.id
}

func (s stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	frame, err := marshalFrame(msg)
	if err != nil {
		return err
	}

	ioMsg := stdIOMessage{
		msg:  frame,
		errs: make(chan error, 1),
	}

	// Queue the frame so concurrent sends never interleave on the writer.
	select {
	case <-ctx.Done():
		s.logger.Error("failed to feed writeMessages channel", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while feeding writeMessages channel", slog.String("message", string(frame)))
		return nil
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("get error result from write", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		s.logger.Error("failed to wait for write result", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while waiting for write result", slog.String("message", string(frame)))
		return nil
	}
}

func (s stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.readClosed)

		chunks := make(chan stdIOChunk)

		// Reads happen on a separate goroutine so the loop below can listen
		// to the done channel and return even when the reader blocks.
		go func() {
			for {
				buf := make([]byte, 4096)
				n, err := s.reader.Read(buf)
				if n > 0 {
					select {
					case chunks <- stdIOChunk{data: buf[:n]}:
					case <-s.done:
						return
					}
				}
				if err != nil {
					select {
					case chunks <- stdIOChunk{err: err}:
					case <-s.done:
					}
					return
				}
			}
		}()

		var fb frameBuffer
		for {
			var chunk stdIOChunk
			select {
			case <-s.done:
				return
			case chunk = <-chunks:
			}

			if chunk.err != nil {
				if !errors.Is(chunk.err, io.EOF) {
					s.logger.Error("failed to read message", "err", chunk.err)
				}
				return
			}

			fb.Append(chunk.data)

			// Drain every complete message the chunk produced. A malformed
			// frame resets the buffer and is logged, never fatal.
			for {
				msg, ok, err := fb.Next()
				if err != nil {
					s.logger.Error("failed to decode frame", "err", err)
					continue
				}
				if !ok {
					break
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s stdIOSession) Stop() {
	close(s.done)
	<-s.readClosed
	<-s.writeClosed
}

func (s stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
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

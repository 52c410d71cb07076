package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/protocol"
)

// Serve runs the frame protocol for one connection until it fails or ctx
// ends. The first frame must be JOIN; afterwards UPDATE and PRESENCE frames
// are dispatched and anything else is answered with an ERROR frame. The
// connection is closed and left when Serve returns.
func (r *Relay) Serve(ctx context.Context, conn protocol.Conn) error {
	sink := newConnSink(conn, r.sendBufferSize, r.writeTimeout, r.logger)
	go sink.run()
	defer sink.wait()
	defer sink.Close()

	first, err := conn.ReadFrame(ctx)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedFrame) {
			sink.Send(protocol.RejectFrame(protocol.NewError(protocol.ReasonMalformedFrame, "invalid join frame", err)))
		}
		return err
	}
	if first.Type != protocol.FrameJoin {
		rejectErr := protocol.NewError(protocol.ReasonMalformedFrame, "first frame must be JOIN", nil)
		sink.Send(protocol.RejectFrame(rejectErr))
		return rejectErr
	}

	result, err := r.Join(ctx, JoinRequest{
		DocumentID:   first.DocumentID,
		Token:        first.Token,
		ConnectionID: first.ConnectionID,
		StateSummary: first.StateSummary,
	}, sink)
	if err != nil {
		sink.Send(protocol.RejectFrame(err))
		return err
	}
	documentID := first.DocumentID
	defer r.Leave(documentID, result.ConnectionID)

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				r.logger.Warn("malformed frame dropped",
					zap.String("document_id", documentID),
					zap.String("connection_id", result.ConnectionID),
					zap.Error(err))
				sink.Send(protocol.ErrorFrame(protocol.NewError(protocol.ReasonMalformedFrame, "malformed frame", err)))
				continue
			}
			if errors.Is(err, protocol.ErrConnClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		switch frame.Type {
		case protocol.FrameUpdate:
			// Rejections have already been reported to the sender.
			_ = r.ReceiveUpdate(ctx, documentID, result.ConnectionID, frame.Payload)
		case protocol.FramePresence:
			_ = r.ReceivePresence(ctx, documentID, result.ConnectionID, frame.Payload)
		default:
			sink.Send(protocol.ErrorFrame(protocol.NewError(protocol.ReasonMalformedFrame, "unexpected frame "+string(frame.Type), nil)))
		}
	}
}

// connSink buffers outbound frames for one connection and writes them from a
// dedicated pump goroutine, so room goroutines never block on a socket.
type connSink struct {
	conn         protocol.Conn
	writeTimeout time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	closed bool
	frames chan protocol.Frame
	done   chan struct{}
}

func newConnSink(conn protocol.Conn, buffer int, writeTimeout time.Duration, logger *zap.Logger) *connSink {
	return &connSink{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		frames:       make(chan protocol.Frame, buffer),
		done:         make(chan struct{}),
	}
}

func (s *connSink) Send(frame protocol.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

// Close stops accepting frames. Buffered frames are still flushed before the
// connection is closed.
func (s *connSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}

func (s *connSink) wait() {
	<-s.done
}

func (s *connSink) run() {
	defer close(s.done)
	failed := false
	for frame := range s.frames {
		if failed {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		err := s.conn.WriteFrame(ctx, frame)
		cancel()
		if err != nil {
			failed = true
			s.logger.Debug("connection write failed", zap.Error(err))
			// Unblocks the reader so Serve can leave the room.
			_ = s.conn.Close()
		}
	}
	_ = s.conn.Close()
}

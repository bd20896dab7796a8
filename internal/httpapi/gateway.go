package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/prepai/internal/protocol"
	"github.com/ent0n29/prepai/internal/voice"
)

const (
	wsReadLimit    = 2 << 20
	wsWriteTimeout = 10 * time.Second
	// wsReadGrace keeps the transport open a little past the inactivity
	// timeout so the orchestrator can tell the client why it is closing.
	wsReadGrace = 30 * time.Second
)

// serveConn upgrades the request and pumps frames between the socket and the
// orchestrator until either side ends.
func (s *Server) serveConn(w http.ResponseWriter, r *http.Request, c voice.Connection) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := s.logger.With("session_id", c.SessionID, "user_id", c.UserID, "flavor", c.Flavor.Name())
	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.ClientMessage, 256)
	outbound := make(chan protocol.ServerMessage, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		defer close(outbound)
		if err := s.orchestrator.RunConnection(ctx, c, inbound, outbound); err != nil {
			logger.Warn("realtime connection ended with error", "error", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		failed := false
		for msg := range outbound {
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.SessionEvent("ws_write_error")
				logger.Debug("websocket write failed", "error", err)
				failed = true
			}
		}
		// The orchestrator is done; unblock the reader.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	readTimeout := s.cfg.SessionInactivityTimeout + wsReadGrace
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	vocab := c.Flavor.Vocabulary()
readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg protocol.ClientMessage
		switch msgType {
		case websocket.BinaryMessage:
			msg = protocol.AudioFrame{PCM: data}
		case websocket.TextMessage:
			parsed, err := protocol.ParseClientMessage(data, vocab)
			if err != nil {
				var decodeErr *protocol.DecodeError
				if !errors.As(err, &decodeErr) {
					decodeErr = &protocol.DecodeError{Code: protocol.CodeBadRequest, Message: err.Error()}
				}
				msg = protocol.Invalid{Err: decodeErr}
			} else {
				msg = parsed
			}
		default:
			continue
		}

		select {
		case <-runDone:
			break readLoop
		case inbound <- msg:
		}
	}

	// Transport closed: the orchestrator runs its disconnect path.
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

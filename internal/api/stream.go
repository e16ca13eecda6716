package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bc-dunia/threadmon/internal/metrics"
	"github.com/bc-dunia/threadmon/internal/render"
)

const streamWriteWait = 10 * time.Second

// handleStream upgrades to a websocket and pushes one JSON snapshot document
// every refresh seconds, the first immediately. A failed collection pushes the
// JSON error object instead and the stream continues. The stream ends when the
// client goes away or the server shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	refresh := parseRefresh(r)
	logger := s.GetEventLogger()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		logger.LogActionFailed(ActionStream, r.RemoteAddr, http.StatusBadRequest, err)
		return
	}
	defer conn.Close()

	logger.LogStreamOpened(r.RemoteAddr, refresh)
	tracker := metrics.NewStreamTracker()
	if mc := s.GetMetricsCollector(); mc != nil {
		tracker = mc.Streams()
	}
	id := tracker.Open(r.RemoteAddr)

	// The read loop only drains control frames; it reports how the client left.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Duration(refresh) * time.Second)
	defer ticker.Stop()

	sent := 0
	var streamErr error
	reason := metrics.CloseReasonClient
loop:
	for {
		payload := s.streamPayload(r)
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			streamErr = err
			reason = metrics.CloseReasonWriteError
			break
		}
		sent++
		tracker.RecordMessage(id)

		select {
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				streamErr = err
				reason = metrics.CloseReasonReadError
			}
			break loop
		case <-s.done:
			reason = metrics.CloseReasonShutdown
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			break loop
		case <-ticker.C:
		}
	}

	tracker.Close(id, reason)
	logger.LogStreamClosed(r.RemoteAddr, sent, streamErr)
}

func (s *Server) streamPayload(r *http.Request) []byte {
	snap, err := s.collect(r.Context(), ActionStream)
	if err != nil {
		return s.renderer.RenderError(render.FormatJSON, err)
	}
	body, err := s.renderer.Render(render.FormatJSON, snap)
	if err != nil {
		return render.ErrorJSON(err)
	}
	return body
}

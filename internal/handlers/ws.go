package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
	"github.com/lehigh-university-libraries/auto-annotate/internal/utils"
)

const writeWait = 10 * time.Second

// HandleWebSocket streams run events for one session. The client first gets
// a snapshot of the current state, then every event published afterwards.
// A text "ping" is answered with {"type":"pong"}.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if _, exists := h.store.Get(sessionID); !exists {
		utils.RespondWithError(w, "Session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "session", sessionID, "err", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	bus := h.runner.Events(sessionID)
	last := bus.LastSeq()
	if snapshot, ok := h.snapshot(sessionID); ok {
		if err := send(snapshot); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.TrimSpace(string(msg)) == "ping" {
				if err := send(map[string]string{"type": "pong"}); err != nil {
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		changed := bus.Changed()
		for _, event := range bus.Since(last) {
			if err := send(event); err != nil {
				slog.Debug("WebSocket write failed", "session", sessionID, "err", err)
				return
			}
			last = event.Seq
		}

		select {
		case <-changed:
		case <-closed:
			return
		case <-bus.Done():
			writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session deleted"),
				time.Now().Add(writeWait))
			writeMu.Unlock()
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// snapshot describes the session's current state as an event, so late
// subscribers do not wait for the next image to learn where the run is.
func (h *Handler) snapshot(sessionID string) (models.Event, bool) {
	session, exists := h.store.Get(sessionID)
	if !exists {
		return models.Event{}, false
	}
	p := session.Progress
	now := time.Now().UTC().Format(time.RFC3339Nano)

	switch session.State {
	case models.SessionRunning, models.SessionConfigured:
		return models.Event{
			Type:         models.EventProgress,
			Timestamp:    now,
			Current:      p.ProcessedCount,
			Total:        p.TotalCount,
			Percentage:   p.Percentage(),
			CurrentImage: p.CurrentImage,
		}, true
	case models.SessionCompleted:
		return models.Event{
			Type:            models.EventCompleted,
			Timestamp:       now,
			TotalImages:     p.TotalCount,
			TotalDetections: p.TotalDetections,
		}, true
	case models.SessionFailed:
		return models.Event{Type: models.EventError, Timestamp: now, Message: p.Message}, true
	case models.SessionCancelled:
		return models.Event{Type: models.EventCancelled, Timestamp: now, Current: p.ProcessedCount, Total: p.TotalCount, Message: p.Message}, true
	default:
		return models.Event{}, false
	}
}

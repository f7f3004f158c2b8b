package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wadahiro/pkcelens/internal/notify"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams opener notifications of this session as Server-Sent
// Events. Only one stream per session is allowed.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sid := sidFrom(r.Context())

	sub, err := h.hub.Subscribe(sid)
	if errors.Is(err, notify.ErrAlreadySubscribed) {
		http.Error(w, "another window is already listening for this session", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		slog.Warn("Event stream cannot flush", "sid", sid, "error", err)
		return
	}

	rcv, err := notify.NewReceiver(h.cfg.Origin, func(msg notify.Message) {
		data, err := json.Marshal(msg)
		if err != nil {
			slog.Error("Failed to encode notification", "error", err)
			return
		}
		fmt.Fprintf(w, "event: oauth\ndata: %s\n\n", data)
		slog.Debug("Notification delivered", "sid", sid, "type", msg.Type)
	})
	if err != nil {
		slog.Error("Event stream has no valid origin", "origin", h.cfg.Origin, "error", err)
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
		case env := <-sub.C:
			if !rcv.Receive(env) {
				slog.Warn("Notification dropped", "sid", sid, "origin", env.Origin, "type", env.Message.Type)
				continue
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

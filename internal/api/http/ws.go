package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mind-engage/nmcprep/internal/practice"
	"github.com/mind-engage/nmcprep/internal/session"
)

// countdownInterval is how often the socket pushes the remaining time.
var countdownInterval = session.PollInterval

type tick struct {
	SessionID        string `json:"session_id"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Ended            bool   `json:"ended"`
	SubmitPending    bool   `json:"submit_pending,omitempty"`
}

// GET /api/sessions/{id}/ws
// Streams {remaining_seconds, ended, submit_pending} once per interval until
// the session result is stored or the client goes away. The server deadline
// watcher does the submitting; while submit_pending is set the client may
// POST /submit itself.
func CountdownWSHandler(store practice.Store, svc *session.Service, checkOrigin func(*http.Request) bool) http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, err := store.GetSession(r.Context(), id)
		if err != nil {
			httpError(w, err)
			return
		}
		var run *session.Runner
		if sess.EndedAt == nil {
			if run, err = svc.Resume(r.Context(), id); err != nil {
				httpError(w, err)
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("api: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.Printf("api: websocket %s: %v", id, err)
					}
					return
				}
			}
		}()

		t := time.NewTicker(countdownInterval)
		defer t.Stop()
		for {
			msg := tick{SessionID: id, Ended: true}
			if run != nil {
				snap := run.Snapshot()
				msg.RemainingSeconds, msg.Ended, msg.SubmitPending = snap.RemainingSeconds, snap.Ended, snap.SubmitPending
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			if msg.Ended && !msg.SubmitPending {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}
}

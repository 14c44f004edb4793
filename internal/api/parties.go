package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"matchlock/internal/model"
)

const sseKeepAlive = 15 * time.Second

type lockViewJSON struct {
	RequesterID      string `json:"requester_id"`
	Locked           bool   `json:"locked"`
	ActiveProviderID string `json:"active_provider_id,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
	ExpiresAtMS      int64  `json:"expires_at_ms,omitempty"`
	RemainingMS      int64  `json:"remaining_ms,omitempty"`
}

type requestListJSON struct {
	Requests []requestJSON `json:"requests"`
}

func (s *Server) handleRequester(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// /v1/requesters/{id}/lock
	// /v1/requesters/{id}/requests
	parts := splitPath(r.URL.Path, "/v1/requesters/")
	if len(parts) != 2 {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch parts[1] {
	case "lock":
		s.handleLockView(w, r, parts[0])
	case "requests":
		limit, err := queryLimit(r)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		rows, err := s.svc.History(r.Context(), parts[0], limit)
		if err != nil {
			writeServiceErr(w, err)
			return
		}
		s.writeRequests(w, rows)
	default:
		writeErr(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) handleLockView(w http.ResponseWriter, r *http.Request, requesterID string) {
	view, err := s.svc.LockView(r.Context(), requesterID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	out := lockViewJSON{RequesterID: view.RequesterID, Locked: view.Locked}
	if view.Locked {
		out.ActiveProviderID = view.ActiveProviderID
		out.RequestID = view.RequestID
		out.ExpiresAtMS = unixMS(view.ExpiresAt)
		out.RemainingMS = int64(view.Remaining / time.Millisecond)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	// Expected: /v1/providers/{id}/requests?status=pending
	parts := splitPath(r.URL.Path, "/v1/providers/")
	if len(parts) != 2 || parts[1] != "requests" {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	status := model.Status(r.URL.Query().Get("status"))
	rows, err := s.svc.Inbox(r.Context(), parts[0], status, limit)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	s.writeRequests(w, rows)
}

func (s *Server) writeRequests(w http.ResponseWriter, rows []model.Request) {
	out := requestListJSON{Requests: make([]requestJSON, 0, len(rows))}
	for _, r := range rows {
		out.Requests = append(out.Requests, s.toRequestJSON(r))
	}
	writeJSON(w, http.StatusOK, out)
}

type notificationJSON struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	RequestID   string `json:"request_id"`
	Kind        string `json:"kind"`
	CreatedAtMS int64  `json:"created_at_ms"`
	Delivered   bool   `json:"delivered"`
	Attempts    int    `json:"attempts"`
}

type notificationListJSON struct {
	Notifications []notificationJSON `json:"notifications"`
	Next          string             `json:"next,omitempty"`
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	page, err := s.svc.Notifications(r.Context(), q.Get("recipient_id"), q.Get("after"), limit)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	out := notificationListJSON{
		Notifications: make([]notificationJSON, 0, len(page.Notifications)),
		Next:          page.Next,
	}
	for _, n := range page.Notifications {
		out.Notifications = append(out.Notifications, notificationJSON{
			ID:          n.ID,
			RecipientID: n.RecipientID,
			RequestID:   n.RequestID,
			Kind:        string(n.Kind),
			CreatedAtMS: unixMS(n.CreatedAt),
			Delivered:   n.Delivered(),
			Attempts:    n.Attempts,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleParty streams change hints as Server-Sent Events:
// GET /v1/parties/{id}/events
func (s *Server) handleParty(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/v1/parties/")
	if len(parts) != 2 || parts[1] != "events" {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.feed == nil {
		writeErr(w, http.StatusServiceUnavailable, "change feed disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	events, cancel := s.feed.Subscribe(ctx, parts[0])
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

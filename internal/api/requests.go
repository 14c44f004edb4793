package api

import (
	"net/http"
	"time"

	"matchlock/internal/geo"
	"matchlock/internal/model"
)

type requestJSON struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id"`
	ProviderID  string        `json:"provider_id"`
	Status      string        `json:"status"`
	CreatedAtMS int64         `json:"created_at_ms"`
	DecidedAtMS int64         `json:"decided_at_ms,omitempty"`
	ExpiresAtMS int64         `json:"expires_at_ms,omitempty"`
	Position    *geo.Position `json:"position,omitempty"`
	Message     string        `json:"message,omitempty"`
}

func (s *Server) toRequestJSON(r model.Request) requestJSON {
	out := requestJSON{
		ID:          r.ID,
		RequesterID: r.RequesterID,
		ProviderID:  r.ProviderID,
		Status:      string(r.Status),
		CreatedAtMS: unixMS(r.CreatedAt),
		Position:    r.Position,
		Message:     r.Message,
	}
	if r.DecidedAt != nil {
		out.DecidedAtMS = unixMS(*r.DecidedAt)
	}
	if r.Status == model.StatusPending {
		out.ExpiresAtMS = unixMS(r.ExpiresAt(s.svc.TTL()))
	}
	return out
}

type rejectionJSON struct {
	Reason           string `json:"reason"`
	Message          string `json:"message"`
	RequestID        string `json:"request_id,omitempty"`
	ActiveProviderID string `json:"active_provider_id,omitempty"`
	Status           string `json:"status,omitempty"`
	ExpiresAtMS      int64  `json:"expires_at_ms,omitempty"`
	RemainingMS      int64  `json:"remaining_ms,omitempty"`
}

func (s *Server) writeRejection(w http.ResponseWriter, rej *model.Rejection) {
	status := http.StatusConflict
	if rej.Reason == model.ReasonNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, rejectionJSON{
		Reason:           string(rej.Reason),
		Message:          rej.Message(s.svc.Now()),
		RequestID:        rej.RequestID,
		ActiveProviderID: rej.ActiveProviderID,
		Status:           string(rej.Status),
		ExpiresAtMS:      unixMS(rej.ExpiresAt),
		RemainingMS:      int64(rej.Remaining / time.Millisecond),
	})
}

type submitReq struct {
	RequesterID string        `json:"requester_id"`
	ProviderID  string        `json:"provider_id"`
	Message     string        `json:"message"`
	Position    *geo.Position `json:"position"`
}

func (s *Server) handleRequestsRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req submitReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Submit(r.Context(), model.SubmitRequest{
		RequesterID: req.RequesterID,
		ProviderID:  req.ProviderID,
		Message:     req.Message,
		Position:    req.Position,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	if !res.OK() {
		s.writeRejection(w, res.Rejection)
		return
	}
	writeJSON(w, http.StatusCreated, s.toRequestJSON(res.Request))
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// /v1/requests/{id}
	// /v1/requests/{id}/respond
	parts := splitPath(r.URL.Path, "/v1/requests/")
	if len(parts) == 0 {
		writeErr(w, http.StatusBadRequest, "request id required")
		return
	}
	if len(parts) > 2 {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		s.handleGet(w, r, id)
	case r.Method == http.MethodPost && action == "respond":
		s.handleRespond(w, r, id)
	case action != "" && action != "respond":
		writeErr(w, http.StatusNotFound, "unknown action")
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	req, ok, err := s.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, s.toRequestJSON(req))
}

type respondReq struct {
	ProviderID string `json:"provider_id"`
	Decision   string `json:"decision"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request, id string) {
	var req respondReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Respond(r.Context(), model.RespondRequest{
		RequestID:  id,
		ProviderID: req.ProviderID,
		Decision:   model.Decision(req.Decision),
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	if !res.OK() {
		s.writeRejection(w, res.Rejection)
		return
	}
	writeJSON(w, http.StatusOK, s.toRequestJSON(res.Request))
}

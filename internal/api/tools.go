package api

import (
	"errors"
	"io"
	"net/http"

	"matchlock/internal/geo"
	"matchlock/internal/locate"
)

type rankReq struct {
	Origin     *geo.Position   `json:"origin"`
	Candidates []geo.Candidate `json:"candidates"`
}

type rankedJSON struct {
	ID         string        `json:"id"`
	Position   *geo.Position `json:"position,omitempty"`
	DistanceKM *float64      `json:"distance_km,omitempty"`
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req rankReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	ranked := geo.Rank(req.Origin, req.Candidates)
	out := make([]rankedJSON, 0, len(ranked))
	for _, rk := range ranked {
		item := rankedJSON{ID: rk.ID, Position: rk.Position}
		if rk.HasDistance {
			d := rk.DistanceKM
			item.DistanceKM = &d
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ranked": out})
}

type locateReq struct {
	Position *geo.Position `json:"position"`
}

// handleLocate resolves the caller's position: the device-reported fix when
// present, else the IP-based fallback chain.
func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req locateReq
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	ip := clientIP(r)
	var primary locate.Source
	if req.Position != nil {
		primary = locate.Reported{Position: req.Position}
	}
	fix, err := s.locator.AcquireFor(locate.WithClientIP(r.Context(), ip), ip, primary)
	if err != nil {
		writeErr(w, http.StatusRequestTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fix)
}

func (s *Server) handleExpireSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	n, err := s.svc.ExpireSweep(r.Context())
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

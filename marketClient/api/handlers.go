package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, QueryResponse{
		Data: StatusResponse{
			LedgerReady: s.client.LedgerReady(),
			Bounties:    len(s.client.ListBounties()),
		},
		LastFetched: s.client.GetLastReconciled(),
	})
}

// handleBounties handles GET /api/v1/bounties[?active=true|false]
func (s *Server) handleBounties(w http.ResponseWriter, r *http.Request) {
	var activeFilter *bool
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "active must be true or false"})
			return
		}
		activeFilter = &active
	}

	bounties := s.client.ListBounties()
	views := make([]BountyView, 0, len(bounties))
	for _, b := range bounties {
		if activeFilter != nil && b.IsActive != *activeFilter {
			continue
		}
		views = append(views, newBountyView(b))
	}

	s.writeJSON(w, http.StatusOK, QueryResponse{
		Data:        views,
		LastFetched: s.client.GetLastReconciled(),
	})
}

// handleBounty handles GET /api/v1/bounties/{id}
func (s *Server) handleBounty(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid bounty id"})
		return
	}

	b, ok := s.client.GetBounty(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("bounty %d not found", id)})
		return
	}

	s.writeJSON(w, http.StatusOK, QueryResponse{
		Data:        newBountyView(b),
		LastFetched: s.client.GetLastReconciled(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

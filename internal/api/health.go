package api

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine,omitempty"`
}

// handleHealthz reports worker liveness. Engine reachability is informational;
// the worker itself is healthy either way.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.probe != nil {
		resp.Engine = "unreachable"
		if s.probe(r.Context()) {
			resp.Engine = "reachable"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

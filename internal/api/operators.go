package api

import "net/http"

func (s *Server) handleListOperators(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.operators.List())
}

package api

import "net/http"

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.WorkerHealth())
}

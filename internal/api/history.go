package api

import (
	"net/http"

	"github.com/emberworks/bellows/internal/journal"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// historyResponse wraps the paginated execution history.
type historyResponse struct {
	Records []*journal.Record `json:"records"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// historyStatsResponse is the JSON response for GET /v1/history/stats.
type historyStatsResponse struct {
	Total          int            `json:"total"`
	ByOutcome      map[string]int `json:"by_outcome"`
	ByHandler      map[string]int `json:"by_handler"`
	AvgExecutionMS float64        `json:"avg_execution_ms"`
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.jour.Recent(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	if records == nil {
		records = []*journal.Record{}
	}

	s.writeJSON(w, http.StatusOK, historyResponse{
		Records: records,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleGetHistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jour.Stats(r.Context())
	if err != nil {
		s.logger.Error("get history stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get history stats")
		return
	}

	s.writeJSON(w, http.StatusOK, historyStatsResponse{
		Total:          stats.Total,
		ByOutcome:      stats.CountByOutcome,
		ByHandler:      stats.CountByHandler,
		AvgExecutionMS: stats.AvgExecutionMS,
	})
}

package core

import (
	"context"
	"net/http"
	"time"
)

// healthStatus is the response body of the health endpoint.
type healthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// handleHealth reports process and data-store liveness. It answers 200 with
// status "ok" when the database responds to a ping within two seconds, and
// 503 with status "degraded" otherwise. A nil Pinger (unit tests) reports
// the database as "skipped".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{Status: "ok", Database: "skipped"}

	if s.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.Pinger.Ping(ctx); err != nil {
			s.Logger.ErrorContext(r.Context(), "health check database ping failed", "error", err)
			status.Status = "degraded"
			status.Database = "unreachable"
			JSON(w, r, http.StatusServiceUnavailable, status)
			return
		}
		status.Database = "ok"
	}

	JSON(w, r, http.StatusOK, status)
}

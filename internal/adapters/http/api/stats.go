package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StatsProvider reports search progress.
type StatsProvider interface {
	GetStats() map[string]any
}

// handleStats handles GET /stats. The stored architecture count is added
// to whatever the provider reports.
func (s *Server) handleStats(c *gin.Context) {
	out := map[string]any{}
	if s.stats != nil {
		for k, v := range s.stats.GetStats() {
			out[k] = v
		}
	}
	n, err := s.store.Count(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	out["stored_archs"] = n
	c.JSON(http.StatusOK, out)
}

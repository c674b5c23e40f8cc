package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// handleLeaderboard handles GET /leaderboard?limit=N.
func (s *Server) handleLeaderboard(c *gin.Context) {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n < 1 {
		writeError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: limit must be a positive integer", ErrBadRequest))
		return
	}
	if n > s.maxLimit {
		writeError(c, http.StatusBadRequest, "limit_exceeded", fmt.Errorf("%w: limit must be at most %d", ErrLimitExceeded, s.maxLimit))
		return
	}
	entries, err := s.store.TopN(c.Request.Context(), n)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

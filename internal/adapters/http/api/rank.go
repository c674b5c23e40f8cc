package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/okian/proxynas/internal/domain/arch"
)

// handleRank handles GET /rank/:arch_id.
func (s *Server) handleRank(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("arch_id"))
	if err != nil || id < 0 {
		writeError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: arch_id must be a non-negative integer", ErrBadRequest))
		return
	}
	entry, err := s.store.Rank(c.Request.Context(), arch.ID(id))
	if err != nil {
		if isNotFound(err) {
			writeError(c, http.StatusNotFound, "not_found", err)
			return
		}
		writeError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

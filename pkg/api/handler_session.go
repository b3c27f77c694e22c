package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/tiller/pkg/services"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// pagination parses the common limit/offset query knobs.
func pagination(c *gin.Context) (store.ListOptions, bool) {
	var opts store.ListOptions
	for name, target := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(c, services.NewError(services.CodeInvalidRequest, "%s must be a non-negative integer", name))
			return opts, false
		}
		*target = n
	}
	if c.Query("include_deleted") == "true" {
		opts.IncludeDeleted = true
	}
	return opts, true
}

// pageEnvelope is the standard list response shape.
type pageEnvelope struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *gin.Context) {
	agentID, ok := requireAgentQuery(c)
	if !ok {
		return
	}
	opts, ok := pagination(c)
	if !ok {
		return
	}
	sessions, total, err := s.sessions.ListSessions(c.Request.Context(), tenantID(c), agentID, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: sessions, Total: total, Limit: len(sessions), Offset: opts.Offset})
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *gin.Context) {
	sess, err := s.sessions.GetSession(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// deleteSessionHandler handles DELETE /api/v1/sessions/:id.
func (s *Server) deleteSessionHandler(c *gin.Context) {
	if err := s.sessions.DeleteSession(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listTurnsHandler handles GET /api/v1/sessions/:id/turns.
func (s *Server) listTurnsHandler(c *gin.Context) {
	opts, ok := pagination(c)
	if !ok {
		return
	}
	sort := store.TurnSort(c.Query("sort"))

	turns, total, err := s.sessions.ListTurns(c.Request.Context(), tenantID(c), c.Param("id"), opts.Limit, opts.Offset, sort)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: turns, Total: total, Limit: len(turns), Offset: opts.Offset})
}

// getTurnHandler handles GET /api/v1/turns/:id.
func (s *Server) getTurnHandler(c *gin.Context) {
	turn, err := s.sessions.GetTurn(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, turn)
}

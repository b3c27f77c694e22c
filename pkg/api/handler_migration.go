package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/tiller/pkg/services"
)

// generatePlanHandler handles POST /api/v1/migration-plans.
func (s *Server) generatePlanHandler(c *gin.Context) {
	var in services.GeneratePlanInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondInvalid(c, err)
		return
	}
	plan, err := s.migration.GeneratePlan(c.Request.Context(), tenantID(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

// listPlansHandler handles GET /api/v1/migration-plans.
func (s *Server) listPlansHandler(c *gin.Context) {
	agentID, ok := requireAgentQuery(c)
	if !ok {
		return
	}
	opts, ok := pagination(c)
	if !ok {
		return
	}
	plans, total, err := s.migration.ListPlans(c.Request.Context(), tenantID(c), agentID, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: plans, Total: total, Limit: len(plans), Offset: opts.Offset})
}

// getPlanHandler handles GET /api/v1/migration-plans/:id.
func (s *Server) getPlanHandler(c *gin.Context) {
	plan, err := s.migration.GetPlan(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// planStatusHandler handles GET /api/v1/migration-plans/:id/status and
// includes the live per-anchor session counts.
func (s *Server) planStatusHandler(c *gin.Context) {
	status, err := s.migration.Status(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// approvePlanHandler handles POST /api/v1/migration-plans/:id/approve.
func (s *Server) approvePlanHandler(c *gin.Context) {
	plan, err := s.migration.Approve(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// rejectPlanHandler handles POST /api/v1/migration-plans/:id/reject.
func (s *Server) rejectPlanHandler(c *gin.Context) {
	plan, err := s.migration.Reject(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// deployPlanHandler handles POST /api/v1/migration-plans/:id/deploy.
func (s *Server) deployPlanHandler(c *gin.Context) {
	plan, err := s.migration.Deploy(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

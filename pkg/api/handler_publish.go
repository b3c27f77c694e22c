package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type publishRequestBody struct {
	Description string `json:"description"`
}

// publishHandler handles POST /api/v1/agents/:id/publish. The publish
// runs synchronously; the response carries the finished job with
// per-stage outcomes.
func (s *Server) publishHandler(c *gin.Context) {
	var body publishRequestBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			respondInvalid(c, err)
			return
		}
	}
	job, err := s.publish.Publish(c.Request.Context(), tenantID(c), c.Param("id"), body.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// publishJobHandler handles GET /api/v1/publish-jobs/:id.
func (s *Server) publishJobHandler(c *gin.Context) {
	job, err := s.publish.Job(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/services"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

func (s *Server) registerCatalogRoutes(v1 *gin.RouterGroup) {
	v1.POST("/agents", s.createAgentHandler)
	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/agents/:id", s.getAgentHandler)
	v1.PUT("/agents/:id", s.updateAgentHandler)
	v1.DELETE("/agents/:id", s.deleteAgentHandler)

	v1.POST("/rules", s.createRuleHandler)
	v1.GET("/rules", s.listRulesHandler)
	v1.GET("/rules/:id", s.getRuleHandler)
	v1.PUT("/rules/:id", s.updateRuleHandler)
	v1.DELETE("/rules/:id", s.deleteRuleHandler)
	v1.GET("/rules/:id/relationships", s.listRuleRelationshipsHandler)
	v1.POST("/rule-relationships", s.createRuleRelationshipHandler)
	v1.DELETE("/rule-relationships/:id", s.deleteRuleRelationshipHandler)

	v1.POST("/scenarios", s.createScenarioHandler)
	v1.GET("/scenarios", s.listScenariosHandler)
	v1.GET("/scenarios/:id", s.getScenarioHandler)
	v1.GET("/scenarios/:id/versions/:version", s.getScenarioVersionHandler)
	v1.PUT("/scenarios/:id", s.updateScenarioHandler)
	v1.DELETE("/scenarios/:id", s.deleteScenarioHandler)
	v1.GET("/scenarios/:id/requirements", s.listRequirementsHandler)

	v1.POST("/templates", s.createTemplateHandler)
	v1.GET("/templates", s.listTemplatesHandler)
	v1.GET("/templates/:id", s.getTemplateHandler)
	v1.PUT("/templates/:id", s.updateTemplateHandler)
	v1.DELETE("/templates/:id", s.deleteTemplateHandler)

	v1.POST("/variables", s.createVariableHandler)
	v1.GET("/variables", s.listVariablesHandler)
	v1.GET("/variables/:id", s.getVariableHandler)
	v1.PUT("/variables/:id", s.updateVariableHandler)
	v1.DELETE("/variables/:id", s.deleteVariableHandler)

	v1.POST("/intents", s.createIntentHandler)
	v1.GET("/intents", s.listIntentsHandler)
	v1.GET("/intents/:id", s.getIntentHandler)
	v1.PUT("/intents/:id", s.updateIntentHandler)
	v1.DELETE("/intents/:id", s.deleteIntentHandler)

	v1.POST("/glossary", s.createGlossaryItemHandler)
	v1.GET("/glossary", s.listGlossaryItemsHandler)
	v1.GET("/glossary/:id", s.getGlossaryItemHandler)
	v1.PUT("/glossary/:id", s.updateGlossaryItemHandler)
	v1.DELETE("/glossary/:id", s.deleteGlossaryItemHandler)

	v1.POST("/tool-activations", s.createToolActivationHandler)
	v1.GET("/tool-activations", s.listToolActivationsHandler)
	v1.GET("/tool-activations/:id", s.getToolActivationHandler)
	v1.PUT("/tool-activations/:id", s.updateToolActivationHandler)
	v1.DELETE("/tool-activations/:id", s.deleteToolActivationHandler)

	v1.POST("/fields", s.createFieldHandler)
	v1.GET("/fields", s.listFieldsHandler)
	v1.GET("/fields/:id", s.getFieldHandler)
	v1.PUT("/fields/:id", s.updateFieldHandler)
	v1.DELETE("/fields/:id", s.deleteFieldHandler)

	v1.POST("/requirements", s.createRequirementHandler)
	v1.GET("/requirements/:id", s.getRequirementHandler)
	v1.PUT("/requirements/:id", s.updateRequirementHandler)
	v1.DELETE("/requirements/:id", s.deleteRequirementHandler)
}

// requireAgentQuery reads the agent_id query param scoping a listing.
func requireAgentQuery(c *gin.Context) (string, bool) {
	agentID := c.Query("agent_id")
	if agentID == "" {
		respondError(c, services.NewError(services.CodeInvalidRequest, "agent_id query parameter is required"))
		return "", false
	}
	return agentID, true
}

// ────────────────────────────────────────────────────────────
// Agents
// ────────────────────────────────────────────────────────────

func (s *Server) createAgentHandler(c *gin.Context) {
	var a models.Agent
	if err := c.ShouldBindJSON(&a); err != nil {
		respondInvalid(c, err)
		return
	}
	a.TenantID = tenantID(c)
	created, err := s.catalog.CreateAgent(c.Request.Context(), &a)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getAgentHandler(c *gin.Context) {
	a, err := s.catalog.GetAgent(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) updateAgentHandler(c *gin.Context) {
	var a models.Agent
	if err := c.ShouldBindJSON(&a); err != nil {
		respondInvalid(c, err)
		return
	}
	a.ID = c.Param("id")
	a.TenantID = tenantID(c)
	updated, err := s.catalog.UpdateAgent(c.Request.Context(), &a)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteAgentHandler(c *gin.Context) {
	if err := s.catalog.DeleteAgent(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAgentsHandler(c *gin.Context) {
	opts, ok := pagination(c)
	if !ok {
		return
	}
	agents, total, err := s.catalog.ListAgents(c.Request.Context(), tenantID(c), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: agents, Total: total, Limit: len(agents), Offset: opts.Offset})
}

// ────────────────────────────────────────────────────────────
// Rules
// ────────────────────────────────────────────────────────────

func (s *Server) createRuleHandler(c *gin.Context) {
	var r models.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		respondInvalid(c, err)
		return
	}
	r.TenantID = tenantID(c)
	created, err := s.catalog.CreateRule(c.Request.Context(), &r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getRuleHandler(c *gin.Context) {
	r, err := s.catalog.GetRule(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) updateRuleHandler(c *gin.Context) {
	var r models.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		respondInvalid(c, err)
		return
	}
	r.ID = c.Param("id")
	r.TenantID = tenantID(c)
	updated, err := s.catalog.UpdateRule(c.Request.Context(), &r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteRuleHandler(c *gin.Context) {
	if err := s.catalog.DeleteRule(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listRulesHandler(c *gin.Context) {
	agentID, ok := requireAgentQuery(c)
	if !ok {
		return
	}
	opts, ok := pagination(c)
	if !ok {
		return
	}
	var filters store.RuleFilters
	if v := c.Query("scope"); v != "" {
		scope := models.RuleScope(v)
		if !scope.IsValid() {
			respondError(c, services.NewError(services.CodeInvalidRequest, "unknown rule scope %q", v))
			return
		}
		filters.Scope = &scope
	}
	if v := c.Query("scope_id"); v != "" {
		filters.ScopeID = &v
	}
	filters.EnabledOnly = c.Query("enabled_only") == "true"

	rules, total, err := s.catalog.ListRules(c.Request.Context(), tenantID(c), agentID, filters, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: rules, Total: total, Limit: len(rules), Offset: opts.Offset})
}

func (s *Server) createRuleRelationshipHandler(c *gin.Context) {
	var r models.RuleRelationship
	if err := c.ShouldBindJSON(&r); err != nil {
		respondInvalid(c, err)
		return
	}
	r.TenantID = tenantID(c)
	created, err := s.catalog.CreateRuleRelationship(c.Request.Context(), &r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) deleteRuleRelationshipHandler(c *gin.Context) {
	if err := s.catalog.DeleteRuleRelationship(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listRuleRelationshipsHandler(c *gin.Context) {
	rels, err := s.catalog.ListRuleRelationships(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: rels, Total: len(rels), Limit: len(rels)})
}

// ────────────────────────────────────────────────────────────
// Scenarios
// ────────────────────────────────────────────────────────────

func (s *Server) createScenarioHandler(c *gin.Context) {
	var sc models.Scenario
	if err := c.ShouldBindJSON(&sc); err != nil {
		respondInvalid(c, err)
		return
	}
	sc.TenantID = tenantID(c)
	created, err := s.catalog.CreateScenario(c.Request.Context(), &sc)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getScenarioHandler(c *gin.Context) {
	sc, err := s.catalog.GetScenario(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) getScenarioVersionHandler(c *gin.Context) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		respondError(c, services.NewError(services.CodeInvalidRequest, "version must be an integer"))
		return
	}
	sc, err := s.catalog.GetScenarioVersion(c.Request.Context(), tenantID(c), c.Param("id"), version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) updateScenarioHandler(c *gin.Context) {
	var sc models.Scenario
	if err := c.ShouldBindJSON(&sc); err != nil {
		respondInvalid(c, err)
		return
	}
	sc.ID = c.Param("id")
	sc.TenantID = tenantID(c)
	updated, err := s.catalog.UpdateScenario(c.Request.Context(), &sc)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteScenarioHandler(c *gin.Context) {
	if err := s.catalog.DeleteScenario(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listScenariosHandler(c *gin.Context) {
	agentID, ok := requireAgentQuery(c)
	if !ok {
		return
	}
	opts, ok := pagination(c)
	if !ok {
		return
	}
	scenarios, total, err := s.catalog.ListScenarios(c.Request.Context(), tenantID(c), agentID, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: scenarios, Total: total, Limit: len(scenarios), Offset: opts.Offset})
}

// ────────────────────────────────────────────────────────────
// Templates
// ────────────────────────────────────────────────────────────

func (s *Server) createTemplateHandler(c *gin.Context) {
	var t models.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		respondInvalid(c, err)
		return
	}
	t.TenantID = tenantID(c)
	created, err := s.catalog.CreateTemplate(c.Request.Context(), &t)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getTemplateHandler(c *gin.Context) {
	t, err := s.catalog.GetTemplate(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) updateTemplateHandler(c *gin.Context) {
	var t models.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		respondInvalid(c, err)
		return
	}
	t.ID = c.Param("id")
	t.TenantID = tenantID(c)
	updated, err := s.catalog.UpdateTemplate(c.Request.Context(), &t)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteTemplateHandler(c *gin.Context) {
	if err := s.catalog.DeleteTemplate(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listTemplatesHandler(c *gin.Context) {
	agentID, ok := requireAgentQuery(c)
	if !ok {
		return
	}
	opts, ok := pagination(c)
	if !ok {
		return
	}
	templates, total, err := s.catalog.ListTemplates(c.Request.Context(), tenantID(c), agentID, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: templates, Total: total, Limit: len(templates), Offset: opts.Offset})
}

// ────────────────────────────────────────────────────────────
// Variables
// ────────────────────────────────────────────────────────────

func (s *Server) createVariableHandler(c *gin.Context) {
	var v models.Variable
	if err := c.ShouldBindJSON(&v); err != nil {
		respondInvalid(c, err)
		return
	}
	v.TenantID = tenantID(c)
	created, err := s.catalog.CreateVariable(c.Request.Context(), &v)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getVariableHandler(c *gin.Context) {
	v, err := s.catalog.GetVariable(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) updateVariableHandler(c *gin.Context) {
	var v models.Variable
	if err := c.ShouldBindJSON(&v); err != nil {
		respondInvalid(c, err)
		return
	}
	v.ID = c.Param("id")
	v.TenantID = tenantID(c)
	updated, err := s.catalog.UpdateVariable(c.Request.Context(), &v)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteVariableHandler(c *gin.Context) {
	if err := s.catalog.DeleteVariable(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listVariablesHandler(c *gin.Context) {
	agentID, ok := requireAgentQuery(c)
	if !ok {
		return
	}
	opts, ok := pagination(c)
	if !ok {
		return
	}
	vars, total, err := s.catalog.ListVariables(c.Request.Context(), tenantID(c), agentID, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: vars, Total: total, Limit: len(vars), Offset: opts.Offset})
}

// ────────────────────────────────────────────────────────────
// Intents
// ────────────────────────────────────────────────────────────

func (s *Server) createIntentHandler(c *gin.Context) {
	var i models.Intent
	if err := c.ShouldBindJSON(&i); err != nil {
		respondInvalid(c, err)
		return
	}
	i.TenantID = tenantID(c)
	created, err := s.catalog.CreateIntent(c.Request.Context(), &i)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getIntentHandler(c *gin.Context) {
	i, err := s.catalog.GetIntent(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, i)
}

func (s *Server) updateIntentHandler(c *gin.Context) {
	var i models.Intent
	if err := c.ShouldBindJSON(&i); err != nil {
		respondInvalid(c, err)
		return
	}
	i.ID = c.Param("id")
	i.TenantID = tenantID(c)
	updated, err := s.catalog.UpdateIntent(c.Request.Context(), &i)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteIntentHandler(c *gin.Context) {
	if err := s.catalog.DeleteIntent(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listIntentsHandler(c *gin.Context) {
	agentID, ok := requireAgentQuery(c)
	if !ok {
		return
	}
	opts, ok := pagination(c)
	if !ok {
		return
	}
	intents, total, err := s.catalog.ListIntents(c.Request.Context(), tenantID(c), agentID, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: intents, Total: total, Limit: len(intents), Offset: opts.Offset})
}

// ────────────────────────────────────────────────────────────
// Glossary
// ────────────────────────────────────────────────────────────

func (s *Server) createGlossaryItemHandler(c *gin.Context) {
	var g models.GlossaryItem
	if err := c.ShouldBindJSON(&g); err != nil {
		respondInvalid(c, err)
		return
	}
	g.TenantID = tenantID(c)
	created, err := s.catalog.CreateGlossaryItem(c.Request.Context(), &g)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getGlossaryItemHandler(c *gin.Context) {
	g, err := s.catalog.GetGlossaryItem(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) updateGlossaryItemHandler(c *gin.Context) {
	var g models.GlossaryItem
	if err := c.ShouldBindJSON(&g); err != nil {
		respondInvalid(c, err)
		return
	}
	g.ID = c.Param("id")
	g.TenantID = tenantID(c)
	updated, err := s.catalog.UpdateGlossaryItem(c.Request.Context(), &g)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteGlossaryItemHandler(c *gin.Context) {
	if err := s.catalog.DeleteGlossaryItem(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listGlossaryItemsHandler(c *gin.Context) {
	agentID, ok := requireAgentQuery(c)
	if !ok {
		return
	}
	opts, ok := pagination(c)
	if !ok {
		return
	}
	items, total, err := s.catalog.ListGlossaryItems(c.Request.Context(), tenantID(c), agentID, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: items, Total: total, Limit: len(items), Offset: opts.Offset})
}

// ────────────────────────────────────────────────────────────
// Tool activations
// ────────────────────────────────────────────────────────────

func (s *Server) createToolActivationHandler(c *gin.Context) {
	var t models.ToolActivation
	if err := c.ShouldBindJSON(&t); err != nil {
		respondInvalid(c, err)
		return
	}
	t.TenantID = tenantID(c)
	created, err := s.catalog.CreateToolActivation(c.Request.Context(), &t)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getToolActivationHandler(c *gin.Context) {
	t, err := s.catalog.GetToolActivation(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) updateToolActivationHandler(c *gin.Context) {
	var t models.ToolActivation
	if err := c.ShouldBindJSON(&t); err != nil {
		respondInvalid(c, err)
		return
	}
	t.ID = c.Param("id")
	t.TenantID = tenantID(c)
	updated, err := s.catalog.UpdateToolActivation(c.Request.Context(), &t)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteToolActivationHandler(c *gin.Context) {
	if err := s.catalog.DeleteToolActivation(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listToolActivationsHandler(c *gin.Context) {
	agentID, ok := requireAgentQuery(c)
	if !ok {
		return
	}
	opts, ok := pagination(c)
	if !ok {
		return
	}
	tools, total, err := s.catalog.ListToolActivations(c.Request.Context(), tenantID(c), agentID, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: tools, Total: total, Limit: len(tools), Offset: opts.Offset})
}

// ────────────────────────────────────────────────────────────
// Customer-data fields and requirements
// ────────────────────────────────────────────────────────────

func (s *Server) createFieldHandler(c *gin.Context) {
	var f models.CustomerDataField
	if err := c.ShouldBindJSON(&f); err != nil {
		respondInvalid(c, err)
		return
	}
	f.TenantID = tenantID(c)
	created, err := s.catalog.CreateField(c.Request.Context(), &f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getFieldHandler(c *gin.Context) {
	f, err := s.catalog.GetField(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) updateFieldHandler(c *gin.Context) {
	var f models.CustomerDataField
	if err := c.ShouldBindJSON(&f); err != nil {
		respondInvalid(c, err)
		return
	}
	f.ID = c.Param("id")
	f.TenantID = tenantID(c)
	updated, err := s.catalog.UpdateField(c.Request.Context(), &f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteFieldHandler(c *gin.Context) {
	if err := s.catalog.DeleteField(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listFieldsHandler(c *gin.Context) {
	agentID, ok := requireAgentQuery(c)
	if !ok {
		return
	}
	opts, ok := pagination(c)
	if !ok {
		return
	}
	fields, total, err := s.catalog.ListFields(c.Request.Context(), tenantID(c), agentID, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: fields, Total: total, Limit: len(fields), Offset: opts.Offset})
}

func (s *Server) createRequirementHandler(c *gin.Context) {
	var r models.ScenarioFieldRequirement
	if err := c.ShouldBindJSON(&r); err != nil {
		respondInvalid(c, err)
		return
	}
	r.TenantID = tenantID(c)
	created, err := s.catalog.CreateRequirement(c.Request.Context(), &r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getRequirementHandler(c *gin.Context) {
	r, err := s.catalog.GetRequirement(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) updateRequirementHandler(c *gin.Context) {
	var r models.ScenarioFieldRequirement
	if err := c.ShouldBindJSON(&r); err != nil {
		respondInvalid(c, err)
		return
	}
	r.ID = c.Param("id")
	r.TenantID = tenantID(c)
	updated, err := s.catalog.UpdateRequirement(c.Request.Context(), &r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteRequirementHandler(c *gin.Context) {
	if err := s.catalog.DeleteRequirement(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listRequirementsHandler(c *gin.Context) {
	var stepID *string
	if v := c.Query("step_id"); v != "" {
		stepID = &v
	}
	reqs, err := s.catalog.ListRequirements(c.Request.Context(), tenantID(c), c.Param("id"), stepID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageEnvelope{Items: reqs, Total: len(reqs), Limit: len(reqs)})
}

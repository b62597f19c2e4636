package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/perimeterlab/attest/pkg/policy"
)

func (s *Server) registerRuleRoutes(r *gin.Engine) {
	admin := r.Group("/v1/admin", s.requireAdmin)
	admin.GET("/rules", s.handleListRules)
	admin.PUT("/rules", s.handleUpsertRule)
	admin.DELETE("/rules/:rule_id", s.handleDeleteRule)
}

func (s *Server) handleListRules(c *gin.Context) {
	rules, err := s.rules.All()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to load rules", s.logger)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) handleUpsertRule(c *gin.Context) {
	var rule policy.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		respondError(c, http.StatusBadRequest, "validation", err.Error(), s.logger)
		return
	}

	saved, err := s.rules.Upsert(rule)
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation", err.Error(), s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("rule_id", saved.ID).
		Str("rule_name", saved.Name).
		Int("priority", saved.Priority).
		Msg("policy rule saved")
	c.JSON(http.StatusOK, saved)
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	if err := s.rules.Delete(c.Param("rule_id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "rule not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "store", "failed to delete rule", s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

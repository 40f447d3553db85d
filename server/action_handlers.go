package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerActionRoutes(r *gin.Engine) {
	r.GET("/api/actions", s.handleListActions)
	r.POST("/api/actions", s.requireAdmin, s.handleEnqueueAction)
	r.POST("/api/actions/:action_id/result", s.handleActionResult)
	r.POST("/api/actions/:action_id/cancel", s.requireAdmin, s.handleCancelAction)
}

func (s *Server) handleListActions(c *gin.Context) {
	actions, err := s.listActions(c.Query("device_id"), ActionStatus(c.Query("status")))
	if err != nil {
		respondOpError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, actions)
}

func (s *Server) handleEnqueueAction(c *gin.Context) {
	var req struct {
		DeviceID   string `json:"device_id"`
		Spec       string `json:"spec"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.DeviceID == "" || req.Spec == "" {
		respondError(c, http.StatusBadRequest, "device_id and spec are required", s.logger)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	action, err := s.enqueue(req.DeviceID, req.Spec, ttl, actorAdmin)
	if err != nil {
		respondOpError(c, err, s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Uint("action_id", action.ActionID).
		Str("device_id", req.DeviceID).
		Time("ttl_deadline", action.TTLDeadline).
		Msg("action enqueued")
	c.JSON(http.StatusCreated, action)
}

// handleActionResult is the agent's result post: Delivered -> Completed or
// Failed. Late results for expired actions are discarded with a conflict.
func (s *Server) handleActionResult(c *gin.Context) {
	actionID, err := parseActionID(c.Param("action_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid action id", s.logger)
		return
	}

	var req struct {
		DeviceID string `json:"device_id"`
		Result   string `json:"result"`
		Success  bool   `json:"success"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	if req.DeviceID == "" {
		respondError(c, http.StatusBadRequest, "device_id is required", s.logger)
		return
	}
	if err := s.complete(actionID, req.DeviceID, req.Result, req.Success); err != nil {
		respondOpError(c, err, s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"action_id": actionID, "recorded": true})
}

func (s *Server) handleCancelAction(c *gin.Context) {
	actionID, err := parseActionID(c.Param("action_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid action id", s.logger)
		return
	}
	if err := s.cancel(actionID, actorAdmin); err != nil {
		respondOpError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action_id": actionID, "status": ActionExpired})
}

func parseActionID(raw string) (uint, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty")
	}
	id64, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id64), nil
}

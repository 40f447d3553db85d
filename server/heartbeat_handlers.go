package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerHeartbeatRoutes(r *gin.Engine) {
	r.POST("/api/devices/heartbeat", s.handleHeartbeat)
	r.GET("/api/devices/heartbeat", s.handleHeartbeatProbe)
}

// handleHeartbeat is the agent check-in: refresh last-seen and system info,
// and for Approved devices pull at most one pending action, delivered
// atomically with the heartbeat commit.
func (s *Server) handleHeartbeat(c *gin.Context) {
	var req struct {
		DeviceID   string `json:"device_id"`
		SystemInfo string `json:"system_info"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.DeviceID == "" {
		respondError(c, http.StatusBadRequest, "device_id is required", s.logger)
		return
	}

	if !s.heartbeats.Allow(req.DeviceID, s.cfg.Heartbeat.Limit, s.cfg.HeartbeatWindow()) {
		respondError(c, http.StatusTooManyRequests, "heartbeat rate exceeded", s.logger)
		return
	}

	result, err := s.heartbeat(req.DeviceID, req.SystemInfo)
	if err != nil {
		respondOpError(c, err, s.logger)
		return
	}

	resp := gin.H{
		"device_id": result.Device.DeviceID,
		"status":    result.Device.AdoptionState,
	}
	if result.Action != nil {
		resp["next_action"] = result.Action
		logger := requestLogger(c, s.logger)
		logger.Info().
			Str("device_id", req.DeviceID).
			Uint("action_id", result.Action.ActionID).
			Msg("action delivered")
	}
	c.JSON(http.StatusOK, resp)
}

// handleHeartbeatProbe is the read-only GET variant the diagnostic scripts
// use: no state is touched, it just reports adoption state and liveness.
func (s *Server) handleHeartbeatProbe(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		respondError(c, http.StatusBadRequest, "device_id query parameter is required", s.logger)
		return
	}
	view, err := s.getDevice(deviceID)
	if err != nil {
		respondOpError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id":    view.DeviceID,
		"status":       view.AdoptionState,
		"online":       view.Online,
		"last_seen_at": view.LastSeenAt,
	})
}

package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerDeviceRoutes(r *gin.Engine) {
	r.GET("/api/devices", s.handleListDevices)
	r.GET("/api/device/:device_id", s.handleGetDevice)
	r.POST("/api/device/:device_id", s.handleGreet)
	r.POST("/api/device/:device_id/decision", s.requireAdmin, s.handleDecision)
}

func (s *Server) handleListDevices(c *gin.Context) {
	views, err := s.listDevices()
	if err != nil {
		respondOpError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleGetDevice(c *gin.Context) {
	view, err := s.getDevice(c.Param("device_id"))
	if err != nil {
		respondOpError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleGreet is the register/greet endpoint: unknown devices self-register
// into Pending, known ones refresh their snapshot. The response carries the
// adoption state so agents know whether to poll quietly or operate normally.
func (s *Server) handleGreet(c *gin.Context) {
	var req struct {
		SystemInfo string `json:"system_info"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	device, err := s.greet(c.Param("device_id"), req.SystemInfo)
	if err != nil {
		respondOpError(c, err, s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id": device.DeviceID,
		"status":    device.AdoptionState,
	})
}

func (s *Server) handleDecision(c *gin.Context) {
	var req struct {
		Decision string `json:"decision"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	deviceID := c.Param("device_id")
	if err := s.decide(deviceID, AdoptionState(req.Decision), actorAdmin); err != nil {
		respondOpError(c, err, s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("device_id", deviceID).
		Str("decision", req.Decision).
		Msg("adoption decision applied")
	c.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"status":    req.Decision,
	})
}

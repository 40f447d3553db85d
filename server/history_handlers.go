package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const auditQueryLimit = 500

func (s *Server) registerHistoryRoutes(r *gin.Engine) {
	r.GET("/api/audit", s.handleAudit)
	r.GET("/api/", s.handleFeed)
}

// handleAudit serves the audit trail newest first, capped at 500 rows like
// the dashboard history feed.
func (s *Server) handleAudit(c *gin.Context) {
	limit := auditQueryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(c, http.StatusBadRequest, "invalid limit", s.logger)
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	q := s.db.Order("entry_id desc").Limit(limit)
	if subjectType := c.Query("subject_type"); subjectType != "" {
		q = q.Where("subject_type = ?", subjectType)
	}
	if subjectID := c.Query("subject_id"); subjectID != "" {
		q = q.Where("subject_id = ?", subjectID)
	}

	var entries []AuditEntry
	if err := q.Find(&entries).Error; err != nil {
		respondOpError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}

// handleFeed is the aggregate snapshot the dashboard polls: fleet counts plus
// a per-device liveness summary.
func (s *Server) handleFeed(c *gin.Context) {
	views, err := s.listDevices()
	if err != nil {
		respondOpError(c, err, s.logger)
		return
	}

	counts := map[AdoptionState]int{}
	online := 0
	summaries := make([]gin.H, 0, len(views))
	for _, v := range views {
		counts[v.AdoptionState]++
		if v.Online {
			online++
		}
		summaries = append(summaries, gin.H{
			"device_id":    v.DeviceID,
			"status":       v.AdoptionState,
			"online":       v.Online,
			"last_seen_at": v.LastSeenAt,
		})
	}

	var pendingActions int64
	if err := s.db.Model(&Action{}).Where("status = ?", ActionPending).Count(&pendingActions).Error; err != nil {
		respondOpError(c, err, s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ts":              s.now().Unix(),
		"devices":         summaries,
		"total":           len(views),
		"online":          online,
		"pending":         counts[AdoptionPending],
		"approved":        counts[AdoptionApproved],
		"pending_actions": pendingActions,
		"tracked_rate":    s.heartbeats.TrackedDevices(),
	})
}

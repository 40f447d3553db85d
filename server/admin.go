package main

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireAdmin gates the administrative surface (decisions, enqueue, cancel)
// behind a static bearer token. Full RBAC belongs to the excluded dashboard
// layer; the coordinator only needs to tell operators apart from agents.
func (s *Server) requireAdmin(c *gin.Context) {
	if s.adminToken == "" {
		respondError(c, http.StatusServiceUnavailable, "admin token not configured", s.logger)
		return
	}
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if !secureCompare(token, s.adminToken) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

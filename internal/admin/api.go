package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// LoginRequest is the credential payload for /auth/login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the issued bearer token.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(r *gin.Engine) {
	r.POST("/api/v1/auth/login", s.handleLogin)

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(s.jwtSecret))
	{
		api.GET("/status", s.getStatus)
		api.GET("/peers", s.listPeers)
		api.GET("/journal/events", s.listEvents)
		api.GET("/journal/traffic", s.listTraffic)
		api.GET("/events", s.hub.HandleConnect)
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user User
	if err := s.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if !CheckPassword(req.Password, user.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, expiresAt, err := GenerateToken(&user, s.jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt.Unix()})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot.Load())
}

func (s *Server) listPeers(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot.Load().Peers)
}

func (s *Server) listEvents(c *gin.Context) {
	limit := queryLimit(c, 100)
	var events []HandshakeEvent
	s.db.Order("at desc").Limit(limit).Find(&events)
	c.JSON(http.StatusOK, events)
}

func (s *Server) listTraffic(c *gin.Context) {
	limit := queryLimit(c, 100)
	var samples []TrafficSample
	s.db.Order("at desc").Limit(limit).Find(&samples)
	c.JSON(http.StatusOK, samples)
}

func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n < 1 || n > 1000 {
		return def
	}
	return n
}

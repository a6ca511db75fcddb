package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/confab-app/confab/internal/auth"
	"github.com/confab-app/confab/internal/config"
	"github.com/confab-app/confab/internal/domain"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// Login issues a bearer token for a display name. Credential verification is
// the external identity service's job; this endpoint stands in for it so the
// coordinator can run on its own.
func Login(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if _, err := domain.NewUser(req.Username); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		token, err := auth.IssueToken(cfg.Secret, req.Username, cfg.TokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}
		c.JSON(http.StatusOK, loginResponse{Token: token, Username: req.Username})
	}
}

// Package auth is the identity gateway boundary: it resolves an opaque bearer
// credential to a username. Credential storage and password handling live in
// an external service; the coordinator only validates tokens.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/confab-app/confab/internal/core"
)

const identityKey = "identity"

// Claims carries the resolved identity inside the token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 bearer token for a username.
func IssueToken(secret, username string, ttl time.Duration) (string, error) {
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Resolve validates a bearer token and returns the username it carries.
func Resolve(secret, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return "", fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", core.ErrNotAuthenticated
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Username == "" {
		return "", core.ErrNotAuthenticated
	}
	return claims.Username, nil
}

// Middleware validates the bearer credential on every control-plane and
// connection-establishment call. Browsers cannot set headers on a WebSocket
// upgrade, so a token query parameter is accepted as a fallback there.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": core.ErrNotAuthenticated.Error()})
			return
		}
		username, err := Resolve(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": core.ErrNotAuthenticated.Error()})
			return
		}
		c.Set(identityKey, username)
		c.Next()
	}
}

// Identity returns the username the middleware resolved for this request.
func Identity(c *gin.Context) string {
	return c.GetString(identityKey)
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.Split(h, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

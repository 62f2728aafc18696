package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Authenticator issues and verifies short-lived bearer tokens for holders
// of a single configured shared secret. It's sized for a single-operator
// control plane, not a multi-user system: the teacher's jwt+bcrypt login
// flow is kept, narrowed to one credential instead of a user table.
type Authenticator struct {
	secretHash []byte
	signingKey []byte
	tokenTTL   time.Duration
}

func NewAuthenticator(sharedSecret string, tokenTTL time.Duration) (*Authenticator, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(sharedSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash shared secret: %w", err)
	}
	return &Authenticator{
		secretHash: hash,
		signingKey: []byte(sharedSecret),
		tokenTTL:   tokenTTL,
	}, nil
}

// IssueToken verifies candidateSecret against the hashed shared secret and,
// on success, returns a signed HS256 JWT valid for tokenTTL.
func (a *Authenticator) IssueToken(candidateSecret string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(a.secretHash, []byte(candidateSecret)); err != nil {
		return "", fmt.Errorf("invalid secret: %w", err)
	}

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.tokenTTL)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.signingKey)
}

// Middleware rejects any request without a valid "Authorization: Bearer
// <token>" header.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" || tokenString == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		_, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			return a.signingKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Next()
	}
}

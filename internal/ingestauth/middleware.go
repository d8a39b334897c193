package ingestauth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ctxSubject = "ingest_subject"

	// HeaderAPIKey carries a raw API key.
	HeaderAPIKey = "X-API-Key"
)

// Authenticator guards the ingest routes.
type Authenticator struct {
	tokens *TokenIssuer // nil = bearer tokens not accepted
	keys   *KeySet      // nil = API keys not accepted
	logger *zap.Logger
}

// NewAuthenticator creates an Authenticator. With neither credential type
// configured every request is let through and a warning is logged once.
func NewAuthenticator(tokens *TokenIssuer, keys *KeySet, logger *zap.Logger) *Authenticator {
	if keys != nil && keys.Len() == 0 {
		keys = nil
	}
	a := &Authenticator{tokens: tokens, keys: keys, logger: logger}
	if !a.Enabled() {
		logger.Warn("ingest authentication disabled: no jwt secret or api key hashes configured")
	}
	return a
}

// Enabled reports whether any credential type is configured.
func (a *Authenticator) Enabled() bool {
	return a.tokens != nil || a.keys != nil
}

// Require returns a Gin middleware that rejects requests without a valid
// ingest token or API key. On success the caller's subject is stored in the
// context; see SubjectFromCtx.
func (a *Authenticator) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Set(ctxSubject, "anonymous")
			c.Next()
			return
		}

		if key := c.GetHeader(HeaderAPIKey); key != "" && a.keys != nil {
			if !a.keys.Match(key) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
				return
			}
			c.Set(ctxSubject, "api-key")
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if a.tokens == nil || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "ingest credentials required"})
			return
		}
		claims, err := a.tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			a.logger.Debug("ingest token rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token: " + err.Error()})
			return
		}
		c.Set(ctxSubject, claims.Subject)
		c.Next()
	}
}

// SubjectFromCtx returns the subject set by Require, or "".
func SubjectFromCtx(c *gin.Context) string {
	v, _ := c.Get(ctxSubject)
	s, _ := v.(string)
	return s
}

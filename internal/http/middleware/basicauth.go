package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/auth"
	"github.com/tbourn/go-newsletter-backend/internal/secret"
)

// BasicAuth requires HTTP Basic credentials that authn accepts and stores
// the resolved user id under "userID". Failures answer 401 with a
// WWW-Authenticate challenge for realm.
func BasicAuth(authn auth.Authenticator, realm string) gin.HandlerFunc {
	if realm == "" {
		realm = "publish"
	}
	challenge := `Basic realm="` + realm + `"`

	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok {
			unauthorized(c, challenge, "missing credentials")
			return
		}
		uid, err := authn.Authenticate(c.Request.Context(), auth.Credentials{
			Username: user,
			Password: secret.New(pass),
		})
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrInvalidCredentials):
			unauthorized(c, challenge, "invalid credentials")
			return
		default:
			LoggerFrom(c).Error().Err(err).Msg("authentication failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": GetRequestID(c),
				"code":       "internal_error",
				"message":    "internal server error",
			})
			return
		}
		c.Set(userIDKey, uid)
		c.Next()
	}
}

// UserID returns the id stored by BasicAuth, or "".
func UserID(c *gin.Context) string {
	v, _ := c.Get(userIDKey)
	return asString(v)
}

func unauthorized(c *gin.Context, challenge, msg string) {
	c.Header("WWW-Authenticate", challenge)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": GetRequestID(c),
		"code":       "unauthorized",
		"message":    msg,
	})
}

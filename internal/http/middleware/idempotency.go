package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/idempotency"
)

const (
	// HeaderIdempotencyKey carries the client's idempotency key.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderReplayed marks a response served from a saved record.
	HeaderReplayed = "Idempotency-Replayed"
)

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
)

// IdempotencyLookup returns the saved response for (owner, key), or
// idempotency.ErrNoSavedResponse.
type IdempotencyLookup func(ctx context.Context, owner string, key idempotency.Key) (*idempotency.Response, error)

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// Required rejects requests without the header.
	Required bool
}

// IdempotencyValidator parses the Idempotency-Key header before any store
// access and stashes the key for the handler. When lookup finds a saved
// response for the authenticated owner, the response is replayed verbatim
// and the chain stops. A lookup error is logged and the request proceeds;
// the handler's claim is the authoritative check.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderIdempotencyKey)
		if raw == "" && !opts.Required {
			c.Next()
			return
		}
		key, err := idempotency.ParseKey(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": GetRequestID(c),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			saved, err := lookup(c.Request.Context(), UserID(c), key)
			switch {
			case err == nil && saved != nil:
				c.Set(ctxKeyIdemReplay, true)
				WriteSavedResponse(c, saved)
				c.Abort()
				return
			case err != nil && !errors.Is(err, idempotency.ErrNoSavedResponse):
				LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
			}
		}
		c.Next()
	}
}

// GetIdempotencyKey returns the key stashed by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (idempotency.Key, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	k, ok := v.(idempotency.Key)
	return k, ok && k != ""
}

// IsReplay reports whether the response was served from a saved record.
func IsReplay(c *gin.Context) bool {
	v, _ := c.Get(ctxKeyIdemReplay)
	b, _ := v.(bool)
	return b
}

// WriteSavedResponse writes resp with its saved status, headers and body,
// adding Idempotency-Replayed.
func WriteSavedResponse(c *gin.Context, resp *idempotency.Response) {
	idempotencyReplays.Inc()
	h := c.Writer.Header()
	for k, vv := range resp.Header {
		h.Del(k)
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	h.Set(HeaderReplayed, "true")
	c.Status(resp.StatusCode)
	_, _ = c.Writer.Write(resp.Body)
}

package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
	SignatureHeader = "X-Webhook-Signature"

	// MaxBodyBytes bounds a single webhook delivery.
	MaxBodyBytes = 1 << 20

	signaturePrefix = "sha256="
)

// SignatureMiddleware verifies X-Webhook-Signature against the raw body
// and puts the body back for the handler. An empty secret disables the
// check so local setups can post unsigned events.
func SignatureMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if len(key) == 0 {
			c.Next()
			return
		}

		sig := strings.TrimSpace(c.GetHeader(SignatureHeader))
		if sig == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing signature"})
			return
		}
		if !validSignature(key, body, sig) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}

// Sign returns the signature header value for body. Providers and tests
// use it to produce deliveries the middleware accepts.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func validSignature(key, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(header), signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

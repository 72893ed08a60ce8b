package tenant

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Proxy wire auth headers. Every request to a tenant carries the caller's
// public key, a unix-seconds timestamp, and an Ed25519 signature over
// "{METHOD}\n{PATH}\n{TIMESTAMP}".
const (
	HeaderPubkey    = "X-Bae-Pubkey"
	HeaderTimestamp = "X-Bae-Timestamp"
	HeaderSignature = "X-Bae-Signature"
)

// MaxAuthSkew is how far a request timestamp may deviate from server time.
const MaxAuthSkew = 300 * time.Second

// Auth verifies the proxy wire auth headers against the tenant's registered
// public key.
func Auth(registeredPubKeyHex string, now func() time.Time) gin.HandlerFunc {
	registered, regErr := hex.DecodeString(strings.ToLower(registeredPubKeyHex))
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		if regErr != nil || len(registered) != ed25519.PublicKeySize {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "tenant key misconfigured"})
			return
		}
		pubHex := c.GetHeader(HeaderPubkey)
		tsStr := c.GetHeader(HeaderTimestamp)
		sigHex := c.GetHeader(HeaderSignature)
		if pubHex == "" || tsStr == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		pub, err := hex.DecodeString(strings.ToLower(pubHex))
		if err != nil || len(pub) != ed25519.PublicKeySize {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed pubkey"})
			return
		}
		if !ed25519.PublicKey(pub).Equal(ed25519.PublicKey(registered)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown pubkey"})
			return
		}

		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed timestamp"})
			return
		}
		skew := now().Unix() - ts
		if skew < 0 {
			skew = -skew
		}
		if skew > int64(MaxAuthSkew.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "timestamp outside allowed window"})
			return
		}

		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed signature"})
			return
		}
		msg := SigningString(c.Request.Method, c.Request.URL.Path, ts)
		if !ed25519.Verify(pub, []byte(msg), sig) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
			return
		}
		c.Next()
	}
}

// SigningString builds the signed payload for a request.
func SigningString(method, path string, unixSeconds int64) string {
	return fmt.Sprintf("%s\n%s\n%d", method, path, unixSeconds)
}

package tenant

import (
	"net"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Handler returns the host-level handler: a health endpoint plus host-based
// dispatch into tenant routers. A Loading tenant answers 503 so clients retry;
// an unregistered host answers 404.
func (c *Cache) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	host := gin.New()
	host.Use(gin.Recovery())
	host.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "PUT", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", HeaderPubkey, HeaderTimestamp, HeaderSignature},
	}))

	host.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	host.NoRoute(func(ctx *gin.Context) {
		key := hostname(ctx.Request.Host)
		router, err := c.Resolve(key)
		switch {
		case err == nil:
			router.ServeHTTP(ctx.Writer, ctx.Request)
		case err == ErrLoading:
			ctx.Header("Retry-After", "2")
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "tenant is loading, retry shortly"})
		default:
			ctx.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
		}
	})
	return host
}

func hostname(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

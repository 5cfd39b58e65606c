package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stepflow/engine/engine/router"
	"github.com/stepflow/engine/infrastructure/cache"
	"github.com/stepflow/engine/infrastructure/middleware"
	"github.com/stepflow/engine/infrastructure/ratelimit"
)

// buildControlPlane wires the gin-based control plane: bearer-JWT
// authenticated route introspection (GET /routes), rate-limited per
// the teacher's ratelimit.RateLimiter and backed by a short-TTL cache so
// repeated polling doesn't re-walk the router on every request. When
// edgeSharedSecret is non-empty, every request must also carry it (for
// deployments that put an edge proxy in front of this listener).
func buildControlPlane(rtr *router.Router, jwtSecret, edgeSharedSecret string) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())

	if edgeSharedSecret != "" {
		gate := middleware.HeaderGateMiddleware(edgeSharedSecret)
		g.Use(func(c *gin.Context) {
			passed := false
			gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				passed = true
			})).ServeHTTP(c.Writer, c.Request)
			if !passed {
				c.Abort()
				return
			}
			c.Next()
		})
	}

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	routeCache := cache.NewCache(cache.CacheConfig{DefaultTTL: 2 * time.Second, MaxSize: 8})

	g.Use(func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	})

	authorized := g.Group("/", bearerJWTAuth(jwtSecret))
	authorized.GET("routes", func(c *gin.Context) {
		if cached, ok := routeCache.Get("routes"); ok {
			c.JSON(http.StatusOK, cached)
			return
		}
		routes := rtr.Routes()
		out := make([]gin.H, 0, len(routes))
		for _, rt := range routes {
			out = append(out, gin.H{"method": rt.Method, "steps": rt.Steps})
		}
		routeCache.Set("routes", out, 2*time.Second)
		c.JSON(http.StatusOK, out)
	})

	return g
}

// bearerJWTAuth validates an HS256 bearer token against secret, rejecting
// requests with a missing/invalid/expired token before the handler runs.
func bearerJWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		header := c.GetHeader("Authorization")
		tokenStr := strings.TrimPrefix(header, "Bearer ")
		if tokenStr == header {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

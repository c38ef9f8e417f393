package main

import (
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	apihttp "github.com/duskcall/voxgate/api/http"
	apiws "github.com/duskcall/voxgate/api/ws"
)

// sets up all API routes and middleware
func RegisterRoutes(router *gin.Engine, server *Server) {
	router.Use(corsMiddleware(server))

	apihttp.RegisterRoutes(router, apihttp.Deps{
		Registry: server.registry,
		Journal:  server.journal,
	})
	apiws.RegisterRoutes(router, server.registry)
}

func corsMiddleware(server *Server) gin.HandlerFunc {
	config := cors.DefaultConfig()

	if server.cfg.Environment == "production" {
		config.AllowOrigins = allowedOriginsFromEnv()
	} else {
		config.AllowAllOrigins = true
	}

	config.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	config.MaxAge = 12 * time.Hour

	return cors.New(config)
}

func allowedOriginsFromEnv() []string {
	raw := os.Getenv("ALLOWED_ORIGINS")
	if raw == "" {
		return nil
	}

	origins := strings.Split(raw, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	return origins
}

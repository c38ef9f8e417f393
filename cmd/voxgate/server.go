package main

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/duskcall/voxgate/internal/config"
	"github.com/duskcall/voxgate/internal/journal"
	"github.com/duskcall/voxgate/internal/session"
)

// creates and configures a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}

	j := journal.New(cfg.JournalDir, cfg.SaveHistory)
	registry := session.New(cfg, j)

	router := gin.Default()

	server := &Server{
		cfg:      cfg,
		router:   router,
		registry: registry,
		journal:  j,
	}

	RegisterRoutes(router, server)

	return server, nil
}

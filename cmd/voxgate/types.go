package main

import (
	"github.com/gin-gonic/gin"

	"github.com/duskcall/voxgate/internal/config"
	"github.com/duskcall/voxgate/internal/journal"
	"github.com/duskcall/voxgate/internal/session"
)

// Server bundles the gateway's wired dependencies: construct once at
// startup via NewServer(cfg), pass explicitly to route registration, no
// ambient singletons.
type Server struct {
	cfg      *config.Config
	router   *gin.Engine
	registry *session.Registry
	journal  *journal.Journal
}

// Package server exposes the session engine over HTTP: a REST surface
// for conversations and the inbox, an SSE feed of newly opened inbox
// items, and the websocket live channel.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bainianlaoyao/switchboard/internal/journal"
	"github.com/bainianlaoyao/switchboard/internal/session"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	DB       *gorm.DB
	Registry *session.Registry
	Journal  *journal.Journal
	Port     int

	// ChatEnabled gates the websocket live channel. The REST and inbox
	// surfaces stay available when it is off.
	ChatEnabled bool

	Out io.Writer
}

// Start launches the HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if opts.Registry == nil {
		return fmt.Errorf("server: registry is required")
	}
	if opts.Journal == nil {
		return fmt.Errorf("server: journal is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, &opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Switchboard listening at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

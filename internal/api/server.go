// Package api exposes the manager's operations over a local HTTP API for
// CLI and plugin collaborators.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/quotaswitch/quotaswitch/internal/auth/codex"
	"github.com/quotaswitch/quotaswitch/internal/core"
	"github.com/quotaswitch/quotaswitch/internal/logging"
	"github.com/quotaswitch/quotaswitch/internal/quota"
	"github.com/quotaswitch/quotaswitch/internal/store"
)

// Server wraps the daemon HTTP API.
type Server struct {
	manager *core.Manager
	http    *http.Server
}

// NewServer builds the API server around a manager.
func NewServer(manager *core.Manager, listenAddr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogger(), logging.GinRecovery())

	s := &Server{
		manager: manager,
		http: &http.Server{
			Addr:              listenAddr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.registerRoutes(engine)
	return s
}

func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/accounts", s.handleListAccounts)
	engine.POST("/accounts/:id/activate", s.handleActivate)
	engine.DELETE("/accounts/:id", s.handleDelete)
	engine.POST("/accounts/:id/quota/refresh", s.handleRefreshQuota)
	engine.POST("/auth/login", s.handleLogin)
	engine.POST("/rotate", s.handleManualRotate)
	engine.POST("/rotate/auto", s.handleAutoRotate)
	engine.POST("/quota/refresh", s.handleRefreshAll)
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("daemon API listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, activeID, err := s.manager.ListAccounts()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active_id": activeID,
		"accounts":  accounts,
	})
}

func (s *Server) handleActivate(c *gin.Context) {
	if err := s.manager.Activate(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_id": c.Param("id")})
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.manager.DeleteAccount(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRefreshQuota(c *gin.Context) {
	snap, err := s.manager.RefreshQuota(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleLogin runs the full browser login flow inline. The request blocks
// until the callback arrives or times out, which suits a local daemon
// driven by its own CLI.
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		NoBrowser bool `json:"no_browser"`
	}
	// An empty body means defaults.
	_ = c.ShouldBindJSON(&body)

	acct, err := s.manager.Login(c.Request.Context(), &codex.LoginOptions{NoBrowser: body.NoBrowser})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) handleManualRotate(c *gin.Context) {
	outcome, err := s.manager.RotateNext(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleAutoRotate(c *gin.Context) {
	outcome, err := s.manager.CheckAndAutoRotate(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleRefreshAll(c *gin.Context) {
	refreshed := s.manager.RefreshAllQuota(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"refreshed": refreshed})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var flowErr *codex.FlowError
	var fetchErr *quota.FetchError
	switch {
	case errors.As(err, &flowErr):
		status = flowErr.Code
		if status < 400 {
			status = http.StatusBadGateway
		}
	case errors.As(err, &fetchErr):
		status = http.StatusBadGateway
	case errors.Is(err, store.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrLoginInProgress):
		status = http.StatusConflict
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

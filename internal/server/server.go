// Package server exposes the REST and WebSocket surface: sandbox
// lifecycle, terminals, chat, repositories, configuration, and OAuth.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentpod/agentpod/internal/chat"
	"github.com/agentpod/agentpod/internal/common/config"
	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/common/httpmw"
	"github.com/agentpod/agentpod/internal/common/logger"
	"github.com/agentpod/agentpod/internal/events/bus"
	"github.com/agentpod/agentpod/internal/gitrepo"
	"github.com/agentpod/agentpod/internal/oauth"
	"github.com/agentpod/agentpod/internal/orchestrator"
	"github.com/agentpod/agentpod/internal/runtime"
	"github.com/agentpod/agentpod/internal/sandbox"
	"github.com/agentpod/agentpod/internal/terminal"
)

// Orchestrator is the lifecycle surface the handlers call. The concrete
// orchestrator satisfies it; tests use a stub.
type Orchestrator interface {
	List(ctx context.Context, userID string) ([]*sandbox.Sandbox, error)
	Search(ctx context.Context, userID, query string) ([]*sandbox.Sandbox, error)
	Get(ctx context.Context, id string) (*sandbox.Sandbox, error)
	Create(ctx context.Context, in orchestrator.CreateInput) (*sandbox.Sandbox, error)
	Start(ctx context.Context, id string) (*sandbox.Sandbox, error)
	Stop(ctx context.Context, id string, grace time.Duration) (*sandbox.Sandbox, error)
	Restart(ctx context.Context, id string) (*sandbox.Sandbox, error)
	Pause(ctx context.Context, id string) (*sandbox.Sandbox, error)
	Unpause(ctx context.Context, id string) (*sandbox.Sandbox, error)
	Delete(ctx context.Context, id string, deleteRepo bool) error
	Logs(ctx context.Context, id string, tail int) ([]byte, error)
	Stats(ctx context.Context, id string) (*runtime.ContainerStats, error)
	Exec(ctx context.Context, id string, argv []string, cwd string) (*runtime.ExecResult, error)
	AgentHost(ctx context.Context, id string) (string, error)
	Touch(ctx context.Context, id string)
}

// Options wires the server's collaborators.
type Options struct {
	Orchestrator Orchestrator
	Terminals    *terminal.Manager
	Chat         *chat.Manager
	ChatStore    chat.Store
	Repos        *gitrepo.Manager
	OAuth        *oauth.Manager
	Bus          bus.EventBus
	Config       *config.Config
	Logger       *logger.Logger
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	orch      Orchestrator
	terminals *terminal.Manager
	chat      *chat.Manager
	chatStore chat.Store
	repos     *gitrepo.Manager
	oauth     *oauth.Manager
	bus       bus.EventBus
	cfg       *config.Config
	logger    *logger.Logger

	engine *gin.Engine
	http   *http.Server
}

// New builds the server and registers all routes.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		orch:      opts.Orchestrator,
		terminals: opts.Terminals,
		chat:      opts.Chat,
		chatStore: opts.ChatStore,
		repos:     opts.Repos,
		oauth:     opts.OAuth,
		bus:       opts.Bus,
		cfg:       opts.Config,
		logger:    opts.Logger.WithFields(zap.String("component", "server")),
		engine:    engine,
	}

	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestID())
	engine.Use(httpmw.OtelTracing("agentpod-api"))
	engine.Use(httpmw.RequestLogger(opts.Logger, "api"))
	engine.Use(corsMiddleware())

	s.routes()
	return s
}

// Engine exposes the router, primarily for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api/v1")

	sb := api.Group("/sandboxes")
	sb.GET("", s.handleListSandboxes)
	sb.POST("", s.handleCreateSandbox)
	sb.GET("/:id", s.handleGetSandbox)
	sb.POST("/:id/start", s.handleStartSandbox)
	sb.POST("/:id/stop", s.handleStopSandbox)
	sb.POST("/:id/restart", s.handleRestartSandbox)
	sb.POST("/:id/pause", s.handlePauseSandbox)
	sb.POST("/:id/unpause", s.handleUnpauseSandbox)
	sb.DELETE("/:id", s.handleDeleteSandbox)
	sb.GET("/:id/logs", s.handleSandboxLogs)
	sb.GET("/:id/stats", s.handleSandboxStats)
	sb.POST("/:id/exec", s.handleSandboxExec)

	sb.GET("/:id/terminals", s.handleListTerminals)
	sb.POST("/:id/terminals", s.handleOpenTerminal)

	sb.GET("/:id/events/ws", s.handleEventsWS)
	sb.GET("/:id/chat/sessions", s.handleListChatSessions)
	sb.GET("/:id/chat/sessions/:sessionId/messages", s.handleListChatMessages)
	sb.GET("/:id/chat/sessions/:sessionId/tools", s.handleListToolCalls)
	sb.POST("/:id/chat/sessions", s.handleCreateChatSession)
	sb.POST("/:id/chat/sessions/:sessionId/prompt", s.handleSendPrompt)
	sb.POST("/:id/chat/sessions/:sessionId/abort", s.handleAbortPrompt)
	sb.POST("/:id/chat/permissions/:permissionId", s.handleReplyPermission)

	term := api.Group("/terminals")
	term.GET("/:id", s.handleGetTerminal)
	term.GET("/:id/ws", s.handleTerminalWS)
	term.GET("/:id/snapshot", s.handleTerminalSnapshot)
	term.DELETE("/:id", s.handleCloseTerminal)

	cfg := api.Group("/config")
	cfg.POST("/validate", s.handleValidateConfig)
	cfg.POST("/detect", s.handleDetectConfig)

	repos := api.Group("/repos")
	repos.GET("/:name/branches", s.handleListBranches)
	repos.POST("/:name/branches", s.handleCreateBranch)
	repos.DELETE("/:name/branches/:branch", s.handleDeleteBranch)
	repos.POST("/:name/checkout", s.handleCheckout)
	repos.GET("/:name/status", s.handleRepoStatus)
	repos.GET("/:name/log", s.handleRepoLog)
	repos.POST("/:name/commit", s.handleRepoCommit)
	repos.GET("/:name/diff", s.handleRepoDiff)
	repos.GET("/:name/diff/file", s.handleRepoFileDiff)
	repos.POST("/:name/push", s.handleRepoPush)
	repos.POST("/:name/pull", s.handleRepoPull)
	repos.POST("/:name/remotes", s.handleAddRemote)

	oa := api.Group("/oauth")
	oa.POST("/authorize", s.handleOAuthAuthorize)
	oa.GET("/callback", s.handleOAuthCallback)
	oa.GET("/sessions", s.handleOAuthSessions)
	oa.DELETE("/sessions", s.handleOAuthRevoke)
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// userID selects the tenant. Auth proper is out of scope; a reverse proxy
// in front of the API sets the header, local use defaults to one tenant.
func userID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return "local"
}

// ownedSandbox loads a sandbox and enforces tenancy. Foreign sandboxes
// read as missing.
func (s *Server) ownedSandbox(c *gin.Context) (*sandbox.Sandbox, bool) {
	id := c.Param("id")
	sb, err := s.orch.Get(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if sb.UserID != userID(c) {
		s.respondError(c, apperrors.NotFound("sandbox", id))
		return nil, false
	}
	return sb, true
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= 500 {
		s.logger.WithContext(c.Request.Context()).Error("request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    apperrors.CodeOf(err),
			"message": err.Error(),
		},
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

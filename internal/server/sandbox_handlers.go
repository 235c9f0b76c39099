package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/orchestrator"
	"github.com/agentpod/agentpod/internal/sandbox"
	sbconfig "github.com/agentpod/agentpod/internal/sandbox/config"
)

type createSandboxRequest struct {
	// Config is the sandbox configuration as TOML text.
	Config string `json:"config" binding:"required"`

	// RepoURL clones an existing repository instead of initializing one.
	RepoURL string `json:"repo_url"`
}

func (s *Server) handleListSandboxes(c *gin.Context) {
	var (
		sandboxes []*sandbox.Sandbox
		err       error
	)
	if q := c.Query("q"); q != "" {
		sandboxes, err = s.orch.Search(c.Request.Context(), userID(c), q)
	} else {
		sandboxes, err = s.orch.List(c.Request.Context(), userID(c))
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	if sandboxes == nil {
		sandboxes = []*sandbox.Sandbox{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sandboxes": sandboxes,
		"errors":    []gin.H{},
	})
}

func (s *Server) handleCreateSandbox(c *gin.Context) {
	var req createSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Invalid("", "config is required"))
		return
	}

	result := sbconfig.Parse([]byte(req.Config))
	if !result.Valid {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "invalid",
				"message": "configuration is invalid",
			},
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
		return
	}

	sb, err := s.orch.Create(c.Request.Context(), orchestrator.CreateInput{
		UserID:     userID(c),
		Config:     result.Config,
		ConfigTOML: req.Config,
		RepoURL:    req.RepoURL,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sandbox": sb, "warnings": result.Warnings})
}

func (s *Server) handleGetSandbox(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"sandbox": sb})
}

func (s *Server) handleStartSandbox(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	started, err := s.orch.Start(c.Request.Context(), sb.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sandbox": started})
}

func (s *Server) handleStopSandbox(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	stopped, err := s.orch.Stop(c.Request.Context(), sb.ID, 0)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sandbox": stopped})
}

func (s *Server) handleRestartSandbox(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	restarted, err := s.orch.Restart(c.Request.Context(), sb.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sandbox": restarted})
}

func (s *Server) handlePauseSandbox(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	paused, err := s.orch.Pause(c.Request.Context(), sb.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sandbox": paused})
}

func (s *Server) handleUnpauseSandbox(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	resumed, err := s.orch.Unpause(c.Request.Context(), sb.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sandbox": resumed})
}

func (s *Server) handleDeleteSandbox(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	deleteRepo := c.Query("deleteRepo") == "true"
	if err := s.orch.Delete(c.Request.Context(), sb.ID, deleteRepo); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSandboxLogs(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	tail := 100
	if v := c.Query("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(c, apperrors.Invalid("tail", "tail must be a non-negative integer"))
			return
		}
		tail = n
	}
	logs, err := s.orch.Logs(c.Request.Context(), sb.ID, tail)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", logs)
}

func (s *Server) handleSandboxStats(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	stats, err := s.orch.Stats(c.Request.Context(), sb.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

type execRequest struct {
	Command    []string `json:"command" binding:"required"`
	WorkingDir string   `json:"working_dir"`
}

func (s *Server) handleSandboxExec(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Invalid("command", "command is required"))
		return
	}
	result, err := s.orch.Exec(c.Request.Context(), sb.ID, req.Command, req.WorkingDir)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exit_code": result.ExitCode,
		"stdout":    string(result.Stdout),
		"stderr":    string(result.Stderr),
	})
}

package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	sbconfig "github.com/agentpod/agentpod/internal/sandbox/config"
	"github.com/agentpod/agentpod/internal/sandbox/detect"
)

// handleValidateConfig parses and validates TOML sent as the raw body.
// Validation failures are a successful response; the caller wants the
// issue list, not an error envelope.
func (s *Server) handleValidateConfig(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(sbconfig.MaxFileSize)+1))
	if err != nil {
		s.respondError(c, apperrors.Invalid("", "cannot read request body"))
		return
	}
	c.JSON(http.StatusOK, sbconfig.Parse(body))
}

type detectRequest struct {
	Repo string `json:"repo" binding:"required"`
}

// handleDetectConfig runs marker-file auto-detection over a managed
// repository and returns the inferred partial configuration with its TOML
// rendering.
func (s *Server) handleDetectConfig(c *gin.Context) {
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Invalid("repo", "repo is required"))
		return
	}
	if !s.repos.Exists(req.Repo) {
		s.respondError(c, apperrors.NotFound("repository", req.Repo))
		return
	}

	result, err := detect.Detect(s.repos.Path(req.Repo))
	if err != nil {
		s.respondError(c, err)
		return
	}

	toml, err := sbconfig.Serialize(result.Config)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result": result,
		"toml":   string(toml),
	})
}

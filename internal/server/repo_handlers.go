package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/gitrepo"
)

func (s *Server) handleListBranches(c *gin.Context) {
	branches, err := s.repos.ListBranches(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

type createBranchRequest struct {
	Name    string `json:"name" binding:"required"`
	FromRef string `json:"from_ref"`
}

func (s *Server) handleCreateBranch(c *gin.Context) {
	var req createBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Invalid("name", "branch name is required"))
		return
	}
	if err := s.repos.CreateBranch(c.Request.Context(), c.Param("name"), req.Name, req.FromRef); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"branch": req.Name})
}

func (s *Server) handleDeleteBranch(c *gin.Context) {
	if err := s.repos.DeleteBranch(c.Request.Context(), c.Param("name"), c.Param("branch")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type checkoutRequest struct {
	Branch string `json:"branch" binding:"required"`
}

func (s *Server) handleCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Invalid("branch", "branch is required"))
		return
	}
	if err := s.repos.Checkout(c.Request.Context(), c.Param("name"), req.Branch); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": req.Branch})
}

func (s *Server) handleRepoStatus(c *gin.Context) {
	status, err := s.repos.Status(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) handleRepoLog(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(c, apperrors.Invalid("limit", "limit must be a positive integer"))
			return
		}
		limit = n
	}
	commits, err := s.repos.Log(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits})
}

type commitRequest struct {
	Message string `json:"message" binding:"required"`
	Author  string `json:"author"`
	Email   string `json:"email"`
}

func (s *Server) handleRepoCommit(c *gin.Context) {
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Invalid("message", "commit message is required"))
		return
	}
	sha, err := s.repos.Commit(c.Request.Context(), c.Param("name"), req.Message, gitrepo.Author{
		Name:  req.Author,
		Email: req.Email,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sha": sha})
}

func (s *Server) handleRepoDiff(c *gin.Context) {
	summary, err := s.repos.DiffSummary(c.Request.Context(), c.Param("name"),
		c.Query("from"), c.Query("to"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": summary})
}

func (s *Server) handleRepoFileDiff(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		s.respondError(c, apperrors.Invalid("path", "path is required"))
		return
	}
	diff, err := s.repos.FileDiff(c.Request.Context(), c.Param("name"), path,
		c.Query("from"), c.Query("to"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(diff))
}

type syncRequest struct {
	Remote string `json:"remote"`
	Branch string `json:"branch"`
}

func (s *Server) handleRepoPush(c *gin.Context) {
	var req syncRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.repos.Push(c.Request.Context(), c.Param("name"), req.Remote, req.Branch); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pushed"})
}

func (s *Server) handleRepoPull(c *gin.Context) {
	var req syncRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.repos.Pull(c.Request.Context(), c.Param("name"), req.Remote, req.Branch); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pulled"})
}

type addRemoteRequest struct {
	Name string `json:"name" binding:"required"`
	URL  string `json:"url" binding:"required"`
}

func (s *Server) handleAddRemote(c *gin.Context) {
	var req addRemoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Invalid("", "remote name and url are required"))
		return
	}
	if err := s.repos.AddRemote(c.Request.Context(), c.Param("name"), req.Name, req.URL); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"remote": req.Name})
}

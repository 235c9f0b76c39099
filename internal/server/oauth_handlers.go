package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/oauth"
)

type authorizeRequest struct {
	ResourceURL string `json:"resource_url" binding:"required"`
	Scope       string `json:"scope"`
}

// handleOAuthAuthorize starts the authorization flow against an external
// resource. The client opens the returned URL in a browser; the provider
// redirects back to the callback below.
func (s *Server) handleOAuthAuthorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Invalid("resource_url", "resource_url is required"))
		return
	}
	auth, err := s.oauth.BeginAuthorization(c.Request.Context(), userID(c), req.ResourceURL, req.Scope)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorize_url": auth.AuthorizeURL,
		"session_id":    auth.SessionID,
	})
}

// handleOAuthCallback receives the provider redirect and finishes the code
// exchange. The response is a minimal page since the browser lands here.
func (s *Server) handleOAuthCallback(c *gin.Context) {
	if errCode := c.Query("error"); errCode != "" {
		desc := c.Query("error_description")
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8",
			[]byte("<html><body><h3>Authorization failed</h3><p>"+errCode+": "+desc+"</p></body></html>"))
		return
	}

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		s.respondError(c, apperrors.Invalid("", "code and state are required"))
		return
	}

	session, err := s.oauth.HandleCallback(c.Request.Context(), code, state)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8",
		[]byte("<html><body><h3>Authorized</h3><p>Access to "+session.ResourceURL+
			" granted. You can close this window.</p></body></html>"))
}

func (s *Server) handleOAuthSessions(c *gin.Context) {
	sessions, err := s.oauth.List(c.Request.Context(), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*oauth.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleOAuthRevoke(c *gin.Context) {
	resource := c.Query("resource_url")
	if resource == "" {
		s.respondError(c, apperrors.Invalid("resource_url", "resource_url is required"))
		return
	}
	if err := s.oauth.Revoke(c.Request.Context(), userID(c), resource); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

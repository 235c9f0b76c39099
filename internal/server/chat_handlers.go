package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"

	"github.com/agentpod/agentpod/internal/chat"
	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/events"
	"github.com/agentpod/agentpod/internal/events/bus"
	"github.com/agentpod/agentpod/pkg/agentapi"
)

func (s *Server) handleListChatSessions(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	sessions, err := s.chatStore.ListSessions(c.Request.Context(), sb.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*chat.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleListChatMessages(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	session, ok := s.sandboxSession(c, sb.ID)
	if !ok {
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(c, apperrors.Invalid("limit", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	messages, err := s.chatStore.ListMessages(c.Request.Context(), session.ID, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if messages == nil {
		messages = []*chat.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) handleListToolCalls(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	session, ok := s.sandboxSession(c, sb.ID)
	if !ok {
		return
	}
	calls, err := s.chatStore.ListToolCalls(c.Request.Context(), session.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if calls == nil {
		calls = []*chat.ToolCall{}
	}
	c.JSON(http.StatusOK, gin.H{"tool_calls": calls})
}

// handleCreateChatSession asks the in-container agent for a new session.
// The record appears in history once the syncer observes the first event.
func (s *Server) handleCreateChatSession(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	client, ok := s.agentClient(c, sb.ID)
	if !ok {
		return
	}
	agentSessionID, err := client.CreateSession(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.orch.Touch(c.Request.Context(), sb.ID)
	c.JSON(http.StatusCreated, gin.H{"agent_session_id": agentSessionID})
}

type promptRequest struct {
	Text     string `json:"text" binding:"required"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// handleSendPrompt relays a user prompt to the agent. The reply arrives
// through the event stream, not this response.
func (s *Server) handleSendPrompt(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	session, ok := s.sandboxSession(c, sb.ID)
	if !ok {
		return
	}
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Invalid("text", "text is required"))
		return
	}

	client, ok := s.agentClient(c, sb.ID)
	if !ok {
		return
	}
	err := client.SendPrompt(c.Request.Context(), session.AgentSessionID, agentapi.PromptRequest{
		Provider: req.Provider,
		Model:    req.Model,
		Parts:    []agentapi.PromptPart{{Type: "text", Text: req.Text}},
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.orch.Touch(c.Request.Context(), sb.ID)
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (s *Server) handleAbortPrompt(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	session, ok := s.sandboxSession(c, sb.ID)
	if !ok {
		return
	}
	client, ok := s.agentClient(c, sb.ID)
	if !ok {
		return
	}
	if err := client.Abort(c.Request.Context(), session.AgentSessionID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

type permissionReplyRequest struct {
	Reply   string `json:"reply" binding:"required"` // once, always, reject
	Message string `json:"message"`
}

func (s *Server) handleReplyPermission(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	var req permissionReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Invalid("reply", "reply is required"))
		return
	}
	client, ok := s.agentClient(c, sb.ID)
	if !ok {
		return
	}
	err := client.ReplyPermission(c.Request.Context(), c.Param("permissionId"), req.Reply, req.Message)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.orch.Touch(c.Request.Context(), sb.ID)
	c.JSON(http.StatusOK, gin.H{"status": "replied"})
}

// handleEventsWS streams agent events for one sandbox, interleaved with
// lifecycle notifications from the event bus. Disconnect reasons
// (overflow, stream end) arrive as a final error frame before close.
func (s *Server) handleEventsWS(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.chat.Hub().Subscribe(sb.ID)
	defer sub.Close()

	// Lifecycle events (state changes, terminal open/close) for this
	// sandbox ride the same socket. A slow client drops bus frames
	// rather than stalling publishers.
	busEvents := make(chan *bus.Event, 64)
	if s.bus != nil {
		busSub, err := s.bus.Subscribe(events.SandboxEventsPattern(sb.ID),
			func(ctx context.Context, e *bus.Event) error {
				select {
				case busEvents <- e:
				default:
				}
				return nil
			})
		if err == nil {
			defer func() { _ = busSub.Unsubscribe() }()
		}
	}

	// Reads only serve to detect the peer going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, open := <-sub.Events():
			if !open {
				_ = conn.WriteJSON(gin.H{
					"type": "stream.closed",
					"properties": gin.H{
						"reason": string(sub.Reason()),
					},
				})
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, string(sub.Reason())),
					closeDeadline())
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case e := <-busEvents:
			if err := conn.WriteJSON(gin.H{"type": e.Type, "properties": e.Data}); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

// sandboxSession resolves a chat session and pins it to the sandbox.
func (s *Server) sandboxSession(c *gin.Context, sandboxID string) (*chat.Session, bool) {
	sessionID := c.Param("sessionId")
	session, err := s.chatStore.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if session == nil || session.SandboxID != sandboxID {
		s.respondError(c, apperrors.NotFound("chat session", sessionID))
		return nil, false
	}
	return session, true
}

// agentClient builds a client for the sandbox's in-container agent.
func (s *Server) agentClient(c *gin.Context, sandboxID string) (chat.AgentClient, bool) {
	host, err := s.orch.AgentHost(c.Request.Context(), sandboxID)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	return s.chat.Client(host), true
}

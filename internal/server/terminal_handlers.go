package server

import (
	"encoding/binary"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Terminal WS frame protocol (binary, xterm.js AttachAddon-compatible on
// the output side): client→server frames start with an opcode byte, 0x00
// for raw input and 0x01 for a resize carrying big-endian uint16 cols and
// rows. Server→client frames are raw PTY output.
const (
	frameInput  = 0x00
	frameResize = 0x01
)

var wsUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWSOrigin,
}

// checkWSOrigin allows non-browser clients, localhost, and same-origin.
func checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return originURL.Host == r.Host
}

func closeDeadline() time.Time { return time.Now().Add(time.Second) }

// writeWSError reports a failure on an already-upgraded connection and
// closes it.
func writeWSError(conn *gorillaws.Conn, err error) {
	_ = conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseInternalServerErr, err.Error()),
		closeDeadline())
}

func (s *Server) handleListTerminals(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminals": s.terminals.List(sb.ID)})
}

type openTerminalRequest struct {
	Shell string `json:"shell"`
}

func (s *Server) handleOpenTerminal(c *gin.Context) {
	sb, ok := s.ownedSandbox(c)
	if !ok {
		return
	}
	var req openTerminalRequest
	_ = c.ShouldBindJSON(&req) // body optional

	session, err := s.terminals.Connect(c.Request.Context(), sb.ID, req.Shell)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.orch.Touch(c.Request.Context(), sb.ID)
	c.JSON(http.StatusCreated, gin.H{"terminal": session})
}

func (s *Server) handleGetTerminal(c *gin.Context) {
	session, err := s.terminals.Get(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminal": session})
}

func (s *Server) handleTerminalSnapshot(c *gin.Context) {
	snapshot, err := s.terminals.Snapshot(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(snapshot))
}

func (s *Server) handleCloseTerminal(c *gin.Context) {
	if err := s.terminals.Disconnect(c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleTerminalWS bridges a WebSocket onto a terminal session. Output
// (including the retained backlog) flows out as binary frames; input and
// resize flow in per the frame protocol.
func (s *Server) handleTerminalWS(c *gin.Context) {
	terminalID := c.Param("id")
	session, err := s.terminals.Get(terminalID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, err := s.terminals.Subscribe(terminalID)
	if err != nil {
		writeWSError(conn, err)
		return
	}
	defer s.terminals.Unsubscribe(terminalID, sub.ID)

	log := s.logger.WithFields(
		zap.String("terminal_id", terminalID),
		zap.String("sandbox_id", session.SandboxID))

	if len(sub.Backlog) > 0 {
		if err := conn.WriteMessage(gorillaws.BinaryMessage, sub.Backlog); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range sub.Ch {
			if err := conn.WriteMessage(gorillaws.BinaryMessage, chunk); err != nil {
				return
			}
		}
		// Terminal ended; tell the client before closing.
		_ = conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "terminal closed"),
			closeDeadline())
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != gorillaws.BinaryMessage || len(data) == 0 {
			continue
		}
		switch data[0] {
		case frameResize:
			if len(data) < 5 {
				continue
			}
			cols := binary.BigEndian.Uint16(data[1:3])
			rows := binary.BigEndian.Uint16(data[3:5])
			if err := s.terminals.Resize(c.Request.Context(), terminalID, cols, rows); err != nil {
				log.Warn("resize failed", zap.Error(err))
			}
		case frameInput:
			if dropped, err := s.terminals.SendInput(terminalID, data[1:]); err != nil {
				log.Warn("input rejected", zap.Error(err))
			} else if dropped > 0 {
				log.Warn("input dropped", zap.Int("bytes", dropped))
			}
			s.orch.Touch(c.Request.Context(), session.SandboxID)
		}
	}
	<-done
}
